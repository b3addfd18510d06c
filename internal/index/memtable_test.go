package index

import (
	"fmt"
	"testing"
)

func TestSkipList_BasicOperations(t *testing.T) {
	sl := newSkipList()

	sl.put([]byte("key1"), []byte("value1"))
	sl.put([]byte("key2"), []byte("value2"))
	sl.put([]byte("key3"), []byte("value3"))

	if value, found := sl.get([]byte("key1")); !found || string(value) != "value1" {
		t.Errorf("expected value1, got %s, found=%v", value, found)
	}
	if _, found := sl.get([]byte("missing")); found {
		t.Error("expected not found for missing key")
	}

	if !sl.tombstone([]byte("key2")) {
		t.Error("expected tombstone to find key2")
	}
	if _, found := sl.get([]byte("key2")); found {
		t.Error("expected not found after tombstone")
	}
	if sl.tombstone([]byte("key2")) {
		t.Error("tombstoning twice should report false")
	}
	if sl.Count() != 3 || sl.Live() != 2 {
		t.Errorf("expected count=3 live=2, got count=%d live=%d", sl.Count(), sl.Live())
	}

	sl.put([]byte("key1"), []byte("updated"))
	if value, found := sl.get([]byte("key1")); !found || string(value) != "updated" {
		t.Errorf("expected updated, got %s", value)
	}
}

func TestSkipList_Iterator(t *testing.T) {
	sl := newSkipList()
	sl.put([]byte("c"), []byte("3"))
	sl.put([]byte("a"), []byte("1"))
	sl.put([]byte("b"), []byte("2"))

	iter := sl.newIterator()
	defer iter.Close()

	expected := []string{"a", "b", "c"}
	i := 0
	for iter.Next() {
		if string(iter.Entry().Key) != expected[i] {
			t.Errorf("expected %s at position %d, got %s", expected[i], i, iter.Entry().Key)
		}
		i++
	}
	if i != 3 {
		t.Errorf("expected 3 entries, got %d", i)
	}
}

func TestMemTable_InsertionOrder(t *testing.T) {
	mt := newMemTable()
	for i := 0; i < 300; i++ {
		if _, err := mt.Add(NewDocument(fmt.Sprintf("doc-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	docs := mt.Documents()
	if len(docs) != 300 {
		t.Fatalf("expected 300 documents, got %d", len(docs))
	}
	for i, enc := range docs {
		doc, err := decodeDocument(enc)
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("doc-%d", i); doc.ID() != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, doc.ID())
		}
	}
}

func TestMemTable_DeleteMatching(t *testing.T) {
	mt := newMemTable()
	mt.Add(NewDocument("1").Add("color", "red"))
	mt.Add(NewDocument("2").Add("color", "blue"))
	mt.Add(NewDocument("3").Add("color", "red"))

	removed, err := mt.DeleteMatching(NewTermQuery("color", "red").Matches)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if mt.Live() != 1 {
		t.Errorf("expected 1 live document, got %d", mt.Live())
	}

	docs := mt.Documents()
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	doc, _ := decodeDocument(docs[0])
	if doc.ID() != "2" {
		t.Errorf("expected doc 2 to survive, got %s", doc.ID())
	}
}

func TestMemTable_DeleteID(t *testing.T) {
	mt := newMemTable()
	mt.Add(NewDocument("1").Add("v", "a"))
	mt.Add(NewDocument("2"))
	mt.Add(NewDocument("1").Add("v", "b"))

	removed, err := mt.DeleteID("1")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if removed, _ := mt.DeleteID("1"); removed != 0 {
		t.Errorf("expected nothing left to remove, got %d", removed)
	}

	// A document added after the delete is indexed afresh.
	mt.Add(NewDocument("1").Add("v", "c"))
	if mt.Live() != 2 {
		t.Errorf("expected 2 live documents, got %d", mt.Live())
	}
	if removed, _ := mt.DeleteID("1"); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
}

func TestMemTable_Frozen(t *testing.T) {
	mt := newMemTable()
	mt.Freeze()

	if _, err := mt.Add(NewDocument("1")); err != errMemTableFrozen {
		t.Errorf("expected errMemTableFrozen, got %v", err)
	}
	if _, err := mt.DeleteID("1"); err != errMemTableFrozen {
		t.Errorf("expected errMemTableFrozen, got %v", err)
	}
	if _, err := mt.DeleteMatching(MatchAll{}.Matches); err != errMemTableFrozen {
		t.Errorf("expected errMemTableFrozen, got %v", err)
	}
}

func BenchmarkSkipList_Put(b *testing.B) {
	sl := newSkipList()
	value := []byte("benchmark-value-1234567890")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.put(seqKey(uint64(i)), value)
	}
}

func BenchmarkMemTable_Add(b *testing.B) {
	mt := newMemTable()
	doc := NewDocument("bench").Add("title", "benchmark document")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mt.Add(doc)
	}
}
