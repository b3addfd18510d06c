package index

import (
	"cmp"
	"slices"
)

// Hit is one matching document.
type Hit struct {
	Doc Document
	// Segment and Ordinal locate the document within the reader.
	Segment string
	Ordinal int
}

// TopDocs holds the first hits of a search and the total number of matches.
type TopDocs struct {
	TotalHits int
	Hits      []Hit
}

// SortField orders hits by the first value of Field. Documents lacking the
// field sort before all others.
type SortField struct {
	Field   string
	Reverse bool
}

func (r *Reader) hits(q Query, fn func(Hit) bool) {
	for _, l := range r.leaves {
		for ordinal, doc := range l.seg.docs {
			if l.live != nil && !l.live.isLive(ordinal) {
				continue
			}
			if !q.Matches(doc) {
				continue
			}
			if !fn(Hit{Doc: doc, Segment: l.seg.name, Ordinal: ordinal}) {
				return
			}
		}
	}
}

// Search returns up to n hits for q. Without a sort the hits are in index
// order. n <= 0 returns only the total.
func (r *Reader) Search(q Query, n int, sort *SortField) TopDocs {
	var top TopDocs
	if sort == nil {
		r.hits(q, func(h Hit) bool {
			top.TotalHits++
			if len(top.Hits) < n {
				top.Hits = append(top.Hits, h)
			}
			return true
		})
		return top
	}

	var all []Hit
	r.hits(q, func(h Hit) bool {
		all = append(all, h)
		return true
	})
	slices.SortStableFunc(all, func(a, b Hit) int {
		c := cmp.Compare(a.Doc.Get(sort.Field), b.Doc.Get(sort.Field))
		if sort.Reverse {
			return -c
		}
		return c
	})
	top.TotalHits = len(all)
	if n > 0 {
		top.Hits = all[:min(n, len(all))]
	}
	return top
}

// Collect returns every document matching q, in no particular order.
func (r *Reader) Collect(q Query) []Document {
	var docs []Document
	r.hits(q, func(h Hit) bool {
		docs = append(docs, h.Doc)
		return true
	})
	return docs
}

// Group maps each value of field to the ids of the matching documents
// carrying it. A multi-valued field groups the document under every value.
func (r *Reader) Group(q Query, field string) map[string][]string {
	groups := make(map[string][]string)
	r.hits(q, func(h Hit) bool {
		for _, v := range h.Doc.Values(field) {
			groups[v] = append(groups[v], h.Doc.ID())
		}
		return true
	})
	return groups
}

// Count returns the number of documents matching q.
func (r *Reader) Count(q Query) int {
	n := 0
	r.hits(q, func(Hit) bool {
		n++
		return true
	})
	return n
}

// Lookup fetches the live document with the given id.
func (r *Reader) Lookup(id string) (Document, bool) {
	var found Document
	ok := false
	r.hits(TermQuery{Term: IDTerm(id)}, func(h Hit) bool {
		found, ok = h.Doc, true
		return false
	})
	return found, ok
}
