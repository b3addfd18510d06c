package index

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/go-cmp/cmp"
)

func TestDecodeDocuments(t *testing.T) {
	docs, err := DecodeDocuments([]byte(`
- _id: d1
  title: hello
  tag: [a, b]
- {"_id": "d2", "rank": 3, "draft": true}
`))
	assert.Equal(t, err, nil)
	want := []Document{
		NewDocument("d1").Add("title", "hello").Add("tag", "a").Add("tag", "b"),
		NewDocument("d2").Add("rank", "3").Add("draft", "true"),
	}
	if diff := cmp.Diff(want, docs); diff != "" {
		t.Errorf("documents mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeDocuments_Invalid(t *testing.T) {
	_, err := DecodeDocuments([]byte(`- title: no id`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeDocuments([]byte(`- {_id: d1, nested: {a: b}}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeDocuments([]byte(`not: a list`))
	assert.NotEqual(t, err, nil)
}
