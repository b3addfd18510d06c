package index

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// DecodeDocuments parses a YAML or JSON list of documents. Each document is
// a mapping from field name to a scalar or a list of scalars; key order is
// kept as field order.
//
//	[{_id: d1, title: hello, tag: [a, b]}]
func DecodeDocuments(data []byte) ([]Document, error) {
	var raw []yaml.MapSlice
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	docs := make([]Document, 0, len(raw))
	for i, m := range raw {
		var d Document
		for _, item := range m {
			name := fmt.Sprint(item.Key)
			switch v := item.Value.(type) {
			case nil:
			case []any:
				for _, e := range v {
					s, err := scalar(e)
					if err != nil {
						return nil, fmt.Errorf("document %d field %q: %w", i, name, err)
					}
					d = d.Add(name, s)
				}
			default:
				s, err := scalar(v)
				if err != nil {
					return nil, fmt.Errorf("document %d field %q: %w", i, name, err)
				}
				d = d.Add(name, s)
			}
		}
		if d.ID() == "" {
			return nil, fmt.Errorf("document %d: missing %s", i, IDField)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func scalar(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}
