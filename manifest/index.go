package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is a manifest kept as a generic JSON object so unknown keys survive publishing.
type Document map[string]any

// ParseDocument decodes a manifest into a Document.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalid)
	}
	return doc, nil
}

// ID returns the plugin id of the document, or "" when it has none.
func (d Document) ID() string {
	return d.text("Id", "id")
}

// Version returns the plugin version of the document.
func (d Document) Version() string {
	return d.text("Version", "version")
}

func (d Document) text(keys ...string) string {
	for _, key := range keys {
		if v, ok := d[key]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

// ParseIndex decodes the aggregated index file. Empty content yields an empty index.
func ParseIndex(raw []byte) ([]Document, error) {
	if len(raw) == 0 {
		return []Document{}, nil
	}
	var index []Document
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("invalid plugin index: %w", err)
	}
	if index == nil {
		index = []Document{}
	}
	return index, nil
}

// UpsertIndex replaces the entry carrying doc's id, or appends doc when none does.
// It reports whether an entry was replaced. Extra entries sharing the id are dropped.
func UpsertIndex(index []Document, doc Document) ([]Document, bool) {
	id := doc.ID()
	out := make([]Document, 0, len(index)+1)
	replaced := false
	for _, entry := range index {
		if id != "" && entry.ID() == id {
			if !replaced {
				out = append(out, doc)
				replaced = true
			}
			continue
		}
		out = append(out, entry)
	}
	if !replaced {
		out = append(out, doc)
	}
	return out, replaced
}

// EncodeIndex renders the index the way it is committed to the index repository.
func EncodeIndex(index []Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(index); err != nil {
		return nil, fmt.Errorf("failed to encode plugin index: %w", err)
	}
	return buf.Bytes(), nil
}
