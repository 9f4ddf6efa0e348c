package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"pluginwarden/manifest"
	"pluginwarden/models"
)

// storeGroup is every listed version of one plugin, newest first.
type storeGroup struct {
	id      string
	entries []manifest.Entry
}

// storeItems marshals as a JSON object keyed by plugin id, keeping page order.
type storeItems []storeGroup

func (items storeItems) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, group := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(group.id)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		entries := group.entries
		if entries == nil {
			entries = []manifest.Entry{}
		}
		value, err := json.Marshal(entries)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// buildStoreItems rebuilds the store entries of each group. Groups whose ids collide after
// manifest decoding are merged into the first occurrence.
func buildStoreItems(groups []models.StoreGroup) storeItems {
	items := make(storeItems, 0, len(groups))
	index := make(map[string]int, len(groups))
	for _, group := range groups {
		if len(group.Plugins) == 0 {
			continue
		}
		entries := make([]manifest.Entry, 0, len(group.Plugins))
		for _, p := range group.Plugins {
			entries = append(entries, manifest.NewEntry(p))
		}
		id := entries[0].ID
		if at, ok := index[id]; ok {
			items[at].entries = append(items[at].entries, entries...)
			continue
		}
		index[id] = len(items)
		items = append(items, storeGroup{id: id, entries: entries})
	}
	return items
}

func (s *Server) handleStorePlugins(w http.ResponseWriter, r *http.Request) {
	params := models.NewPaginationParams(queryInt(r, "page"), queryInt(r, "limit"), 30, 200)

	groups, total, err := s.store.ListStorePlugins(r.Context(), params)
	if err != nil {
		writeStoreError(w, err, "failed to list store plugins")
		return
	}
	writeJSON(w, http.StatusOK, models.NewPage(params, total, buildStoreItems(groups)))
}
