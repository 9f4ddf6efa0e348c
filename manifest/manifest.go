// Package manifest decodes plugin.json manifests and maintains the aggregated plugin index.
//
// Manifests in the wild mix PascalCase and snake_case keys. Every lookup here tries the
// PascalCase spelling first and falls back to snake_case, so the ambiguity is resolved in one place.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pluginwarden/models"
)

// InternalScheme is the manifest-relative prefix rewritten to a public raw-content URL.
const InternalScheme = "ms-plugin://"

// ErrInvalid is returned when a manifest is not a JSON object.
var ErrInvalid = errors.New("invalid manifest")

// AffiliationTag is the coloured badge a plugin shows in the store.
type AffiliationTag struct {
	Name          string `json:"Name"`
	BackgroundHex string `json:"BackgroundHex"`
	ForegroundHex string `json:"ForegroundHex"`
	Icon          string `json:"Icon"`
	PluginID      string `json:"PluginId,omitempty"`
}

// Dependency is a required plugin and its version requirement.
type Dependency struct {
	ID   string `json:"Id"`
	Need string `json:"Need"`
}

// Manifest is the typed view of a plugin.json document.
type Manifest struct {
	ID             *string
	Name           string
	Version        string
	Description    string
	Authors        string
	WebURI         string
	Logo           string
	SdkVersion     string
	DllName        string
	PluginManage   json.RawMessage
	AffiliationTag *AffiliationTag
	Dependencies   []Dependency
	Tags           []string
}

type object map[string]json.RawMessage

// Decode parses a manifest. Unknown keys are ignored and badly typed values read as empty.
func Decode(raw []byte) (*Manifest, error) {
	var fields object
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalid)
	}

	m := &Manifest{
		Name:        fields.text("Name", "name"),
		Version:     fields.text("Version", "version"),
		Description: fields.text("Description", "description"),
		Authors:     fields.text("Authors", "authors"),
		WebURI:      fields.text("WebUri", "web_uri"),
		Logo:        fields.text("Logo", "logo"),
		SdkVersion:  fields.text("SdkVersion", "sdk_version"),
		DllName:     fields.text("DllName", "dll_name"),
	}
	if id := fields.text("Id", "id"); id != "" {
		m.ID = &id
	}
	if manage, ok := fields.lookup("PluginManage", "plugin_manage"); ok {
		m.PluginManage = manage
	}
	if tag, ok := fields.child("AffiliationTag", "affiliation_tag"); ok {
		m.AffiliationTag = &AffiliationTag{
			Name:          tag.text("Name", "name"),
			BackgroundHex: tag.text("BackgroundHex", "background_hex"),
			ForegroundHex: tag.text("ForegroundHex", "foreground_hex"),
			Icon:          tag.text("Icon", "icon"),
			PluginID:      tag.text("PluginId", "plugin_id"),
		}
	}
	m.Dependencies = fields.dependencies()
	if meta, ok := fields.child("StoreMeta", "store_meta"); ok {
		m.Tags = meta.stringList("Tags", "tags")
	}
	return m, nil
}

// Rewrite replaces the internal scheme with the raw-content root of the release.
func Rewrite(raw []byte, fullName, tag string) []byte {
	root := fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/", fullName, tag)
	return bytes.ReplaceAll(raw, []byte(InternalScheme), []byte(root))
}

// Plugin projects the manifest onto a plugin row of the release. raw is stored verbatim.
func (m *Manifest) Plugin(releaseID int64, raw string) *models.Plugin {
	p := &models.Plugin{
		ReleaseID:   releaseID,
		PluginID:    m.ID,
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Authors:     m.Authors,
		WebURI:      m.WebURI,
		Logo:        m.Logo,
		SdkVersion:  m.SdkVersion,
		RawJSON:     raw,
	}
	if m.AffiliationTag != nil {
		p.TagName = m.AffiliationTag.Name
		p.BackgroundColor = m.AffiliationTag.BackgroundHex
	}
	for _, dep := range m.Dependencies {
		p.Dependencies = append(p.Dependencies, models.Dependency{DepID: dep.ID, Need: dep.Need})
	}
	for _, tag := range m.Tags {
		p.Tags = append(p.Tags, models.Tag{Tag: tag})
	}
	return p
}

func (o object) lookup(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		if v, ok := o[key]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func (o object) text(keys ...string) string {
	v, ok := o.lookup(keys...)
	if !ok {
		return ""
	}
	return asText(v)
}

func (o object) child(keys ...string) (object, bool) {
	v, ok := o.lookup(keys...)
	if !ok {
		return nil, false
	}
	var out object
	if err := json.Unmarshal(v, &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}

func (o object) stringList(keys ...string) []string {
	v, ok := o.lookup(keys...)
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil
	}
	var out []string
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// dependencies accepts {Id, Need} objects or bare id strings. Entries without an id are dropped.
func (o object) dependencies() []Dependency {
	v, ok := o.lookup("Dependencies", "dependencies")
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil
	}
	var deps []Dependency
	for _, item := range items {
		var id string
		if json.Unmarshal(item, &id) == nil {
			if id != "" {
				deps = append(deps, Dependency{ID: id})
			}
			continue
		}
		var dep object
		if json.Unmarshal(item, &dep) != nil || dep == nil {
			continue
		}
		d := Dependency{ID: dep.text("Id", "id"), Need: dep.text("Need", "need")}
		if d.ID == "" {
			continue
		}
		deps = append(deps, d)
	}
	return deps
}

// asText reads strings as-is, keeps number and bool literals, and joins string lists.
func asText(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(v, &list) == nil {
		return strings.Join(list, ", ")
	}
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return ""
	}
	return string(trimmed)
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}
