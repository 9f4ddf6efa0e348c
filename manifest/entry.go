package manifest

import (
	"encoding/json"
	"strconv"

	"pluginwarden/models"
)

// Store badge colours used when a manifest carries no AffiliationTag.
const (
	DefaultBackgroundHex = "#111827"
	DefaultForegroundHex = "#FFFFFF"
)

// lastUpdatedLayout renders the stored wall clock without a zone designator.
const lastUpdatedLayout = "2006-01-02T15:04:05"

// Entry is one plugin version as listed by the store.
type Entry struct {
	ID             string          `json:"Id"`
	Name           string          `json:"Name"`
	Version        string          `json:"Version"`
	Description    string          `json:"Description"`
	Authors        string          `json:"Authors"`
	WebURI         string          `json:"WebUri"`
	Logo           string          `json:"Logo"`
	PluginManage   json.RawMessage `json:"PluginManage"`
	AffiliationTag AffiliationTag  `json:"AffiliationTag"`
	SdkVersion     string          `json:"SdkVersion"`
	DllName        *string         `json:"DllName"`
	Dependencies   []Dependency    `json:"Dependencies"`
	Download       *string         `json:"Download"`
	LastUpdated    *string         `json:"LastUpdated"`
}

// NewEntry rebuilds a store entry from the stored raw manifest, falling back to the projected columns.
func NewEntry(p models.StorePlugin) Entry {
	entry := Entry{
		ID:           p.GroupKey,
		Name:         p.Name,
		Version:      p.Version,
		Description:  p.Description,
		Authors:      p.Authors,
		WebURI:       p.WebURI,
		Logo:         p.Logo,
		SdkVersion:   p.SdkVersion,
		Dependencies: []Dependency{},
		Download:     p.DownloadURL,
	}
	if p.PluginID != nil && *p.PluginID != "" {
		entry.ID = *p.PluginID
	}
	if entry.ID == "" {
		entry.ID = strconv.FormatInt(p.ID, 10)
	}
	if !p.CreatedAt.IsZero() {
		updated := p.CreatedAt.Format(lastUpdatedLayout)
		entry.LastUpdated = &updated
	}
	for _, dep := range p.Dependencies {
		entry.Dependencies = append(entry.Dependencies, Dependency{ID: dep.DepID, Need: dep.Need})
	}
	entry.AffiliationTag = defaultAffiliation(p, entry.ID)

	if p.RawJSON == "" {
		return entry
	}
	m, err := Decode([]byte(p.RawJSON))
	if err != nil {
		return entry
	}

	if m.ID != nil {
		entry.ID = *m.ID
	}
	entry.Name = firstNonEmpty(m.Name, entry.Name)
	entry.Version = firstNonEmpty(m.Version, entry.Version)
	entry.Description = firstNonEmpty(m.Description, entry.Description)
	entry.Authors = firstNonEmpty(m.Authors, entry.Authors)
	entry.WebURI = firstNonEmpty(m.WebURI, entry.WebURI)
	entry.Logo = firstNonEmpty(m.Logo, entry.Logo)
	entry.SdkVersion = firstNonEmpty(m.SdkVersion, entry.SdkVersion)
	entry.PluginManage = m.PluginManage
	if m.DllName != "" {
		entry.DllName = &m.DllName
	}
	if m.AffiliationTag != nil {
		entry.AffiliationTag = *m.AffiliationTag
	} else {
		entry.AffiliationTag.PluginID = entry.ID
	}
	entry.Dependencies = []Dependency{}
	if m.Dependencies != nil {
		entry.Dependencies = m.Dependencies
	}
	return entry
}

func defaultAffiliation(p models.StorePlugin, pluginID string) AffiliationTag {
	name := p.TagName
	if name == "" && len(p.Tags) > 0 {
		name = p.Tags[0].Tag
	}
	return AffiliationTag{
		Name:          name,
		BackgroundHex: firstNonEmpty(p.BackgroundColor, DefaultBackgroundHex),
		ForegroundHex: DefaultForegroundHex,
		PluginID:      pluginID,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
