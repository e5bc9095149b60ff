package methodology

import (
	"encoding/json"
	"fmt"
)

// ManifestEntry is the searchable summary of one methodology.
type ManifestEntry struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Domains     []string   `json:"domains,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Complexity  Complexity `json:"complexity,omitempty"`
}

// UnmarshalJSON accepts "title" as a fallback for "name".
func (e *ManifestEntry) UnmarshalJSON(data []byte) error {
	type plain ManifestEntry
	var doc struct {
		plain
		Title string `json:"title"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*e = ManifestEntry(doc.plain)
	if e.Name == "" {
		e.Name = doc.Title
	}
	return nil
}

// Manifest lists the methodologies available from a source.
type Manifest struct {
	Methodologies []ManifestEntry `json:"methodologies"`
}

// ParseManifest decodes a manifest document. Entries without an id are dropped.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	kept := m.Methodologies[:0]
	for _, e := range m.Methodologies {
		if e.ID != "" {
			kept = append(kept, e)
		}
	}
	m.Methodologies = kept
	return &m, nil
}

// Entry summarizes the methodology as a manifest entry.
func (m *Methodology) Entry() ManifestEntry {
	return ManifestEntry{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Domains:     m.Domains,
		Tags:        m.Tags,
		Complexity:  m.Complexity,
	}
}
