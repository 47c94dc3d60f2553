// Package guidance maps predicted waste categories to disposal advice.
package guidance

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Entry is the disposal advice for one label.
type Entry struct {
	Label       string   `yaml:"label" json:"-"`
	DisplayName string   `yaml:"display_name" json:"display_name"`
	Bin         string   `yaml:"bin" json:"bin,omitempty"`
	Color       string   `yaml:"color" json:"color,omitempty"`
	Tips        []string `yaml:"tips" json:"tips,omitempty"`
}

var defaults = []Entry{
	{
		Label:       "recyclable",
		DisplayName: "Recyclable Waste",
		Bin:         "Blue Bin",
		Color:       "#3B82F6",
		Tips: []string{
			"Clean and dry the material before recycling.",
			"Separate plastics, paper, and metal items.",
			"Drop it in the nearest blue recycling bin.",
		},
	},
	{
		Label:       "organic",
		DisplayName: "Organic Waste",
		Bin:         "Green Bin",
		Color:       "#22C55E",
		Tips: []string{
			"Collect food scraps and compost them.",
			"Avoid mixing with plastic or metal waste.",
			"Throw it in the green bin.",
		},
	},
	{
		Label:       "hazardous",
		DisplayName: "Hazardous Waste",
		Bin:         "Red Bin",
		Color:       "#EF4444",
		Tips: []string{
			"Keep it sealed in a separate bag.",
			"Do not mix with normal waste.",
			"Dispose of it at a hazardous waste collection center.",
		},
	},
	{
		Label:       "non_recyclable",
		DisplayName: "Non-Recyclable Waste",
		Bin:         "Black Bin",
		Color:       "#6B7280",
		Tips: []string{
			"Bag it securely before disposal.",
			"Check whether any part can be separated and recycled.",
		},
	},
}

const fallbackTip = "Please verify the waste type before disposal."

// Catalog is read-only after construction.
type Catalog struct {
	entries map[string]Entry
}

// NewCatalog returns the built-in entries overridden (or extended) by extra.
func NewCatalog(extra []Entry) *Catalog {
	c := &Catalog{
		entries: make(map[string]Entry, len(defaults)+len(extra)),
	}
	for _, e := range defaults {
		c.entries[normalize(e.Label)] = e
	}
	for _, e := range extra {
		if e.Label == "" {
			continue
		}
		c.entries[normalize(e.Label)] = e
	}
	return c
}

// Lookup never fails: unknown labels get a generated display name and a
// generic tip.
func (c *Catalog) Lookup(label string) Entry {
	if e, ok := c.entries[normalize(label)]; ok {
		if e.DisplayName == "" {
			e.DisplayName = c.displayName(label)
		}
		return e
	}
	return Entry{
		Label:       label,
		DisplayName: c.displayName(label),
		Tips:        []string{fallbackTip},
	}
}

// A cases.Caser is stateful, so each call gets its own.
func (c *Catalog) displayName(label string) string {
	words := strings.NewReplacer("_", " ", "-", " ").Replace(label)
	return cases.Title(language.English).String(strings.TrimSpace(words))
}

// normalize lets "Non-Recyclable", "non_recyclable" and "non recyclable"
// share one entry.
func normalize(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	return strings.NewReplacer("-", "_", " ", "_").Replace(label)
}
