package query

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// Region is a named bounding box from the geography lookup file.
type Region struct {
	Name   string  `json:"name"`
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

// Geography resolves region names mentioned in an utterance to
// bounding boxes. The lookup table is loaded once at startup and is
// immutable afterwards.
type Geography struct {
	regions map[string]Region
	// keys sorted by length descending so the longest matching name
	// wins ("south china sea" over "china sea")
	keys []string
}

// NewGeography loads the lookup file. A missing or unreadable file is
// not fatal: the resolver degrades to never matching.
func NewGeography(path string) *Geography {
	g := &Geography{regions: map[string]Region{}}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("geography lookup file not available, region resolution disabled", "path", path, "error", err)
		return g
	}

	var raw map[string]struct {
		LatMin float64 `json:"lat_min"`
		LatMax float64 `json:"lat_max"`
		LonMin float64 `json:"lon_min"`
		LonMax float64 `json:"lon_max"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("geography lookup file is malformed, region resolution disabled", "path", path, "error", err)
		return g
	}

	for name, box := range raw {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		g.regions[key] = Region{
			Name:   key,
			LatMin: box.LatMin,
			LatMax: box.LatMax,
			LonMin: box.LonMin,
			LonMax: box.LonMax,
		}
	}

	g.keys = make([]string, 0, len(g.regions))
	for k := range g.regions {
		g.keys = append(g.keys, k)
	}
	sort.Slice(g.keys, func(i, j int) bool {
		if len(g.keys[i]) != len(g.keys[j]) {
			return len(g.keys[i]) > len(g.keys[j])
		}
		return g.keys[i] < g.keys[j]
	})

	slog.Info("geography lookup loaded", "regions", len(g.regions))
	return g
}

// Resolve scans the utterance for a known region name. Matching is a
// case-insensitive substring check; the longest key wins.
func (g *Geography) Resolve(utterance string) (Region, bool) {
	if len(g.keys) == 0 {
		return Region{}, false
	}
	needle := strings.ToLower(utterance)
	for _, key := range g.keys {
		if strings.Contains(needle, key) {
			return g.regions[key], true
		}
	}
	return Region{}, false
}
