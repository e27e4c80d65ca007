package license

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// GrowthPackMap maps a pack name to the feature names it unlocks. Packs
// are sold as bundles on top of the base plan; the billing service names
// them on each license, and this map resolves them locally to features.
type GrowthPackMap map[string][]string

// DefaultGrowthPacks is the shipped catalogue. A config file may replace
// it entirely; unknown pack names on a license are ignored.
func DefaultGrowthPacks() GrowthPackMap {
	return GrowthPackMap{
		"analytics_plus": {"line_crossing", "polygon_dwell", "heatmaps"},
		"lpr":            {"license_plate_recognition"},
		"forensics":      {"object_search", "clip_export"},
		"alerting_pro":   {"sms_alerts", "email_alerts", "webhook_alerts"},
	}
}

// LoadGrowthPacks reads a pack catalogue from a YAML file shaped as
//
//	growth_packs:
//	  analytics_plus: [line_crossing, polygon_dwell]
//
// An empty path keeps the default catalogue.
func LoadGrowthPacks(path string) (GrowthPackMap, error) {
	if path == "" {
		return DefaultGrowthPacks(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("growth pack config: %w", err)
	}
	var doc struct {
		GrowthPacks GrowthPackMap `yaml:"growth_packs"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("growth pack config %s: %w", path, err)
	}
	if len(doc.GrowthPacks) == 0 {
		return DefaultGrowthPacks(), nil
	}
	return doc.GrowthPacks, nil
}

// Enables reports whether the named pack unlocks the feature.
func (g GrowthPackMap) Enables(pack, feature string) bool {
	for _, f := range g[pack] {
		if f == feature {
			return true
		}
	}
	return false
}

// Features returns the sorted union of features across the given packs.
func (g GrowthPackMap) Features(packs []string) []string {
	set := make(map[string]struct{})
	for _, p := range packs {
		for _, f := range g[p] {
			set[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
