package pin

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed weak_patterns.yaml
var defaultWeakPatterns []byte

// WeakPatterns groups the PINs that are refused even when well formed.
type WeakPatterns struct {
	Repeated   []string `yaml:"repeated"`
	Ascending  []string `yaml:"ascending"`
	Descending []string `yaml:"descending"`
}

// ParseWeakPatterns decodes a YAML weak-pattern list.
func ParseWeakPatterns(data []byte) (WeakPatterns, error) {
	var wp WeakPatterns
	if err := yaml.Unmarshal(data, &wp); err != nil {
		return WeakPatterns{}, fmt.Errorf("parse weak patterns: %w", err)
	}
	return wp, nil
}

func (wp WeakPatterns) set() map[string]struct{} {
	s := make(map[string]struct{}, len(wp.Repeated)+len(wp.Ascending)+len(wp.Descending))
	for _, group := range [][]string{wp.Repeated, wp.Ascending, wp.Descending} {
		for _, p := range group {
			s[p] = struct{}{}
		}
	}
	return s
}

func mustDefaultWeakSet() map[string]struct{} {
	wp, err := ParseWeakPatterns(defaultWeakPatterns)
	if err != nil {
		panic(err)
	}
	return wp.set()
}
