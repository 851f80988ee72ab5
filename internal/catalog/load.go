package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overrideFile is the on-disk shape of a catalog override.
type overrideFile struct {
	Agents     []AgentSpec         `yaml:"agents"`
	Categories map[Domain]Category `yaml:"categories"`
	Priority   []Category          `yaml:"priority"`
	Templates  []Template          `yaml:"templates"`
	Indicators map[string]float64  `yaml:"indicators"`
	Thresholds *Thresholds         `yaml:"thresholds"`
}

// Load returns Default() with the overrides in path applied on top.
// Agents and templates are replaced by type/category; new ones are appended.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Catalog, error) {
	cat := Default()
	if path == "" {
		return cat, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cat, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	return Merge(cat, data)
}

// Merge applies a YAML override document to a copy of base.
func Merge(base *Catalog, data []byte) (*Catalog, error) {
	var ov overrideFile
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	cat := base.clone()
	for _, a := range ov.Agents {
		if a.Type == "" {
			return nil, fmt.Errorf("catalog agent without type")
		}
		for _, k := range a.Keywords {
			if k.Weight <= 0 {
				return nil, fmt.Errorf("catalog agent %q: keyword %q weight %v must be positive", a.Type, k.Phrase, k.Weight)
			}
		}
		replaced := false
		for i := range cat.Agents {
			if cat.Agents[i].Type == a.Type {
				cat.Agents[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			cat.Agents = append(cat.Agents, a)
		}
	}
	for d, c := range ov.Categories {
		cat.Categories[d] = c
	}
	if len(ov.Priority) > 0 {
		cat.Priority = ov.Priority
	}
	for _, t := range ov.Templates {
		if !t.Category.TemplateEligible() {
			return nil, fmt.Errorf("template for non-template category %q", t.Category)
		}
		cat.Templates[t.Category] = t
	}
	for word, w := range ov.Indicators {
		cat.Indicators[word] = w
	}
	if ov.Thresholds != nil {
		if ov.Thresholds.SimpleMax > ov.Thresholds.ModerateMax {
			return nil, fmt.Errorf("catalog thresholds: simple_max %.1f above moderate_max %.1f",
				ov.Thresholds.SimpleMax, ov.Thresholds.ModerateMax)
		}
		cat.Thresholds = *ov.Thresholds
	}
	for d, c := range cat.Categories {
		if _, ok := cat.Templates[c]; !ok && c != CategoryCustom {
			return nil, fmt.Errorf("catalog domain %q maps to category %q, which has no template", d, c)
		}
	}

	return cat, nil
}
