package config

import (
	"fmt"
	"os"

	"slot-waitlist/models"

	"gopkg.in/yaml.v3"
)

type capacityFile struct {
	Default    *models.TierLimits           `yaml:"default"`
	Categories map[string]models.TierLimits `yaml:"categories"`
	// ReplaceCategories drops the built-in category rows instead of merging.
	ReplaceCategories bool `yaml:"replace_categories"`
}

// LoadCapacity reads the capacity table from a YAML file. An empty path
// yields the built-in table.
//
//	default:
//	  featured: 8
//	  sponsor: 3
//	categories:
//	  restaurants:
//	    featured: 12
//	    sponsor: 4
//
// A default present in the file replaces the built-in one, zeros included.
// Listed categories are merged over the built-in rows unless
// replace_categories is true, in which case only the file's rows remain.
func LoadCapacity(path string) (models.CapacityTable, error) {
	if path == "" {
		return models.DefaultCapacityTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.CapacityTable{}, fmt.Errorf("read capacity file: %w", err)
	}
	return ParseCapacity(data)
}

func ParseCapacity(data []byte) (models.CapacityTable, error) {
	var parsed capacityFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return models.CapacityTable{}, fmt.Errorf("parse capacity file: %w", err)
	}

	table := models.DefaultCapacityTable()
	if parsed.Default != nil {
		table.Default = *parsed.Default
	}
	if parsed.ReplaceCategories {
		table.Categories = make(map[string]models.TierLimits, len(parsed.Categories))
	}
	for category, limits := range parsed.Categories {
		if limits.Featured < 0 || limits.Sponsor < 0 {
			return models.CapacityTable{}, fmt.Errorf("capacity for %q must not be negative", category)
		}
		table.Categories[category] = limits
	}
	if table.Default.Featured < 0 || table.Default.Sponsor < 0 {
		return models.CapacityTable{}, fmt.Errorf("default capacity must not be negative")
	}
	return table, nil
}
