package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/eniac111/proxyops/internal/types"
)

var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadInventory reads a YAML inventory file, substituting ${VAR} references
// from the environment and reading key_path files into key material.
func LoadInventory(path string) (types.Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Inventory{}, fmt.Errorf("failed to read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory parses inventory YAML bytes.
func ParseInventory(data []byte) (types.Inventory, error) {
	content := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		varName := match[2 : len(match)-1]
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return match
	})

	var inv types.Inventory
	if err := yaml.Unmarshal([]byte(content), &inv); err != nil {
		return types.Inventory{}, fmt.Errorf("failed to parse inventory: %w", err)
	}

	for i := range inv.Targets {
		t := &inv.Targets[i]
		if t.ID == "" {
			t.ID = t.Name
		}
		if t.ID == "" || t.Address == "" || t.User == "" {
			return types.Inventory{}, fmt.Errorf("target %d: id, address and user are required: %w", i, types.ErrInvalidArgument)
		}
		if t.Key == "" && t.KeyPath != "" {
			key, err := os.ReadFile(t.KeyPath)
			if err != nil {
				return types.Inventory{}, fmt.Errorf("target %s: failed to read SSH key: %w", t.ID, err)
			}
			t.Key = string(key)
		}
	}
	for i := range inv.Rules {
		r := &inv.Rules[i]
		if r.ID == "" {
			r.ID = r.Name
		}
		if r.Name == "" || r.UpstreamAddr == "" {
			return types.Inventory{}, fmt.Errorf("rule %d: name and upstream_addr are required: %w", i, types.ErrInvalidArgument)
		}
		if err := types.ValidateRuleName(r.Name); err != nil {
			return types.Inventory{}, fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	for i := range inv.Groups {
		if inv.Groups[i].ID == "" {
			inv.Groups[i].ID = inv.Groups[i].Name
		}
	}
	return inv, nil
}
