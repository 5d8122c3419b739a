package wechat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadMenu reads a menu document. Files ending in .yaml or .yml are read as
// YAML, anything else as JSON.
func LoadMenu(path string) (Menu, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Menu{}, err
	}
	return ParseMenu(data, filepath.Ext(path))
}

// ParseMenu decodes a menu document in the format named by ext.
func ParseMenu(data []byte, ext string) (Menu, error) {
	var menu Menu
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &menu); err != nil {
			return Menu{}, fmt.Errorf("parse menu yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &menu); err != nil {
			return Menu{}, fmt.Errorf("parse menu json: %w", err)
		}
	}
	if len(menu.Buttons) == 0 {
		return Menu{}, fmt.Errorf("menu has no buttons")
	}
	for i := range menu.Buttons {
		if err := normalizeMenuItem(&menu.Buttons[i]); err != nil {
			return Menu{}, err
		}
	}
	return menu, nil
}

// normalizeMenuItem defaults untyped leaf items that carry a key to click
// items, and rejects click items without one.
func normalizeMenuItem(item *MenuItem) error {
	if strings.TrimSpace(item.Name) == "" {
		return fmt.Errorf("menu item without name")
	}
	if len(item.SubButtons) > 0 {
		for i := range item.SubButtons {
			if err := normalizeMenuItem(&item.SubButtons[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if item.Type == "" && item.Key != "" {
		item.Type = MenuItemClick
	}
	if item.Type == MenuItemClick && strings.TrimSpace(item.Key) == "" {
		return fmt.Errorf("menu item %q: click items need a key", item.Name)
	}
	return nil
}
