// Package settings reads and writes the small persisted configuration the
// web application layer shares with the bridge. The bridge consumes it at
// each session start and re-applies changes to the live session when the
// file is rewritten.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the settings file inside the config directory.
const FileName = ".webui_settings.json"

// Settings holds the boolean toggles affecting session initialization.
type Settings struct {
	ManualAddContacts bool `json:"manual_add_contacts"`
}

// Load reads the settings file from the config directory. An absent file is
// not an error; defaults are returned.
func Load(configDir string) (Settings, error) {
	data, err := os.ReadFile(filepath.Join(configDir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", FileName, err)
	}
	return s, nil
}

// SetManualAddContacts persists the manual contact approval toggle,
// preserving any other keys the application layer keeps in the file.
func SetManualAddContacts(configDir string, enabled bool) error {
	path := filepath.Join(configDir, FileName)

	raw := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", FileName, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	raw["manual_add_contacts"] = enabled

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
