package utils

import (
	"math"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
)

// LoadTOMLFile decodes a TOML file into dst. Keys that match no field are
// logged and otherwise ignored.
func LoadTOMLFile(path string, dst any) error {
	meta, err := toml.DecodeFile(path, dst)
	if err != nil {
		log.Warnf("TOML parsing error in %s: %v. Attempting partial recovery...", path, err)
		return err
	}
	for _, key := range meta.Undecoded() {
		log.Warnf("Unknown key %q in %s", key.String(), path)
	}
	return nil
}

// ParseTOMLWithRecovery decodes a TOML file into a generic map so that valid
// keys can be salvaged when strict decoding fails on a single bad value.
func ParseTOMLWithRecovery(path string) (map[string]any, error) {
	data := make(map[string]any)
	if _, err := toml.DecodeFile(path, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// ExtractSection returns the table called name.
func ExtractSection(data map[string]any, name string) (map[string]any, bool) {
	section, ok := data[name].(map[string]any)
	return section, ok
}

// ExtractInt returns an integer value. Floats with no fractional part are
// accepted as well.
func ExtractInt(data map[string]any, key string) (int, bool) {
	switch val := data[key].(type) {
	case int64:
		return int(val), true
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return int(val), true
		}
	}
	if _, present := data[key]; present {
		log.Warnf("Ignoring %q: not an integer", key)
	}
	return 0, false
}

// ExtractBool returns a boolean value.
func ExtractBool(data map[string]any, key string) (bool, bool) {
	val, ok := data[key].(bool)
	if !ok {
		if _, present := data[key]; present {
			log.Warnf("Ignoring %q: not a boolean", key)
		}
	}
	return val, ok
}

// ExtractFloat returns a float value, accepting TOML integers too.
func ExtractFloat(data map[string]any, key string) (float64, bool) {
	switch val := data[key].(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	}
	if _, present := data[key]; present {
		log.Warnf("Ignoring %q: not a number", key)
	}
	return 0, false
}

// ExtractString returns a string value.
func ExtractString(data map[string]any, key string) (string, bool) {
	val, ok := data[key].(string)
	return val, ok
}
