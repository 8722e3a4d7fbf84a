package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/billm/tutornet/pkg/types"
)

// placeholder matches ${NAME} and ${NAME:-fallback}
var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv substitutes placeholders from the environment. An unset or empty
// variable takes the fallback, or the empty string when there is none.
func expandEnv(data []byte) []byte {
	return placeholder.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := placeholder.FindSubmatch(match)
		if v := os.Getenv(string(groups[1])); v != "" {
			return []byte(v)
		}
		return groups[2]
	})
}

// readConfigFile returns the raw file contents, refusing anything that is not
// a readable, non-empty .yaml or .yml file
func readConfigFile(path string) ([]byte, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml or .yml extension, got: "+ext)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
	case err != nil:
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	case len(bytes.TrimSpace(data)) == 0:
		return nil, types.NewError(types.ErrCodeInvalid, "configuration file is empty: "+path)
	}
	return data, nil
}

// LoadFromFile loads configuration from a YAML file. Placeholders are
// expanded before parsing so any field, durations and booleans included, can
// come from the environment. Keys the Config does not know are rejected.
func LoadFromFile(path string) (*Config, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	// Decode over the defaults so omitted booleans keep their default value
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, types.NewError(types.ErrCodeInvalid, "configuration file contains no YAML content: "+path)
		}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, types.WrapError(types.ErrCodeInvalid, "YAML type error in "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
	}

	// Explicit zero values in the file fall back to defaults as well
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "configuration validation failed for "+path, err)
	}
	return cfg, nil
}
