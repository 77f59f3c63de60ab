package campaign

import (
	"bytes"
	"dmagma/internal/types"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath guesses the document format from the file extension, defaulting to JSON
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and decodes a campaign document. The result is not validated.
func Load(path string) (*types.Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign document: %w", err)
	}
	return Decode(data, FormatFromPath(path))
}

// Decode parses a campaign document. Unknown fields are rejected.
func Decode(data []byte, format Format) (*types.Campaign, error) {
	raw := make(map[string]any)
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case FormatJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber() // reject fractional poll/timeout instead of truncating
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported campaign document format: %s", format)
	}

	return FromMap(raw)
}

// FromMap converts a generic document into a campaign
func FromMap(raw map[string]any) (*types.Campaign, error) {
	c := &types.Campaign{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      c,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode campaign: %w", err)
	}
	return c, nil
}
