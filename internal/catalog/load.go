package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	apperrors "github.com/fourma/bikelocator/pkg/errors"
)

//go:embed campus.yaml
var campusYAML []byte

// document is the on-disk catalog schema. Coordinates are pointers so a
// missing field is distinguishable from 0.
type document struct {
	Locations []record `yaml:"locations" json:"locations"`
}

type record struct {
	Name      string   `yaml:"name" json:"name"`
	Aliases   []string `yaml:"aliases" json:"aliases"`
	Latitude  *float64 `yaml:"latitude" json:"latitude"`
	Longitude *float64 `yaml:"longitude" json:"longitude"`
}

// Campus returns the built-in campus catalog.
func Campus(policy DuplicatePolicy) (*Catalog, error) {
	return Parse(campusYAML, policy)
}

// LoadFile reads a catalog from disk. Files ending in .json or .jsonc are
// parsed as JSON with comments and trailing commas allowed; anything else
// is YAML.
func LoadFile(path string, policy DuplicatePolicy) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	parse := Parse
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		parse = ParseJSONC
	}
	c, err := parse(data, policy)
	if err != nil {
		return nil, fmt.Errorf("loading catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog document. Unknown fields are rejected.
func Parse(data []byte, policy DuplicatePolicy) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidCatalog, err)
	}
	return doc.build(policy)
}

// ParseJSONC decodes a JSON catalog document that may carry comments and
// trailing commas. Unknown fields are rejected.
func ParseJSONC(data []byte, policy DuplicatePolicy) (*Catalog, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidCatalog, err)
	}
	return doc.build(policy)
}

func (doc document) build(policy DuplicatePolicy) (*Catalog, error) {
	locations := make([]Location, 0, len(doc.Locations))
	for i, r := range doc.Locations {
		if r.Latitude == nil || r.Longitude == nil {
			return nil, fmt.Errorf("%w: location #%d (%q): latitude and longitude are required",
				apperrors.ErrInvalidCatalog, i, r.Name)
		}
		locations = append(locations, Location{
			Name:      r.Name,
			Aliases:   r.Aliases,
			Latitude:  *r.Latitude,
			Longitude: *r.Longitude,
		})
	}
	return New(locations, policy)
}
