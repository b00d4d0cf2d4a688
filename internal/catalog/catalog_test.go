package catalog

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/fourma/bikelocator/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCampusCatalog(t *testing.T) {
	c, err := Campus(LastWins)
	require.NoError(t, err)

	assert.Equal(t, 6, c.Len())
	assert.Equal(t, []string{"711便利店", "听海苑5号楼", "听海餐厅", "信息南楼", "信息北楼", "山海佳苑"}, c.Names())
	assert.Empty(t, c.Collisions())

	loc, ok := c.Get("听海苑5号楼")
	require.True(t, ok)
	assert.Equal(t, []string{"听海苑五号楼", "听5", "听五"}, loc.Aliases)
	assert.InDelta(t, 35.77703994470518, loc.Latitude, 1e-12)
	assert.InDelta(t, 120.03317022973238, loc.Longitude, 1e-12)

	seven, ok := c.Get("711便利店")
	require.True(t, ok)
	assert.Equal(t, "711", seven.Aliases[0], "numeric aliases stay strings")
}

func TestLocationsReturnsCopy(t *testing.T) {
	c, err := Campus(LastWins)
	require.NoError(t, err)

	locs := c.Locations()
	locs[0].Name = "mutated"
	locs[0].Aliases[0] = "mutated"

	fresh := c.Locations()
	assert.Equal(t, "711便利店", fresh[0].Name)
	assert.Equal(t, "711", fresh[0].Aliases[0])
}

func TestNewTrimsAndValidates(t *testing.T) {
	c, err := New([]Location{
		{Name: "  Library ", Aliases: []string{" lib ", "books"}, Latitude: 1, Longitude: 2},
	}, LastWins)
	require.NoError(t, err)

	loc := c.Locations()[0]
	assert.Equal(t, "Library", loc.Name)
	assert.Equal(t, []string{"lib", "books"}, loc.Aliases)
}

func TestNewRejectsMalformedLocations(t *testing.T) {
	tests := []struct {
		name string
		locs []Location
	}{
		{"empty name", []Location{{Name: "  ", Latitude: 1, Longitude: 1}}},
		{"blank alias", []Location{{Name: "A", Aliases: []string{"ok", " "}, Latitude: 1, Longitude: 1}}},
		{"latitude out of range", []Location{{Name: "A", Latitude: 91, Longitude: 1}}},
		{"longitude out of range", []Location{{Name: "A", Latitude: 1, Longitude: -181}}},
		{"nan coordinate", []Location{{Name: "A", Latitude: math.NaN(), Longitude: 1}}},
		{"duplicate name", []Location{
			{Name: "A", Latitude: 1, Longitude: 1},
			{Name: "A", Latitude: 2, Longitude: 2},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.locs, LastWins)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidCatalog))
		})
	}
}

func TestDuplicateKeyPolicies(t *testing.T) {
	locs := []Location{
		{Name: "North Gate", Aliases: []string{"gate"}, Latitude: 1, Longitude: 1},
		{Name: "South Gate", Aliases: []string{"gate", "south"}, Latitude: 2, Longitude: 2},
	}

	c, err := New(locs, LastWins)
	require.NoError(t, err)
	assert.Equal(t, []Collision{{Key: "gate", Owners: []string{"North Gate", "South Gate"}}}, c.Collisions())

	_, err = New(locs, Reject)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidCatalog))
	assert.Contains(t, err.Error(), `"gate"`)
}

func TestKeysEqualAfterNormalizationCollide(t *testing.T) {
	locs := []Location{
		{Name: "North Gate", Aliases: []string{"NG"}, Latitude: 1, Longitude: 1},
		{Name: "Library", Aliases: []string{"ng"}, Latitude: 2, Longitude: 2},
		{Name: "Dorm 5", Aliases: []string{"听5"}, Latitude: 3, Longitude: 3},
		{Name: "Canteen", Aliases: []string{"听５"}, Latitude: 4, Longitude: 4},
	}

	c, err := New(locs, LastWins)
	require.NoError(t, err)
	assert.Equal(t, []Collision{
		{Key: "NG", Owners: []string{"North Gate", "Library"}},
		{Key: "听5", Owners: []string{"Dorm 5", "Canteen"}},
	}, c.Collisions())

	_, err = New(locs, Reject)
	require.ErrorIs(t, err, apperrors.ErrInvalidCatalog)
	assert.Contains(t, err.Error(), `"NG"`)
}

func TestAliasRepeatingOwnNameIsNotACollision(t *testing.T) {
	c, err := New([]Location{
		{Name: "Gym", Aliases: []string{"Gym", "sports hall"}, Latitude: 1, Longitude: 1},
	}, Reject)
	require.NoError(t, err)
	assert.Empty(t, c.Collisions())
}

func TestUnknownPolicy(t *testing.T) {
	_, err := New(nil, DuplicatePolicy("first-wins"))
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	t.Run("missing coordinates", func(t *testing.T) {
		_, err := Parse([]byte("locations:\n  - name: A\n    latitude: 1\n"), LastWins)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "latitude and longitude are required")
	})
	t.Run("unknown field", func(t *testing.T) {
		_, err := Parse([]byte("locations:\n  - name: A\n    lat: 1\n    longitude: 1\n"), LastWins)
		assert.Error(t, err)
	})
	t.Run("empty document", func(t *testing.T) {
		c, err := Parse(nil, LastWins)
		require.NoError(t, err)
		assert.Equal(t, 0, c.Len())
	})
	t.Run("zero coordinates are allowed", func(t *testing.T) {
		c, err := Parse([]byte("locations:\n  - name: Null Island\n    latitude: 0\n    longitude: 0\n"), LastWins)
		require.NoError(t, err)
		assert.Equal(t, 1, c.Len())
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.yaml")
	require.NoError(t, os.WriteFile(path, campusYAML, 0o600))

	c, err := LoadFile(path, Reject)
	require.NoError(t, err)
	assert.Equal(t, 6, c.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), Reject)
	assert.Error(t, err)
}

func TestSelectLocationsSQLQuotesTable(t *testing.T) {
	assert.Equal(t,
		`SELECT name, aliases, latitude, longitude FROM "campus ""spots""" ORDER BY position`,
		selectLocationsSQL(`campus "spots"`))
}

func TestParseJSONC(t *testing.T) {
	src := []byte(`{
		// dining
		"locations": [
			{"name": "听海餐厅", "aliases": ["听海食堂", "听海",], "latitude": 35.7764, "longitude": 120.0327},
			/* library has no aliases */
			{"name": "图书馆", "latitude": 35.7786, "longitude": 120.0352},
		],
	}`)
	c, err := ParseJSONC(src, Reject)
	require.NoError(t, err)
	assert.Equal(t, []string{"听海餐厅", "图书馆"}, c.Names())

	_, err = ParseJSONC([]byte(`{"locations": [{"name": "x", "lat": 1}]}`), Reject)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCatalog)

	_, err = ParseJSONC([]byte(`{"locations": [{"name": "x", "latitude": 1}]}`), Reject)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCatalog)
}

func TestLoadFileByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spots.jsonc")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"locations": [{"name": "A", "latitude": 1, "longitude": 2}]} // one spot`), 0o600))

	c, err := LoadFile(path, Reject)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	// YAML content under a .json name is not accepted.
	path = filepath.Join(dir, "spots.json")
	require.NoError(t, os.WriteFile(path, campusYAML, 0o600))
	_, err = LoadFile(path, Reject)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCatalog)
}

func TestGeoJSON(t *testing.T) {
	c, err := Campus(LastWins)
	require.NoError(t, err)

	data, err := c.GeoJSON()
	require.NoError(t, err)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Type     string `json:"type"`
			ID       string `json:"id"`
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties struct {
				Name    string   `json:"name"`
				Aliases []string `json:"aliases"`
			} `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &fc))

	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, c.Len())
	first := fc.Features[0]
	assert.Equal(t, "Feature", first.Type)
	assert.Equal(t, "711便利店", first.ID)
	assert.Equal(t, "Point", first.Geometry.Type)
	assert.InDeltaSlice(t, []float64{120.03395328902104, 35.7770006634243}, first.Geometry.Coordinates, 1e-12)
	assert.Contains(t, first.Properties.Aliases, "瑞幸")
}

func TestShippedLocationsFileMatchesEmbeddedCatalog(t *testing.T) {
	fromFile, err := LoadFile(filepath.Join("..", "..", "configs", "locations.yaml"), Reject)
	require.NoError(t, err)
	embedded, err := Campus(Reject)
	require.NoError(t, err)
	assert.Equal(t, embedded.Locations(), fromFile.Locations())
}
