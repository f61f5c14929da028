package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedcart/storefront-crawler/internal/crawl"
)

func readCountry(t *testing.T, path string) CountryFile {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file CountryFile
	require.NoError(t, json.Unmarshal(data, &file))
	return file
}

func TestSaveCityCreatesCountryFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	s.SetCountryName("uk", "United Kingdom")

	target := crawl.Target{Country: "uk", City: "London", URL: "https://example.com/gb/city/london"}
	stores := []crawl.Store{{Name: "Pie Shop", Link: "https://example.com/store/pie"}}
	require.NoError(t, s.SaveCity(context.Background(), target, stores))

	file := readCountry(t, filepath.Join(dir, "gb.json"))
	require.Equal(t, "United Kingdom", file.Country)
	require.Len(t, file.Cities, 1)
	require.Equal(t, "London", file.Cities[0].City)
	require.Equal(t, stores, file.Cities[0].Shops)
}

func TestSaveCityMergesByLink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	target := crawl.Target{Country: "de", City: "Berlin"}
	first := []crawl.Store{{Name: "Currywurst", Link: "https://example.com/store/cw"}}
	require.NoError(t, s.SaveCity(context.Background(), target, first))

	second := []crawl.Store{
		{Name: "Currywurst", Link: "https://example.com/store/cw"}, // duplicate link
		{Name: "Kebab Haus", Link: "https://example.com/store/kh"},
	}
	require.NoError(t, s.SaveCity(context.Background(), target, second))

	file := readCountry(t, filepath.Join(dir, "de.json"))
	require.Len(t, file.Cities, 1)
	require.Len(t, file.Cities[0].Shops, 2)
}

func TestSaveCityEmptyShopsStillRecordsCity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	target := crawl.Target{Country: "jp", City: "Nara"}
	require.NoError(t, s.SaveCity(context.Background(), target, nil))

	file := readCountry(t, filepath.Join(dir, "jp.json"))
	require.Len(t, file.Cities, 1)
	require.NotNil(t, file.Cities[0].Shops)
	require.Empty(t, file.Cities[0].Shops)
}

func TestSaveCitySkipsUnchangedPayload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	target := crawl.Target{Country: "fr", City: "Lyon"}
	stores := []crawl.Store{{Name: "Brasserie", Link: "https://example.com/store/br"}}
	require.NoError(t, s.SaveCity(context.Background(), target, stores))

	path := filepath.Join(dir, "fr.json")
	before, err := os.Stat(path)
	require.NoError(t, err)

	// Identical payload: the file must not be rewritten.
	require.NoError(t, s.SaveCity(context.Background(), target, stores))
	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime())
}

func TestSaveCityRejectsCorruptCountryFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "es.json"), []byte("{not json"), 0o644))

	target := crawl.Target{Country: "es", City: "Madrid"}
	err = s.SaveCity(context.Background(), target, nil)
	require.ErrorContains(t, err, "not valid JSON")
}
