// Package sink persists scraped records as per-country JSON files, merging
// newly scraped cities into previously collected data.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/feedcart/storefront-crawler/internal/crawl"
	"github.com/feedcart/storefront-crawler/internal/fileutil"
	"github.com/feedcart/storefront-crawler/internal/hash/sha256"
)

// CountryFile is the on-disk shape of countries/<cc>.json.
type CountryFile struct {
	Country string       `json:"country"`
	Cities  []CityRecord `json:"cities"`
}

// CityRecord holds the storefronts scraped for one city.
type CityRecord struct {
	City  string        `json:"city"`
	Shops []crawl.Store `json:"shops"`
}

// Sink writes country files under a base directory. Writes are atomic and
// serialized; unchanged payloads are not rewritten.
type Sink struct {
	dir    string
	hasher *sha256.Hasher
	logger *zap.Logger

	mu        sync.Mutex
	names     map[string]string
	lastWrite map[string]string
}

// New creates a Sink rooted at dir.
func New(dir string, logger *zap.Logger) (*Sink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("sink directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		dir:       dir,
		hasher:    sha256.New(),
		logger:    logger,
		names:     make(map[string]string),
		lastWrite: make(map[string]string),
	}, nil
}

// SetCountryName registers the display name written into a country file.
// Unregistered countries fall back to the uppercased code.
func (s *Sink) SetCountryName(code, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[crawl.NormalizeCountry(code)] = name
}

// SaveCity merges the stores scraped for one city into the country file.
// A city already present keeps its existing shops and gains the new ones,
// deduplicated by link.
func (s *Sink) SaveCity(ctx context.Context, target crawl.Target, stores []crawl.Store) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code := crawl.NormalizeCountry(target.Country)
	path := filepath.Join(s.dir, code+".json")

	file, err := s.load(path)
	if err != nil {
		return err
	}
	if name, ok := s.names[code]; ok {
		file.Country = name
	} else if file.Country == "" {
		file.Country = strings.ToUpper(code)
	}

	mergeCity(&file, target.City, stores)

	payload, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal country file %s: %w", path, err)
	}
	payload = append(payload, '\n')

	digest := s.hasher.Hash(payload)
	if s.lastWrite[code] == digest {
		s.logger.Debug("country file unchanged", zap.String("country", code))
		return nil
	}
	if err := fileutil.WriteFileAtomic(path, payload, 0o644); err != nil {
		return fmt.Errorf("write country file: %w", err)
	}
	s.lastWrite[code] = digest
	return nil
}

func (s *Sink) load(path string) (CountryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return CountryFile{Cities: []CityRecord{}}, nil
		}
		return CountryFile{}, fmt.Errorf("read country file %s: %w", path, err)
	}
	var file CountryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return CountryFile{}, fmt.Errorf("country file %s is not valid JSON: %w", path, err)
	}
	if file.Cities == nil {
		file.Cities = []CityRecord{}
	}
	return file, nil
}

func mergeCity(file *CountryFile, city string, stores []crawl.Store) {
	normalized := strings.ToLower(strings.TrimSpace(city))
	for i := range file.Cities {
		if strings.ToLower(strings.TrimSpace(file.Cities[i].City)) != normalized {
			continue
		}
		seen := make(map[string]struct{}, len(file.Cities[i].Shops))
		for _, shop := range file.Cities[i].Shops {
			seen[shop.Link] = struct{}{}
		}
		for _, shop := range stores {
			if _, ok := seen[shop.Link]; ok {
				continue
			}
			file.Cities[i].Shops = append(file.Cities[i].Shops, shop)
			seen[shop.Link] = struct{}{}
		}
		return
	}
	if stores == nil {
		stores = []crawl.Store{}
	}
	file.Cities = append(file.Cities, CityRecord{City: strings.TrimSpace(city), Shops: stores})
}
