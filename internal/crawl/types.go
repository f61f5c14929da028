// Package crawl defines core types shared across subsystems.
package crawl

import (
	"strings"
	"time"
)

// RunMode selects how the initial task list is built.
type RunMode string

// Run modes accepted by the orchestrator.
const (
	// RunModeFull enumerates every known target and skips the ones already done.
	RunModeFull RunMode = "full"
	// RunModeResume replays the previous run's failure ledger.
	RunModeResume RunMode = "resume"
)

// Target identifies one scrapeable entity: a city page within a country.
// It is immutable once created; Key is the deduplication identifier.
type Target struct {
	Country string `json:"country"`
	City    string `json:"city"`
	URL     string `json:"url"`
}

// Key returns the unique identifier used by the progress store and ledger.
func (t Target) Key() string {
	return t.Country + "/" + slugify(t.City)
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-")
}

// NormalizeCountry lowercases a country code and maps the legacy "uk" alias
// to its ISO code "gb".
func NormalizeCountry(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "uk" {
		return "gb"
	}
	return code
}

// Store is one scraped storefront record. Link doubles as the dedupe key
// when merging into previously collected data.
type Store struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// ErrorKind classifies a task failure at the worker boundary.
type ErrorKind string

// Error kinds recorded in the failure ledger.
const (
	KindNetwork   ErrorKind = "network"
	KindParse     ErrorKind = "parse"
	KindRateLimit ErrorKind = "rate_limit"
	KindUnknown   ErrorKind = "unknown"
)

// FailureEntry is one durable ledger record.
type FailureEntry struct {
	Key     string    `json:"key"`
	Country string    `json:"country"`
	City    string    `json:"city"`
	URL     string    `json:"url"`
	Kind    ErrorKind `json:"kind"`
	At      time.Time `json:"at"`
}

// Target reconstructs the task this entry was recorded for.
func (e FailureEntry) Target() Target {
	return Target{Country: e.Country, City: e.City, URL: e.URL}
}

// Summary is the orchestrator's final accounting for one run.
type Summary struct {
	RunID     string    `json:"run_id"`
	Mode      RunMode   `json:"mode"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	Skipped   int64     `json:"skipped"`
	Started   time.Time `json:"started_at"`
	Finished  time.Time `json:"finished_at"`
}

// Elapsed returns the wall time covered by the run.
func (s Summary) Elapsed() time.Duration {
	return s.Finished.Sub(s.Started)
}
