package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedcart/storefront-crawler/internal/crawl"
)

const locationPage = `<html><body>
<a href="/gb/city/london">London</a>
<a href="/gb/city/london">London</a>
<a href="/gb/city/york">York</a>
<a href="/gb/city/hull"> </a>
<a href="/about">About</a>
<a href="/fr/city/paris">Paris</a>
</body></html>`

const cityPage = `<html><body>
<a data-test="store-link" href="/store/kebab-king"><h3>Kebab King</h3></a>
<a data-test="store-link" href="/store/pasta-palace"><h3>Pasta Palace</h3><h3>Pasta Palace Deli</h3></a>
<a href="/not-a-store">ignore me</a>
</body></html>`

const bareAnchorsPage = `<html><body>
<a data-test="store-link" href="/store/mystery"><span>no heading here</span></a>
</body></html>`

type staticRotator struct {
	mu    sync.Mutex
	agent string
	calls int
}

func (r *staticRotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.agent
}

func newTestServer(t *testing.T) (*httptest.Server, *staticRotator, *Client) {
	t.Helper()

	var lastAgent string
	var mu sync.Mutex
	mux := http.NewServeMux()
	record := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			lastAgent = r.Header.Get("User-Agent")
			mu.Unlock()
			next(w, r)
		}
	}
	mux.HandleFunc("/gb/location", record(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, locationPage)
	}))
	mux.HandleFunc("/gb/city/london", record(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, cityPage)
	}))
	mux.HandleFunc("/gb/city/empty", record(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><p>nothing open here</p></body></html>`)
	}))
	mux.HandleFunc("/gb/city/busted", record(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, bareAnchorsPage)
	}))
	mux.HandleFunc("/gb/city/limited", record(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	mux.HandleFunc("/jp/location", record(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	mux.HandleFunc("/info/gb", record(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"name":{"common":"United Kingdom"}}]`)
	}))
	mux.HandleFunc("/", record(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	rotator := &staticRotator{agent: "test-agent/1.0"}
	client := New(Config{
		BaseURL:        server.URL,
		CountryInfoURL: server.URL + "/info/%s",
		Timeout:        2 * time.Second,
	}, rotator, nil)

	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		if lastAgent != "" {
			require.Equal(t, "test-agent/1.0", lastAgent)
		}
	})
	return server, rotator, client
}

func TestEnumerateFindsCities(t *testing.T) {
	t.Parallel()

	server, rotator, client := newTestServer(t)

	targets, err := client.Enumerate(context.Background(), "gb")
	require.NoError(t, err)

	// Duplicate, blank-named, off-country, and non-city links are dropped.
	require.Equal(t, []crawl.Target{
		{Country: "gb", City: "London", URL: server.URL + "/gb/city/london"},
		{Country: "gb", City: "York", URL: server.URL + "/gb/city/york"},
	}, targets)
	require.Positive(t, rotator.calls)
}

func TestEnumerateFailureCarriesLocationTarget(t *testing.T) {
	t.Parallel()

	server, _, client := newTestServer(t)

	_, err := client.Enumerate(context.Background(), "jp")
	require.Error(t, err)

	var enumErr *crawl.EnumerationError
	require.ErrorAs(t, err, &enumErr)
	require.Equal(t, "jp", enumErr.Target.Country)
	require.Equal(t, "location", enumErr.Target.City)
	require.Equal(t, server.URL+"/jp/location", enumErr.Target.URL)
	require.Equal(t, crawl.KindNetwork, crawl.Classify(err))
}

func TestHandleExtractsStores(t *testing.T) {
	t.Parallel()

	server, _, client := newTestServer(t)

	target := crawl.Target{Country: "gb", City: "London", URL: server.URL + "/gb/city/london"}
	stores, err := client.Handle(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, []crawl.Store{
		{Name: "Kebab King", Link: server.URL + "/store/kebab-king"},
		{Name: "Pasta Palace", Link: server.URL + "/store/pasta-palace"},
		{Name: "Pasta Palace Deli", Link: server.URL + "/store/pasta-palace"},
	}, stores)
}

func TestHandleEmptyCityIsNotAnError(t *testing.T) {
	t.Parallel()

	server, _, client := newTestServer(t)

	target := crawl.Target{Country: "gb", City: "Empty", URL: server.URL + "/gb/city/empty"}
	stores, err := client.Handle(context.Background(), target)
	require.NoError(t, err)
	require.Empty(t, stores)
}

func TestHandleAnchorsWithoutNamesIsParseFailure(t *testing.T) {
	t.Parallel()

	server, _, client := newTestServer(t)

	target := crawl.Target{Country: "gb", City: "Busted", URL: server.URL + "/gb/city/busted"}
	_, err := client.Handle(context.Background(), target)
	require.Error(t, err)
	require.ErrorIs(t, err, crawl.ErrParse)
	require.Equal(t, crawl.KindParse, crawl.Classify(err))
}

func TestHandleRateLimitClassifies(t *testing.T) {
	t.Parallel()

	server, _, client := newTestServer(t)

	target := crawl.Target{Country: "gb", City: "Limited", URL: server.URL + "/gb/city/limited"}
	_, err := client.Handle(context.Background(), target)
	require.Error(t, err)

	var statusErr *crawl.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	require.Equal(t, crawl.KindRateLimit, crawl.Classify(err))
}

func TestCountryName(t *testing.T) {
	t.Parallel()

	_, _, client := newTestServer(t)

	require.Equal(t, "United Kingdom", client.CountryName(context.Background(), "gb"))
	// Lookup failures fall back to the upper-cased code.
	require.Equal(t, "JP", client.CountryName(context.Background(), "jp"))
}

func TestPoliteDelayHonorsCancellation(t *testing.T) {
	t.Parallel()

	client := New(Config{
		BaseURL:  "http://unused.invalid",
		MinDelay: time.Minute,
		MaxDelay: time.Minute,
	}, &staticRotator{agent: "x"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Handle(ctx, crawl.Target{Country: "gb", City: "x", URL: "http://unused.invalid"})
	require.ErrorIs(t, err, context.Canceled)
}
