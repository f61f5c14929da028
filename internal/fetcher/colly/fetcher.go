// Package collyfetcher scrapes storefront listing pages using gocolly.
package collyfetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/feedcart/storefront-crawler/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	// BaseURL is the scheme and host the relative listing links hang off.
	BaseURL string
	// CountryInfoURL is a printf template with one %s verb for the country
	// code. Empty disables the lookup and CountryName falls back to the
	// upper-cased code.
	CountryInfoURL string
	Timeout        time.Duration
	// MinDelay and MaxDelay bound the random pause before each request.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Client fetches city listings and enumerates the cities of a country. It
// implements both crawl.Handler and crawl.TargetSource.
type Client struct {
	cfg     Config
	rotator crawl.IdentityRotator
	logger  *zap.Logger
	base    *colly.Collector
}

// New builds a Client. The rotator supplies the User-Agent for each request.
func New(cfg Config, rotator crawl.IdentityRotator, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.ubereats.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(colly.Async(false))
	base.IgnoreRobotsTxt = true
	base.AllowURLRevisit = true
	base.SetRequestTimeout(cfg.Timeout)

	return &Client{
		cfg:     cfg,
		rotator: rotator,
		logger:  logger,
		base:    base,
	}
}

// Handle fetches a city page and extracts its storefronts. A page with store
// anchors but no extractable names is a parse failure; a page with no store
// anchors at all is an empty city, not an error.
func (c *Client) Handle(ctx context.Context, target crawl.Target) ([]crawl.Store, error) {
	if err := c.politeDelay(ctx); err != nil {
		return nil, err
	}

	var (
		stores   []crawl.Store
		anchors  int
		fetchErr error
	)
	collector := c.newCollector()
	collector.OnHTML(`a[data-test="store-link"]`, func(e *colly.HTMLElement) {
		anchors++
		href := e.Attr("href")
		if href == "" {
			return
		}
		link := c.cfg.BaseURL + href
		e.ForEach("h3", func(_ int, name *colly.HTMLElement) {
			text := strings.TrimSpace(name.Text)
			if text == "" {
				return
			}
			stores = append(stores, crawl.Store{Name: text, Link: link})
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = statusOr(r, err, target.URL)
	})

	// Visit reports HTTP failures twice, through its return and through
	// OnError. The OnError value carries the status code, so it wins.
	if err := c.visit(ctx, collector, target.URL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch city %s: %w", target.Key(), fetchErr)
	}
	if anchors > 0 && len(stores) == 0 {
		return nil, fmt.Errorf("extract stores for %s: %w", target.Key(), crawl.ErrParse)
	}
	return stores, nil
}

// Enumerate scrapes a country's location page and returns one target per
// linked city. Failures carry the location page as the retryable target.
func (c *Client) Enumerate(ctx context.Context, country string) ([]crawl.Target, error) {
	locURL := fmt.Sprintf("%s/%s/location", c.cfg.BaseURL, country)
	locTarget := crawl.Target{Country: country, City: "location", URL: locURL}

	if err := c.politeDelay(ctx); err != nil {
		return nil, &crawl.EnumerationError{Target: locTarget, Err: err}
	}

	prefix := "/" + country + "/city"
	seen := make(map[string]struct{})
	var (
		targets  []crawl.Target
		fetchErr error
	)
	collector := c.newCollector()
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if !strings.HasPrefix(href, prefix) {
			return
		}
		name := strings.TrimSpace(e.Text)
		if name == "" {
			return
		}
		target := crawl.Target{Country: country, City: name, URL: c.cfg.BaseURL + href}
		if _, ok := seen[target.Key()]; ok {
			return
		}
		seen[target.Key()] = struct{}{}
		targets = append(targets, target)
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = statusOr(r, err, locURL)
	})

	if err := c.visit(ctx, collector, locURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		return nil, &crawl.EnumerationError{Target: locTarget, Err: fetchErr}
	}
	c.logger.Debug("country enumerated",
		zap.String("country", country),
		zap.Int("cities", len(targets)),
	)
	return targets, nil
}

// CountryName resolves the display name for a country code. Lookup failures
// degrade to the upper-cased code so a naming hiccup never fails a crawl.
func (c *Client) CountryName(ctx context.Context, country string) string {
	fallback := strings.ToUpper(country)
	if c.cfg.CountryInfoURL == "" {
		return fallback
	}
	url := fmt.Sprintf(c.cfg.CountryInfoURL, country)

	var (
		body     []byte
		fetchErr error
	)
	collector := c.newCollector()
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = statusOr(r, err, url)
	})

	if err := c.visit(ctx, collector, url); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil || len(body) == 0 {
		c.logger.Warn("country name lookup failed",
			zap.String("country", country),
			zap.Error(fetchErr),
		)
		return fallback
	}
	if name := commonName(body); name != "" {
		return name
	}
	return fallback
}

type countryInfo struct {
	Name struct {
		Common string `json:"common"`
	} `json:"name"`
}

// commonName tolerates both response shapes the lookup API has used, a single
// object and a one-element array.
func commonName(body []byte) string {
	var list []countryInfo
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
		return list[0].Name.Common
	}
	var single countryInfo
	if err := json.Unmarshal(body, &single); err == nil {
		return single.Name.Common
	}
	return ""
}

func (c *Client) newCollector() *colly.Collector {
	collector := c.base.Clone()
	collector.OnRequest(func(r *colly.Request) {
		if c.rotator != nil {
			r.Headers.Set("User-Agent", c.rotator.Next())
		}
	})
	return collector
}

func (c *Client) visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// politeDelay sleeps for a random duration in [MinDelay, MaxDelay] to avoid
// hammering the host. A zero MaxDelay disables the pause.
func (c *Client) politeDelay(ctx context.Context) error {
	if c.cfg.MaxDelay <= 0 {
		return nil
	}
	delay := c.cfg.MinDelay
	if span := c.cfg.MaxDelay - c.cfg.MinDelay; span > 0 {
		delay += time.Duration(rand.Int64N(int64(span)))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func statusOr(r *colly.Response, err error, url string) error {
	if r != nil && r.StatusCode >= 400 {
		return &crawl.StatusError{URL: url, Code: r.StatusCode}
	}
	return err
}
