// Package openaq provides a client for the OpenAQ v3 air quality API:
// monitoring locations by bounding box and per-sensor measurement history.
// The free tier allows 60 requests a minute, so the client paces itself.
package openaq

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/plumesight/aerofuse/internal/fetcher"
	"github.com/plumesight/aerofuse/internal/measure"
	"github.com/plumesight/aerofuse/internal/resilience"
)

const (
	defaultBaseURL = "https://api.openaq.org/v3"
	pageLimit      = 1000
)

// Coordinates is a WGS84 position. OpenAQ omits it for some mobile sensors.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SensorParameter describes what a sensor measures.
type SensorParameter struct {
	Name  string `json:"name"`
	Units string `json:"units"`
}

// Sensor is one instrument at a location.
type Sensor struct {
	ID        int             `json:"id"`
	Parameter SensorParameter `json:"parameter"`
}

// Location is a monitoring site with its sensors.
type Location struct {
	ID          int          `json:"id"`
	Name        string       `json:"name"`
	Coordinates *Coordinates `json:"coordinates"`
	Sensors     []Sensor     `json:"sensors"`
}

// Reading is one measurement row from a sensor's history.
type Reading struct {
	Value  float64 `json:"value"`
	Period struct {
		DatetimeTo struct {
			UTC string `json:"utc"`
		} `json:"datetimeTo"`
	} `json:"period"`
}

// Record is one flattened reading in the snapshot envelope, keyed the way
// the ground adapter reads it back.
type Record struct {
	Location    string       `json:"location"`
	Parameter   string       `json:"parameter"`
	Value       float64      `json:"value"`
	Unit        string       `json:"unit"`
	Coordinates *Coordinates `json:"coordinates"`
	Date        Date         `json:"date"`
}

// Date holds a reading's UTC timestamp.
type Date struct {
	UTC string `json:"utc"`
}

// Envelope is the snapshot document a harvest produces, the same shape the
// ground adapter parses.
type Envelope struct {
	Results []Record `json:"results"`
}

// Harvest tallies one full sweep over a region's sensors.
type Harvest struct {
	Envelope  Envelope
	Locations int
	// Sensors counts the sensors matching the wanted parameters.
	Sensors int
	// Skipped counts matching sensors whose history could not be fetched.
	Skipped int
}

// Client defines the OpenAQ operations.
type Client interface {
	// Locations lists monitoring sites inside a bbox given as
	// "minLon,minLat,maxLon,maxLat".
	Locations(ctx context.Context, bbox string) ([]Location, error)
	// SensorReadings lists a sensor's measurements in [from, to].
	SensorReadings(ctx context.Context, sensorID int, from, to time.Time) ([]Reading, error)
	// HarvestRegion sweeps every sensor in the bbox measuring one of the
	// wanted parameters and flattens the readings into an envelope.
	HarvestRegion(ctx context.Context, bbox string, params []measure.Parameter, from, to time.Time) (*Harvest, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom API URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithRateLimit paces requests to the given budget per minute. Zero or
// negative disables pacing.
func WithRateLimit(perMinute float64) Option {
	return func(c *httpClient) {
		if perMinute <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perMinute/60), 1)
	}
}

// WithFetcher sets the HTTP fetcher used for API calls.
func WithFetcher(f *fetcher.HTTPFetcher) Option {
	return func(c *httpClient) {
		c.fetch = f
	}
}

type httpClient struct {
	key     string
	baseURL string
	fetch   *fetcher.HTTPFetcher
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewClient creates an OpenAQ client authenticating with the given API key.
// The default rate limit matches the free tier's 60 requests a minute.
func NewClient(key string, opts ...Option) Client {
	c := &httpClient{
		key:     key,
		baseURL: defaultBaseURL,
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		breaker: resilience.NewBreaker(0, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetch == nil {
		c.fetch = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	}
	return c
}

func (c *httpClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

type resultsPage[T any] struct {
	Results []T `json:"results"`
}

// get fetches an API path with the key header and decodes the results page.
func get[T any](ctx context.Context, c *httpClient, path string, params url.Values) ([]T, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "openaq: rate limit")
	}

	reqURL := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "openaq: build request")
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	resp, err := c.fetch.Do(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "openaq: get %s", path)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("openaq: %s returned %d", path, resp.StatusCode)
	}

	page, err := fetcher.DecodeJSONObject[resultsPage[T]](resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "openaq: parse %s response", path)
	}
	return page.Results, nil
}

func (c *httpClient) Locations(ctx context.Context, bbox string) ([]Location, error) {
	params := url.Values{
		"bbox":  {bbox},
		"limit": {fmt.Sprint(pageLimit)},
	}
	return get[Location](ctx, c, "/locations", params)
}

func (c *httpClient) SensorReadings(ctx context.Context, sensorID int, from, to time.Time) ([]Reading, error) {
	params := url.Values{
		"datetime_from": {from.UTC().Format(time.RFC3339)},
		"datetime_to":   {to.UTC().Format(time.RFC3339)},
		"limit":         {fmt.Sprint(pageLimit)},
	}
	return get[Reading](ctx, c, fmt.Sprintf("/sensors/%d/measurements", sensorID), params)
}

func (c *httpClient) HarvestRegion(ctx context.Context, bbox string, params []measure.Parameter, from, to time.Time) (*Harvest, error) {
	locs, err := c.Locations(ctx, bbox)
	if err != nil {
		return nil, err
	}

	h := &Harvest{Locations: len(locs)}
	if len(locs) == 0 {
		zap.L().Warn("openaq: no locations in bbox", zap.String("bbox", bbox))
		return h, nil
	}

	want := make(map[measure.Parameter]bool, len(params))
	for _, p := range params {
		want[p] = true
	}

	for _, loc := range locs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, s := range loc.Sensors {
			param, perr := measure.ParseParameter(s.Parameter.Name)
			if perr != nil || !want[param] {
				continue
			}
			h.Sensors++

			var readings []Reading
			err := c.breaker.Execute(ctx, func(ctx context.Context) error {
				var ferr error
				readings, ferr = c.SensorReadings(ctx, s.ID, from, to)
				return ferr
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				h.Skipped++
				zap.L().Warn("openaq: sensor fetch failed",
					zap.Int("sensor", s.ID),
					zap.String("location", loc.Name),
					zap.Error(err),
				)
				continue
			}

			unit := s.Parameter.Units
			if unit == "" {
				unit = "unknown"
			}
			for _, r := range readings {
				ts := r.Period.DatetimeTo.UTC
				if ts == "" {
					continue
				}
				h.Envelope.Results = append(h.Envelope.Results, Record{
					Location:    loc.Name,
					Parameter:   s.Parameter.Name,
					Value:       r.Value,
					Unit:        unit,
					Coordinates: loc.Coordinates,
					Date:        Date{UTC: ts},
				})
			}
		}
	}

	zap.L().Info("openaq: harvest complete",
		zap.Int("locations", h.Locations),
		zap.Int("sensors", h.Sensors),
		zap.Int("skipped", h.Skipped),
		zap.Int("readings", len(h.Envelope.Results)),
	)
	return h, nil
}
