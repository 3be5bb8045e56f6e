// Package agmarknet fetches daily mandi prices from the data.gov.in Agmarknet
// resource. Calls go through a circuit breaker with a bounded number of
// attempts; when the upstream is unavailable the last successful response is
// served instead of an error.
package agmarknet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"greentrace/internal/adapters/config"
	"greentrace/internal/metrics"
	"greentrace/pkg/circuitbreaker"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

const sourceName = "agmarknet"

// maxBodyBytes caps the response read; a 1000-record page is well under 1MB
const maxBodyBytes = 16 << 20

// Params filters a fetch. Zero values mean no filter.
type Params struct {
	Limit     int
	State     string
	District  string
	Commodity string
}

func (p Params) key() string {
	return fmt.Sprintf("%d|%s|%s|%s",
		p.Limit, strings.ToLower(p.State), strings.ToLower(p.District), strings.ToLower(p.Commodity))
}

// StatusError is a non-2xx upstream response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agmarknet returned HTTP %d: %s", e.Code, e.Body)
}

// Unwrap classifies the status: rejected credentials are a configuration
// problem, everything else is treated as transient.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return errors.ErrConfiguration
	}
	return errors.ErrTransientNetwork
}

// CacheStatus describes the last-good snapshot for health checks
type CacheStatus struct {
	HasData     bool       `json:"has_data"`
	RecordCount int        `json:"record_count"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Age         string     `json:"age,omitempty"`
}

// Option customizes a Fetcher
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.http = c }
}

// WithCacheStore mirrors every successful response to a durable store
func WithCacheStore(store CacheStore) Option {
	return func(f *Fetcher) { f.store = store }
}

// WithSleep replaces the retry delay, for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(f *Fetcher) { f.log = log }
}

// WithErrorTracker records attempts as breadcrumbs and reports degraded serving
func WithErrorTracker(tracker errors.Tracker) Option {
	return func(f *Fetcher) { f.tracker = tracker }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// Fetcher retrieves Agmarknet price records
type Fetcher struct {
	cfg     config.AgmarknetConfig
	breaker *circuitbreaker.Breaker
	cache   *LastGoodCache
	store   CacheStore
	http    *http.Client
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	group   singleflight.Group
	tracker errors.Tracker
	log     *logger.Logger
}

// NewFetcher creates a fetcher. breaker may be shared with other callers of the same upstream.
func NewFetcher(cfg config.AgmarknetConfig, breaker *circuitbreaker.Breaker, opts ...Option) *Fetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 1000
	}
	if cfg.CacheKey == "" {
		cfg.CacheKey = "agmarknet:last_good"
	}

	f := &Fetcher{
		cfg:     cfg,
		breaker: breaker,
		cache:   NewLastGoodCache(),
		http:    &http.Client{},
		sleep:   sleepCtx,
		now:     time.Now,
		log:     logger.Get(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("component", "agmarknet_fetcher")

	if f.breaker == nil {
		f.breaker = circuitbreaker.New(sourceName, circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}, f.log)
	}

	return f
}

// FetchData returns price records for p. It only returns an error when the
// upstream failed and no cached snapshot exists.
func (f *Fetcher) FetchData(ctx context.Context, p Params) ([]RawPriceRecord, error) {
	if p.Limit <= 0 {
		p.Limit = f.cfg.DefaultLimit
	}

	if !f.cfg.HasAPIKey() {
		return f.degrade(ctx, "no_api_key", errors.Wrap(errors.ErrConfiguration, "DATA_GOV_API_KEY is not set")), nil
	}

	v, err, shared := f.group.Do(p.key(), func() (interface{}, error) {
		return f.fetch(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	records := v.([]RawPriceRecord)
	if shared {
		records = copyRecords(records)
	}
	return records, nil
}

func (f *Fetcher) fetch(ctx context.Context, p Params) ([]RawPriceRecord, error) {
	var lastErr error

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		start := f.now()
		records, err := circuitbreaker.Execute(ctx, f.breaker, func(ctx context.Context) ([]RawPriceRecord, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
			defer cancel()
			return f.request(attemptCtx, p)
		})
		latency := f.now().Sub(start)
		f.breadcrumb(ctx, attempt, latency, err)

		if err == nil {
			metrics.RecordUpstreamCall(sourceName, "success", latency)
			f.remember(ctx, records)
			f.log.Infow("Fetched mandi prices",
				"records", len(records),
				"attempt", attempt,
				"latency", latency,
			)
			return records, nil
		}

		if circuitbreaker.IsOpen(err) {
			metrics.RecordUpstreamCall(sourceName, "circuit_open", 0)
			if snap, ok := f.cache.Get(); ok {
				f.logDegraded(ctx, "circuit_open", err, snap)
				return snap.Records, nil
			}
			f.log.Warnw("Circuit open and no cached prices", "error", err)
			return nil, err
		}

		if errors.Is(err, errors.ErrConfiguration) {
			metrics.RecordUpstreamCall(sourceName, "unauthorized", latency)
			return f.degrade(ctx, "unauthorized", err), nil
		}

		metrics.RecordUpstreamCall(sourceName, "error", latency)
		lastErr = err
		f.log.Warnw("Agmarknet attempt failed",
			"attempt", attempt,
			"max_attempts", f.cfg.MaxAttempts,
			"error", err,
		)

		if ctx.Err() != nil || attempt == f.cfg.MaxAttempts {
			break
		}
		if err := f.sleep(ctx, f.cfg.RetryDelay); err != nil {
			break
		}
	}

	if snap, ok := f.cache.Get(); ok {
		f.logDegraded(ctx, "retries_exhausted", lastErr, snap)
		return snap.Records, nil
	}

	if ctx.Err() != nil && !errors.Is(lastErr, ctx.Err()) {
		lastErr = errors.Join(lastErr, ctx.Err())
	}
	return nil, errors.Wrapf(lastErr, "agmarknet fetch failed after %d attempts", f.cfg.MaxAttempts)
}

func (f *Fetcher) request(ctx context.Context, p Params) ([]RawPriceRecord, error) {
	endpoint, err := url.Parse(f.cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfiguration, "invalid AGMARKNET_BASE_URL")
	}

	q := endpoint.Query()
	q.Set("api-key", f.cfg.APIKey)
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(p.Limit))
	if p.State != "" {
		q.Set("filters[state]", p.State)
	}
	if p.District != "" {
		q.Set("filters[district]", p.District)
	}
	if p.Commodity != "" {
		q.Set("filters[commodity]", p.Commodity)
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Mark(err, errors.ErrTransientNetwork)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var payload response
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Mark(err, errors.ErrMalformedResponse)
	}
	if payload.Records == nil {
		payload.Records = []RawPriceRecord{}
	}

	f.log.Debugw("Agmarknet response",
		"bytes", humanize.Bytes(uint64(len(body))),
		"total", payload.Total,
		"count", payload.Count,
	)
	return payload.Records, nil
}

// remember overwrites the last-good snapshot, including with an empty result
func (f *Fetcher) remember(ctx context.Context, records []RawPriceRecord) {
	at := f.now()
	f.cache.Set(records, at)

	if f.store == nil {
		return
	}
	snap := Snapshot{Timestamp: at, Records: records}
	if err := f.store.Save(ctx, f.cfg.CacheKey, snap); err != nil {
		f.log.Warnw("Failed to persist last-good snapshot", "key", f.cfg.CacheKey, "error", err)
	}
}

// degrade serves the cached records (or none) in place of an upstream answer
func (f *Fetcher) degrade(ctx context.Context, reason string, cause error) []RawPriceRecord {
	snap, ok := f.cache.Get()
	if !ok {
		f.log.Warnw("Agmarknet unavailable, returning no records",
			"reason", reason,
			"error", cause,
		)
		return []RawPriceRecord{}
	}

	f.logDegraded(ctx, reason, cause, snap)
	return snap.Records
}

func (f *Fetcher) logDegraded(ctx context.Context, reason string, cause error, snap Snapshot) {
	metrics.RecordCacheServed(sourceName, reason)
	age := humanize.RelTime(snap.Timestamp, f.now(), "ago", "from now")
	f.log.Warnw("Serving last-good mandi prices",
		"reason", reason,
		"records", len(snap.Records),
		"cached", age,
		"error", cause,
	)

	if f.tracker == nil || reason != "circuit_open" {
		return
	}
	tags := map[string]string{"source": sourceName, "reason": reason, "cached": age}
	if err := f.tracker.CaptureMessage(ctx, "Agmarknet circuit open, serving cached prices", errors.LevelWarning, tags); err != nil {
		f.log.Debugw("Failed to report degraded fetch", "error", err)
	}
}

func (f *Fetcher) breadcrumb(ctx context.Context, attempt int, latency time.Duration, err error) {
	if f.tracker == nil {
		return
	}

	level := errors.LevelInfo
	data := map[string]interface{}{
		"attempt":    attempt,
		"latency_ms": latency.Milliseconds(),
	}
	if err != nil {
		level = errors.LevelWarning
		data["error"] = err.Error()
	}
	f.tracker.AddBreadcrumb(ctx, "agmarknet fetch attempt", "upstream", level, data)
}

// Warm loads the persisted snapshot into memory. A missing snapshot is not an error.
func (f *Fetcher) Warm(ctx context.Context) error {
	if f.store == nil {
		return nil
	}

	var snap Snapshot
	if err := f.store.Load(ctx, f.cfg.CacheKey, &snap); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "failed to load last-good snapshot")
	}

	if f.cache.restore(snap) {
		f.log.Infow("Restored last-good mandi prices",
			"records", len(snap.Records),
			"taken", humanize.Time(snap.Timestamp),
		)
	}
	return nil
}

// CacheStatus reports the last-good snapshot
func (f *Fetcher) CacheStatus() CacheStatus {
	snap, ok := f.cache.Get()
	if !ok {
		return CacheStatus{}
	}

	ts := snap.Timestamp
	return CacheStatus{
		HasData:     true,
		RecordCount: len(snap.Records),
		Timestamp:   &ts,
		Age:         humanize.RelTime(ts, f.now(), "ago", "from now"),
	}
}

// CacheMetrics adapts CacheStatus for the metrics collector
func (f *Fetcher) CacheMetrics() (int, time.Duration, bool) {
	snap, ok := f.cache.Get()
	if !ok {
		return 0, 0, false
	}
	return len(snap.Records), f.now().Sub(snap.Timestamp), true
}

// BreakerStatus reports the circuit state
func (f *Fetcher) BreakerStatus() circuitbreaker.Status {
	return f.breaker.Status()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
