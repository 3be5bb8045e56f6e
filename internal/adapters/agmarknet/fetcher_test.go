package agmarknet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"greentrace/internal/adapters/config"
	"greentrace/pkg/circuitbreaker"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

const samplePage = `{
	"status": "ok",
	"total": 2,
	"count": 2,
	"records": [
		{"market": "Azadpur", "state": "NCT of Delhi", "district": "North Delhi", "commodity": "Tomato",
		 "variety": "Hybrid", "arrival_date": "15/01/2024", "min_price": "1200", "max_price": "1800", "modal_price": "1500"},
		{"market": "Lasalgaon", "state": "Maharashtra", "district": "Nashik", "commodity": "Onion",
		 "variety": "Red", "arrival_date": "15/01/2024", "min_price": 900, "max_price": 1400.5, "modal_price": 1100}
	]
}`

// upstream is a scripted data.gov.in stand-in
type upstream struct {
	hits      atomic.Int32
	mu        sync.Mutex
	responses []func(w http.ResponseWriter, r *http.Request)
	lastQuery map[string]string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(u.hits.Add(1)) - 1

	u.mu.Lock()
	u.lastQuery = map[string]string{}
	for k, v := range r.URL.Query() {
		u.lastQuery[k] = v[0]
	}
	handler := u.responses[len(u.responses)-1]
	if n < len(u.responses) {
		handler = u.responses[n]
	}
	u.mu.Unlock()

	handler(w, r)
}

func ok(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func status(code int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, http.StatusText(code), code)
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// recordingTracker keeps what the fetcher reports
type recordingTracker struct {
	mu       sync.Mutex
	crumbs   []map[string]interface{}
	messages []string
	levels   []errors.Level
}

func (r *recordingTracker) CaptureError(context.Context, error, map[string]string) error { return nil }

func (r *recordingTracker) CaptureMessage(_ context.Context, message string, level errors.Level, _ map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	r.levels = append(r.levels, level)
	return nil
}

func (r *recordingTracker) AddBreadcrumb(_ context.Context, _ string, _ string, _ errors.Level, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crumbs = append(r.crumbs, data)
}

func (r *recordingTracker) Flush(context.Context) error { return nil }

func observedLogger() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return logger.New(zap.New(core)), logs
}

func newTestFetcher(t *testing.T, srv *httptest.Server, threshold int, opts ...Option) (*Fetcher, *sleepRecorder) {
	t.Helper()

	cfg := config.AgmarknetConfig{
		BaseURL:        srv.URL + "/resource/prices",
		APIKey:         "test-key",
		DefaultLimit:   1000,
		MaxAttempts:    3,
		AttemptTimeout: 2 * time.Second,
		RetryDelay:     2 * time.Second,
	}

	breaker := circuitbreaker.New("agmarknet", circuitbreaker.Config{
		Threshold: threshold,
		Cooldown:  time.Minute,
	}, logger.Nop())

	rec := &sleepRecorder{}
	opts = append([]Option{
		WithHTTPClient(srv.Client()),
		WithSleep(rec.sleep),
		WithLogger(logger.Nop()),
	}, opts...)

	return NewFetcher(cfg, breaker, opts...), rec
}

func TestFetchData_Success(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){ok(samplePage)}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	f, rec := newTestFetcher(t, srv, 5)

	records, err := f.FetchData(context.Background(), Params{Limit: 50, State: "Maharashtra", Commodity: "Onion"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "Azadpur", records[0].Market)
	assert.Equal(t, FlexString("1500"), records[0].ModalPrice)
	assert.Equal(t, FlexString("1400.5"), records[1].MaxPrice, "numeric prices keep their text")

	assert.Equal(t, "test-key", up.lastQuery["api-key"])
	assert.Equal(t, "json", up.lastQuery["format"])
	assert.Equal(t, "50", up.lastQuery["limit"])
	assert.Equal(t, "Maharashtra", up.lastQuery["filters[state]"])
	assert.Equal(t, "Onion", up.lastQuery["filters[commodity]"])
	assert.NotContains(t, up.lastQuery, "filters[district]")

	assert.Empty(t, rec.delays)
	assert.True(t, f.CacheStatus().HasData)
	assert.Equal(t, 2, f.CacheStatus().RecordCount)
}

func TestFetchData_CacheFallbackIsIdempotent(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){
		ok(samplePage),
		status(http.StatusBadGateway),
	}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	f, rec := newTestFetcher(t, srv, 100)
	ctx := context.Background()

	first, err := f.FetchData(ctx, Params{})
	require.NoError(t, err)

	second, err := f.FetchData(ctx, Params{})
	require.NoError(t, err)
	third, err := f.FetchData(ctx, Params{})
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("second fallback differs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(second, third); diff != "" {
		t.Fatalf("third fallback differs (-second +third):\n%s", diff)
	}

	// 1 success + 3 attempts for each degraded call
	assert.EqualValues(t, 7, up.hits.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, rec.delays)
}

func TestFetchData_ReturnedSlicesAreCopies(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){
		ok(samplePage),
		status(http.StatusInternalServerError),
	}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	f, _ := newTestFetcher(t, srv, 100)

	first, err := f.FetchData(context.Background(), Params{})
	require.NoError(t, err)
	first[0].Market = "mutated"

	fallback, err := f.FetchData(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, "Azadpur", fallback[0].Market)
}

func TestFetchData_NoCacheReturnsLastError(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){status(http.StatusServiceUnavailable)}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	f, rec := newTestFetcher(t, srv, 100)

	records, err := f.FetchData(context.Background(), Params{})
	require.Error(t, err)
	assert.Nil(t, records)
	assert.True(t, errors.Is(err, errors.ErrTransientNetwork))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)

	assert.EqualValues(t, 3, up.hits.Load())
	assert.Len(t, rec.delays, 2, "no sleep after the last attempt")
}

func TestFetchData_MalformedJSONIsRetried(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){
		ok(`<html>maintenance</html>`),
		ok(samplePage),
	}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	f, rec := newTestFetcher(t, srv, 100)

	records, err := f.FetchData(context.Background(), Params{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.EqualValues(t, 2, up.hits.Load())
	assert.Len(t, rec.delays, 1)
}

func TestFetchData_CircuitOpenServesCacheImmediately(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){
		ok(samplePage),
		status(http.StatusInternalServerError),
	}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	f, rec := newTestFetcher(t, srv, 1)

	first, err := f.FetchData(context.Background(), Params{})
	require.NoError(t, err)

	// attempt 1 fails and opens the circuit, attempt 2 is rejected
	records, err := f.FetchData(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, first, records)
	assert.EqualValues(t, 2, up.hits.Load())
	assert.Len(t, rec.delays, 1)
	assert.Equal(t, circuitbreaker.StateOpen, f.BreakerStatus().State)

	// rejected before any network call
	records, err = f.FetchData(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, first, records)
	assert.EqualValues(t, 2, up.hits.Load())
}

func TestFetchData_CircuitOpenWithoutCache(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){status(http.StatusInternalServerError)}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	f, _ := newTestFetcher(t, srv, 1)

	_, err := f.FetchData(context.Background(), Params{})
	require.Error(t, err)
	assert.True(t, circuitbreaker.IsOpen(err))
	assert.EqualValues(t, 1, up.hits.Load())
}

func TestFetchData_ReportsAttemptsAndOpenCircuit(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){
		ok(samplePage),
		status(http.StatusInternalServerError),
	}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	tracker := &recordingTracker{}
	f, _ := newTestFetcher(t, srv, 1, WithErrorTracker(tracker))

	for i := 0; i < 3; i++ {
		_, err := f.FetchData(context.Background(), Params{})
		require.NoError(t, err)
	}

	// success, then failure + rejection, then rejection
	require.Len(t, tracker.crumbs, 4)
	assert.Equal(t, 1, tracker.crumbs[0]["attempt"])
	assert.NotContains(t, tracker.crumbs[0], "error")
	assert.Equal(t, 2, tracker.crumbs[2]["attempt"])
	assert.Contains(t, tracker.crumbs[2]["error"], "is open")

	require.Len(t, tracker.messages, 2, "one message per fetch served from cache with the circuit open")
	assert.Equal(t, []errors.Level{errors.LevelWarning, errors.LevelWarning}, tracker.levels)
}

func TestFetchData_RetriesExhaustedIsNotReportedAsMessage(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){
		ok(samplePage),
		status(http.StatusBadGateway),
	}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	tracker := &recordingTracker{}
	f, _ := newTestFetcher(t, srv, 100, WithErrorTracker(tracker))

	for i := 0; i < 2; i++ {
		_, err := f.FetchData(context.Background(), Params{})
		require.NoError(t, err)
	}

	assert.Len(t, tracker.crumbs, 4)
	assert.Empty(t, tracker.messages)
}

func TestNewFetcher_DefaultsRetryDelay(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){status(http.StatusServiceUnavailable)}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	rec := &sleepRecorder{}
	f := NewFetcher(config.AgmarknetConfig{BaseURL: srv.URL, APIKey: "test-key"}, nil,
		WithHTTPClient(srv.Client()),
		WithSleep(rec.sleep),
		WithLogger(logger.Nop()),
	)

	_, err := f.FetchData(context.Background(), Params{})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, rec.delays)
}

func TestFetchData_MissingAPIKey(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){ok(samplePage)}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	for _, key := range []string{"", "your_api_key_here"} {
		f, _ := newTestFetcher(t, srv, 5)
		f.cfg.APIKey = key

		records, err := f.FetchData(context.Background(), Params{})
		require.NoError(t, err)
		assert.NotNil(t, records)
		assert.Empty(t, records)
	}

	assert.Zero(t, up.hits.Load(), "no network call without a key")
}

func TestFetchData_RevokedKeyDegradesWithoutRetry(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){
		ok(samplePage),
		status(http.StatusUnauthorized),
		status(http.StatusForbidden),
	}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	log, logs := observedLogger()
	f, rec := newTestFetcher(t, srv, 100, WithLogger(log))

	first, err := f.FetchData(context.Background(), Params{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		records, err := f.FetchData(context.Background(), Params{})
		require.NoError(t, err)
		assert.Equal(t, first, records)
	}

	assert.EqualValues(t, 3, up.hits.Load())
	assert.Empty(t, rec.delays)

	warnings := logs.FilterLevelExact(zap.WarnLevel).FilterField(zap.String("reason", "unauthorized")).All()
	require.Len(t, warnings, 2)
	for _, entry := range warnings {
		assert.Equal(t, "Serving last-good mandi prices", entry.Message)
		assert.EqualValues(t, 2, entry.ContextMap()["records"])
	}
}

func TestFetchData_RevokedKeyWithoutCacheReturnsEmpty(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){status(http.StatusForbidden)}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	log, logs := observedLogger()
	f, _ := newTestFetcher(t, srv, 100, WithLogger(log))

	records, err := f.FetchData(context.Background(), Params{})
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)

	warnings := logs.FilterLevelExact(zap.WarnLevel).FilterField(zap.String("reason", "unauthorized")).All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "Agmarknet unavailable, returning no records", warnings[0].Message)
}

func TestFetchData_EmptySuccessOverwritesCache(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){
		ok(samplePage),
		ok(`{"records": []}`),
		status(http.StatusInternalServerError),
	}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	f, _ := newTestFetcher(t, srv, 100)
	ctx := context.Background()

	_, err := f.FetchData(ctx, Params{})
	require.NoError(t, err)

	empty, err := f.FetchData(ctx, Params{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	fallback, err := f.FetchData(ctx, Params{})
	require.NoError(t, err)
	assert.Empty(t, fallback)
	assert.True(t, f.CacheStatus().HasData)
	assert.Zero(t, f.CacheStatus().RecordCount)
}

func TestFetchData_CallerCancellationStopsRetries(t *testing.T) {
	up := &upstream{responses: []func(http.ResponseWriter, *http.Request){status(http.StatusInternalServerError)}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f, _ := newTestFetcher(t, srv, 100, WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	_, err := f.FetchData(ctx, Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.EqualValues(t, 1, up.hits.Load())
}

// memoryStore is an in-memory CacheStore
type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryStore) Save(_ context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = raw
	return nil
}

func (m *memoryStore) Load(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return errors.ErrNotFound
	}
	return json.Unmarshal(raw, dest)
}

func TestWarm_RestoresPersistedSnapshot(t *testing.T) {
	good := &upstream{responses: []func(http.ResponseWriter, *http.Request){ok(samplePage)}}
	goodSrv := httptest.NewServer(good)
	defer goodSrv.Close()

	store := &memoryStore{}
	before, _ := newTestFetcher(t, goodSrv, 5, WithCacheStore(store))
	want, err := before.FetchData(context.Background(), Params{})
	require.NoError(t, err)

	// simulated restart against a failing upstream
	bad := &upstream{responses: []func(http.ResponseWriter, *http.Request){status(http.StatusInternalServerError)}}
	badSrv := httptest.NewServer(bad)
	defer badSrv.Close()

	after, _ := newTestFetcher(t, badSrv, 100, WithCacheStore(store))
	require.NoError(t, after.Warm(context.Background()))

	got, err := after.FetchData(context.Background(), Params{})
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("restored snapshot differs (-want +got):\n%s", diff)
	}
}

func TestWarm_EmptyStore(t *testing.T) {
	srv := httptest.NewServer(&upstream{responses: []func(http.ResponseWriter, *http.Request){ok(samplePage)}})
	defer srv.Close()

	f, _ := newTestFetcher(t, srv, 5, WithCacheStore(&memoryStore{}))
	require.NoError(t, f.Warm(context.Background()))
	assert.False(t, f.CacheStatus().HasData)
}

func TestFlexString(t *testing.T) {
	var rec RawPriceRecord
	require.NoError(t, json.Unmarshal([]byte(`{"min_price": 1200, "max_price": " 1500 ", "modal_price": null}`), &rec))

	assert.Equal(t, FlexString("1200"), rec.MinPrice)
	assert.Equal(t, FlexString("1500"), rec.MaxPrice)
	assert.Equal(t, FlexString(""), rec.ModalPrice)

	assert.Error(t, json.Unmarshal([]byte(`{"min_price": true}`), &rec))
}
