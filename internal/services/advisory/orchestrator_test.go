package advisory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"greentrace/internal/adapters/ai"
	"greentrace/internal/adapters/weather"
	"greentrace/internal/ml"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	name  string
	delay time.Duration
	raw   string
	err   error
	panic bool
	calls atomic.Int32
	last  ai.VisionRequest
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Analyze(ctx context.Context, req ai.VisionRequest) (string, error) {
	p.calls.Add(1)
	p.last = req
	if p.panic {
		panic("provider exploded")
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.raw, p.err
}

type fakeWeather struct {
	cond *weather.Conditions
	err  error
}

func (w fakeWeather) Current(context.Context, float64, float64) (*weather.Conditions, error) {
	return w.cond, w.err
}

type fakeClassifier struct {
	image *ml.ImagePrediction
	soil  *ml.SoilPrediction
	out   ml.Outcome
}

func (c fakeClassifier) ClassifyImage(context.Context, string) (*ml.ImagePrediction, ml.Outcome) {
	return c.image, c.out
}

func (c fakeClassifier) ClassifySoil(context.Context, ml.SoilFeatures) (*ml.SoilPrediction, ml.Outcome) {
	return c.soil, c.out
}

// crumbTracker keeps breadcrumbs so tests can check provider call reporting
type crumbTracker struct {
	mu     sync.Mutex
	crumbs []map[string]interface{}
	levels []errors.Level
}

func (c *crumbTracker) CaptureError(context.Context, error, map[string]string) error { return nil }

func (c *crumbTracker) CaptureMessage(context.Context, string, errors.Level, map[string]string) error {
	return nil
}

func (c *crumbTracker) AddBreadcrumb(_ context.Context, _ string, _ string, level errors.Level, data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crumbs = append(c.crumbs, data)
	c.levels = append(c.levels, level)
}

func (c *crumbTracker) Flush(context.Context) error { return nil }

func newTestOrchestrator(providers []ai.VisionProvider, opts ...Option) *Orchestrator {
	return NewOrchestrator(providers, append([]Option{WithLogger(logger.Nop())}, opts...)...)
}

func TestAnalyzeCrop_BothProvidersAgree(t *testing.T) {
	p1 := &fakeProvider{name: "openai", raw: `{"disease": "Healthy Crop", "confidence": 70, "severity": "None"}`}
	p2 := &fakeProvider{name: "gemini", raw: "```json\n{\"disease\": \"Healthy Crop\", \"confidence\": 80}\n```"}

	o := newTestOrchestrator([]ai.VisionProvider{p1, p2})
	res := o.AnalyzeCrop(context.Background(), Request{ImageURL: "https://img/leaf.jpg", CropType: "Rice"})

	assert.Equal(t, "Healthy Crop", res.Disease)
	assert.Equal(t, Score(90), res.Confidence)
	assert.Equal(t, ConsensusAgreement, res.Consensus)
	assert.Equal(t, []string{"openai", "gemini"}, res.Providers)
	assert.Equal(t, "Rice", res.DetectedCrop)
	assert.False(t, res.AnalyzedAt.IsZero())

	assert.Equal(t, "https://img/leaf.jpg", p1.last.ImageURL)
	assert.Equal(t, p1.last.Prompt, p2.last.Prompt, "both providers get the same prompt")
	assert.Equal(t, SystemPrompt, p1.last.SystemPrompt)
}

func TestAnalyzeCrop_OneProviderFails(t *testing.T) {
	cases := map[string]*fakeProvider{
		"missing key": {name: "openai", err: errors.Wrap(errors.ErrConfiguration, "OPENAI_API_KEY not configured")},
		"network":     {name: "openai", err: errors.Wrap(errors.ErrTransientNetwork, "connection reset")},
		"malformed":   {name: "openai", raw: "sorry, I can't help with that"},
		"panic":       {name: "openai", panic: true},
	}

	for name, failing := range cases {
		t.Run(name, func(t *testing.T) {
			ok := &fakeProvider{name: "gemini", raw: `{"disease": "Leaf Blight", "confidence": 64, "severity": "High"}`}

			res := newTestOrchestrator([]ai.VisionProvider{failing, ok}).AnalyzeCrop(context.Background(), Request{})

			assert.Equal(t, "Leaf Blight", res.Disease)
			assert.Equal(t, Score(64), res.Confidence, "single result is not boosted")
			assert.Equal(t, ConsensusSingle, res.Consensus)
			assert.Equal(t, []string{"gemini"}, res.Providers)
			assert.Equal(t, int32(1), ok.calls.Load())
		})
	}
}

func TestAnalyzeCrop_TotalFailureFallsBack(t *testing.T) {
	p1 := &fakeProvider{name: "openai", err: errors.New("boom")}
	p2 := &fakeProvider{name: "gemini", raw: `{"disease": ""}`}

	res := newTestOrchestrator([]ai.VisionProvider{p1, p2}).AnalyzeCrop(context.Background(), Request{CropType: "Cotton"})

	assert.Equal(t, "Analysis Unavailable", res.Disease)
	assert.Equal(t, Score(45), res.Confidence)
	assert.True(t, res.Unavailable())
	assert.Equal(t, "Cotton", res.DetectedCrop)
	assert.Empty(t, res.Providers)
}

func TestAnalyzeCrop_NoProviders(t *testing.T) {
	res := newTestOrchestrator(nil).AnalyzeCrop(context.Background(), Request{})
	assert.Equal(t, "Analysis Unavailable", res.Disease)
}

func TestAnalyzeCrop_ProvidersRunInParallel(t *testing.T) {
	slow := &fakeProvider{name: "openai", delay: 300 * time.Millisecond, raw: `{"disease": "Rust", "confidence": 60}`}
	fast := &fakeProvider{name: "gemini", delay: 300 * time.Millisecond, raw: `{"disease": "Rust", "confidence": 70}`}

	start := time.Now()
	res := newTestOrchestrator([]ai.VisionProvider{slow, fast}).AnalyzeCrop(context.Background(), Request{})

	assert.Less(t, time.Since(start), 550*time.Millisecond)
	assert.Equal(t, ConsensusAgreement, res.Consensus)
}

func TestAnalyzeCrop_HangingProviderBoundedByContext(t *testing.T) {
	hanging := &fakeProvider{name: "openai", delay: time.Hour}
	ok := &fakeProvider{name: "gemini", raw: `{"disease": "Rust", "confidence": 70}`}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := newTestOrchestrator([]ai.VisionProvider{hanging, ok}).AnalyzeCrop(ctx, Request{})

	assert.Equal(t, "Rust", res.Disease)
	assert.Equal(t, []string{"gemini"}, res.Providers)
}

func TestAnalyzeCrop_DisagreementUsesProviderOrderNotCompletionOrder(t *testing.T) {
	p1 := &fakeProvider{name: "openai", delay: 50 * time.Millisecond, raw: `{"disease": "Rust", "confidence": 65}`}
	p2 := &fakeProvider{name: "gemini", raw: `{"disease": "Smut", "confidence": 65}`}

	res := newTestOrchestrator([]ai.VisionProvider{p1, p2}).AnalyzeCrop(context.Background(), Request{})

	assert.Equal(t, "Rust (Alternative: Smut)", res.Disease)
	assert.Equal(t, []string{"openai", "gemini"}, res.Providers)
}

func TestAnalyzeCrop_WeatherIsBestEffort(t *testing.T) {
	p := &fakeProvider{name: "openai", raw: `{"disease": "Rust", "confidence": 60}`}
	loc := &Coordinates{Latitude: 20.0, Longitude: 73.8}

	cond := &weather.Conditions{TemperatureC: 29, HumidityPct: 90, Condition: "Rain"}
	res := newTestOrchestrator([]ai.VisionProvider{p}, WithWeather(fakeWeather{cond: cond})).
		AnalyzeCrop(context.Background(), Request{Location: loc})

	require.NotNil(t, res.Weather)
	assert.Equal(t, "Rain", res.Weather.Condition)
	assert.Contains(t, p.last.Prompt, "Current conditions: Rain")

	res = newTestOrchestrator([]ai.VisionProvider{p}, WithWeather(fakeWeather{err: errors.New("timeout")})).
		AnalyzeCrop(context.Background(), Request{Location: loc})

	assert.Nil(t, res.Weather)
	assert.Equal(t, "Rust", res.Disease)
	assert.Contains(t, p.last.Prompt, "- Weather: Not specified")
}

func TestAnalyzeCrop_AttachesModelPredictions(t *testing.T) {
	p := &fakeProvider{name: "openai", raw: `{"disease": "Rust", "confidence": 60}`}
	classifier := fakeClassifier{
		image: &ml.ImagePrediction{Disease: "Leaf Rust", Confidence: 0.81},
		soil:  &ml.SoilPrediction{Status: "Balanced Soil", PredictionClass: 0},
		out:   ml.Outcome{Kind: ml.KindSuccess},
	}

	res := newTestOrchestrator([]ai.VisionProvider{p},
		WithImageClassifier(classifier),
		WithSoilClassifier(classifier),
	).AnalyzeCrop(context.Background(), Request{ImageURL: "https://img/leaf.jpg", Soil: &ml.SoilFeatures{N: 200, PH: 6.8}})

	require.NotNil(t, res.MLPrediction)
	assert.Equal(t, "Leaf Rust", res.MLPrediction.Disease)
	require.NotNil(t, res.SoilAnalysis)
	assert.Equal(t, "Balanced Soil", res.SoilAnalysis.Status)
	assert.Equal(t, "Rust", res.Disease, "model prediction does not change the consensus")
}

func TestAnalyzeCrop_ModelFailureIsSwallowed(t *testing.T) {
	p := &fakeProvider{name: "openai", raw: `{"disease": "Rust", "confidence": 60}`}
	classifier := fakeClassifier{out: ml.Outcome{Kind: ml.KindProcessError, Message: "model timed out"}}

	res := newTestOrchestrator([]ai.VisionProvider{p},
		WithImageClassifier(classifier),
		WithSoilClassifier(classifier),
	).AnalyzeCrop(context.Background(), Request{ImageURL: "https://img/leaf.jpg", Soil: &ml.SoilFeatures{}})

	assert.Nil(t, res.MLPrediction)
	assert.Nil(t, res.SoilAnalysis)
	assert.Equal(t, "Rust", res.Disease)
}

func TestAnalyzeCrop_LeavesBreadcrumbPerProviderCall(t *testing.T) {
	p1 := &fakeProvider{name: "openai", raw: `{"disease": "Rust", "confidence": 60}`}
	p2 := &fakeProvider{name: "gemini", err: errors.Wrap(errors.ErrTransientNetwork, "connection reset")}
	p3 := &fakeProvider{name: "local", panic: true}
	tracker := &crumbTracker{}

	newTestOrchestrator([]ai.VisionProvider{p1, p2, p3}, WithErrorTracker(tracker)).
		AnalyzeCrop(context.Background(), Request{})

	require.Len(t, tracker.crumbs, 3)
	statuses := map[string]string{}
	levels := map[string]errors.Level{}
	for i, crumb := range tracker.crumbs {
		name := crumb["provider"].(string)
		statuses[name] = crumb["status"].(string)
		levels[name] = tracker.levels[i]
	}
	assert.Equal(t, map[string]string{"openai": "success", "gemini": "error", "local": "panic"}, statuses)
	assert.Equal(t, errors.LevelInfo, levels["openai"])
	assert.Equal(t, errors.LevelWarning, levels["gemini"])
	assert.Equal(t, errors.LevelWarning, levels["local"])
}
