package advisory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"greentrace/internal/adapters/ai"
	"greentrace/internal/adapters/weather"
	"greentrace/internal/metrics"
	"greentrace/internal/ml"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

// WeatherLookup returns current conditions at a location
type WeatherLookup interface {
	Current(ctx context.Context, lat, lon float64) (*weather.Conditions, error)
}

// Option customizes the Orchestrator
type Option func(*Orchestrator)

// WithWeather enables the weather lookup for requests with a location
func WithWeather(w WeatherLookup) Option {
	return func(o *Orchestrator) { o.weather = w }
}

// WithImageClassifier attaches a local image model prediction to each result
func WithImageClassifier(c ml.ImageClassifier) Option {
	return func(o *Orchestrator) { o.images = c }
}

// WithSoilClassifier classifies soil reports supplied with a request
func WithSoilClassifier(c ml.SoilClassifier) Option {
	return func(o *Orchestrator) { o.soil = c }
}

// WithMergePolicy replaces DefaultMergePolicy
func WithMergePolicy(p MergePolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithErrorTracker leaves a breadcrumb for every provider call
func WithErrorTracker(tracker errors.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = tracker }
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs every vision provider in parallel and merges what comes back
type Orchestrator struct {
	providers []ai.VisionProvider
	weather   WeatherLookup
	images    ml.ImageClassifier
	soil      ml.SoilClassifier
	policy    MergePolicy
	tracker   errors.Tracker
	now       func() time.Time
	log       *logger.Logger
}

// NewOrchestrator creates an orchestrator. Provider order decides tie-breaks: the first provider wins.
func NewOrchestrator(providers []ai.VisionProvider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers: providers,
		policy:    DefaultMergePolicy(),
		now:       time.Now,
		log:       logger.Get(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "advisory")
	return o
}

// AnalyzeCrop always returns a well-formed result. Provider failures are
// logged and folded into the merge; with no usable provider result the
// result is UnavailableResult.
func (o *Orchestrator) AnalyzeCrop(ctx context.Context, req Request) AnalysisResult {
	start := o.now()

	var cond *weather.Conditions
	if req.Location != nil && req.WeatherContext == "" && o.weather != nil {
		cond = o.lookupWeather(ctx, req.Location)
	}

	prompt := BuildPrompt(req, cond)
	results := make([]*AnalysisResult, len(o.providers))

	var (
		wg       sync.WaitGroup
		mlPred   *ml.ImagePrediction
		soilPred *ml.SoilPrediction
	)

	for i, p := range o.providers {
		wg.Add(1)
		go func(i int, p ai.VisionProvider) {
			defer wg.Done()
			results[i] = o.callProvider(ctx, p, visionRequest(req, prompt))
		}(i, p)
	}

	if o.images != nil && req.ImageURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mlPred = o.classifyImage(ctx, req.ImageURL)
		}()
	}

	if o.soil != nil && req.Soil != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			soilPred = o.classifySoil(ctx, *req.Soil)
		}()
	}

	wg.Wait()

	res := o.combine(results)
	if res.DetectedCrop == "" {
		res.DetectedCrop = req.CropType
	}
	res.Weather = cond
	res.MLPrediction = mlPred
	res.SoilAnalysis = soilPred
	res.AnalyzedAt = o.now()

	metrics.RecordAdvisoryOutcome(string(res.Consensus))
	o.log.Infow("Crop analysis complete",
		"crop", req.CropType,
		"disease", res.Disease,
		"confidence", float64(res.Confidence),
		"consensus", res.Consensus,
		"providers", res.Providers,
		"duration", o.now().Sub(start),
	)
	return res
}

// visionRequest builds the provider request for req
func visionRequest(req Request, prompt string) ai.VisionRequest {
	return ai.VisionRequest{
		SystemPrompt: SystemPrompt,
		Prompt:       prompt,
		ImageURL:     req.ImageURL,
	}
}

func (o *Orchestrator) combine(results []*AnalysisResult) AnalysisResult {
	var merged *AnalysisResult
	count := 0

	for _, r := range results {
		if r == nil {
			continue
		}
		count++
		if merged == nil {
			single := *r
			single.Consensus = ConsensusSingle
			merged = &single
			continue
		}
		m := Merge(merged, r, o.policy)
		merged = &m
	}

	if merged == nil || merged.Disease == "" {
		return UnavailableResult(o.policy)
	}
	if count == 1 {
		merged.Consensus = ConsensusSingle
	}
	return *merged
}

func (o *Orchestrator) callProvider(ctx context.Context, p ai.VisionProvider, vr ai.VisionRequest) (res *AnalysisResult) {
	name := p.Name()
	start := time.Now()
	status := "success"

	defer func() {
		if r := recover(); r != nil {
			o.log.Errorw("Vision provider panicked", "provider", name, "panic", fmt.Sprint(r))
			status = "panic"
			res = nil
		}
		latency := time.Since(start)
		metrics.RecordProviderCall(name, status, latency)
		o.breadcrumb(ctx, name, status, latency)
	}()

	raw, err := p.Analyze(ctx, vr)
	if err != nil {
		status = "error"
		if errors.Is(err, errors.ErrConfiguration) {
			status = "not_configured"
		}
		o.log.Warnw("Vision provider failed", "provider", name, "error", err)
		return nil
	}

	parsed, err := ParseResult(raw)
	if err != nil {
		status = "malformed"
		o.log.Warnw("Vision provider returned unusable response", "provider", name, "error", err)
		return nil
	}

	parsed.Providers = []string{name}
	return parsed
}

func (o *Orchestrator) breadcrumb(ctx context.Context, provider, status string, latency time.Duration) {
	if o.tracker == nil {
		return
	}

	level := errors.LevelInfo
	if status != "success" {
		level = errors.LevelWarning
	}
	o.tracker.AddBreadcrumb(ctx, "vision provider call", "advisory", level, map[string]interface{}{
		"provider":   provider,
		"status":     status,
		"latency_ms": latency.Milliseconds(),
	})
}

func (o *Orchestrator) lookupWeather(ctx context.Context, loc *Coordinates) *weather.Conditions {
	cond, err := o.weather.Current(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		o.log.Warnw("Weather lookup failed", "lat", loc.Latitude, "lon", loc.Longitude, "error", err)
		return nil
	}
	return cond
}

func (o *Orchestrator) classifyImage(ctx context.Context, imageURL string) *ml.ImagePrediction {
	pred, out := o.images.ClassifyImage(ctx, imageURL)
	if !out.OK() {
		o.log.Warnw("Image classification failed", "kind", out.Kind, "error", out.Err())
		return nil
	}
	return pred
}

func (o *Orchestrator) classifySoil(ctx context.Context, f ml.SoilFeatures) *ml.SoilPrediction {
	pred, out := o.soil.ClassifySoil(ctx, f)
	if !out.OK() {
		o.log.Warnw("Soil classification failed", "kind", out.Kind, "error", out.Err())
		return nil
	}
	return pred
}
