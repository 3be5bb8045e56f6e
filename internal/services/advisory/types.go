package advisory

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"greentrace/internal/adapters/weather"
	"greentrace/internal/ml"
)

// Consensus describes how the final diagnosis was reached
type Consensus string

const (
	ConsensusAgreement    Consensus = "agreement"
	ConsensusDisagreement Consensus = "disagreement"
	ConsensusSingle       Consensus = "single"
	ConsensusNone         Consensus = "none"
)

// Coordinates locate the field for the weather lookup
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Request is one crop analysis
type Request struct {
	ImageURL       string           `json:"image_url"`
	CropType       string           `json:"crop_type"`
	GrowthStage    string           `json:"growth_stage"`
	Description    string           `json:"description"`
	SoilType       string           `json:"soil_type"`
	IrrigationType string           `json:"irrigation_type"`
	WeatherContext string           `json:"weather_context"`
	Symptoms       []string         `json:"symptoms"`
	Location       *Coordinates     `json:"location,omitempty"`
	Soil           *ml.SoilFeatures `json:"soil,omitempty"`
}

// Score is a 0..100 confidence. Providers send numbers, numeric strings or
// percentages, sometimes as a 0..1 fraction. A bare integer 1 is 1%, while
// 1.0 and anything below 1 are fractions. Values with a % sign are never scaled.
type Score float64

func (s *Score) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == `""` {
		*s = 0
		return nil
	}
	raw = strings.TrimSpace(strings.Trim(raw, `"`))
	percent := strings.HasSuffix(raw, "%")
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "%"))

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*s = 0
		return nil
	}
	if !percent && v > 0 && (v < 1 || (v == 1 && strings.Contains(raw, "."))) {
		v *= 100
	}
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	*s = Score(v)
	return nil
}

// Flag is a risk flag. Accepts booleans and "true"/"yes"/"high"/"medium" strings.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(string(b)), `"`)) {
	case "true", "yes", "high", "medium", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

// DetailedAnalysis is the provider's free-form breakdown
type DetailedAnalysis struct {
	Symptoms       string `json:"symptoms,omitempty"`
	Causes         string `json:"causes,omitempty"`
	DiseaseStage   string `json:"diseaseStage,omitempty"`
	AffectedArea   string `json:"affectedArea,omitempty"`
	SpreadRisk     string `json:"spreadRisk,omitempty"`
	SoilHealth     string `json:"soilHealth,omitempty"`
	WeatherImpact  string `json:"weatherImpact,omitempty"`
	NutrientStatus string `json:"nutrientStatus,omitempty"`
}

func (d DetailedAnalysis) empty() bool {
	return d == DetailedAnalysis{}
}

// RiskAssessment carries the risk flags and outlook
type RiskAssessment struct {
	FungalRisk             Flag   `json:"fungalRisk"`
	DroughtRisk            Flag   `json:"droughtRisk"`
	PestRisk               Flag   `json:"pestRisk"`
	NutrientDeficiencyRisk Flag   `json:"nutrientDeficiencyRisk"`
	RiskLevel              string `json:"riskLevel,omitempty"`
	Next7DaysForecast      string `json:"next7DaysForecast,omitempty"`
	WeatherAlert           string `json:"weatherAlert,omitempty"`
	EconomicImpact         string `json:"economicImpact,omitempty"`
}

// AnalysisResult is the diagnosis returned to callers. The JSON field names
// match the schema the providers are asked to produce.
type AnalysisResult struct {
	DetectedCrop          string           `json:"detectedCrop,omitempty"`
	Disease               string           `json:"disease"`
	Confidence            Score            `json:"confidence"`
	Severity              string           `json:"severity"`
	Description           string           `json:"description,omitempty"`
	DetailedAnalysis      DetailedAnalysis `json:"detailedAnalysis"`
	Treatment             []string         `json:"treatment"`
	Prevention            []string         `json:"prevention"`
	GrowthRecommendations []string         `json:"growthRecommendations"`
	RiskAssessment        RiskAssessment   `json:"aiRiskAssessment"`
	OtherIssues           []string         `json:"otherIssues"`
	ExpertiseLevel        string           `json:"expertiseLevel,omitempty"`
	FollowUpActions       []string         `json:"followUpActions"`

	Message      string              `json:"message,omitempty"`
	Providers    []string            `json:"providers"`
	Consensus    Consensus           `json:"consensus"`
	Weather      *weather.Conditions `json:"weather,omitempty"`
	MLPrediction *ml.ImagePrediction `json:"mlPrediction,omitempty"`
	SoilAnalysis *ml.SoilPrediction  `json:"soilAnalysis,omitempty"`
	AnalyzedAt   time.Time           `json:"analyzedAt"`
}

// Unavailable reports whether this is the total-failure placeholder
func (r AnalysisResult) Unavailable() bool {
	return r.Consensus == ConsensusNone
}

// MarshalJSON renders Score as a plain number
func (s Score) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(s))
}
