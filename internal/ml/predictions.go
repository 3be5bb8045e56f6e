package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"greentrace/pkg/errors"
)

// SoilFeatures is a soil test report. Order matters: it is the model's feature order.
type SoilFeatures struct {
	N  float64 `json:"n"`
	P  float64 `json:"p"`
	K  float64 `json:"k"`
	PH float64 `json:"ph"`
	EC float64 `json:"ec"`
	OC float64 `json:"oc"`
	S  float64 `json:"s"`
	Zn float64 `json:"zn"`
	Fe float64 `json:"fe"`
	Cu float64 `json:"cu"`
	Mn float64 `json:"mn"`
	B  float64 `json:"b"`
}

// Vector returns N,P,K,pH,EC,OC,S,Zn,Fe,Cu,Mn,B
func (f SoilFeatures) Vector() []float64 {
	return []float64{f.N, f.P, f.K, f.PH, f.EC, f.OC, f.S, f.Zn, f.Fe, f.Cu, f.Mn, f.B}
}

// Arg renders the comma-separated form the model script expects
func (f SoilFeatures) Arg() string {
	vec := f.Vector()
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ParseSoilFeatures reads the Arg form back: twelve comma-separated numbers
func ParseSoilFeatures(s string) (SoilFeatures, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 12 {
		return SoilFeatures{}, errors.Wrapf(errors.ErrInvalidInput, "expected 12 soil values, got %d", len(parts))
	}

	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return SoilFeatures{}, errors.Wrapf(errors.ErrInvalidInput, "soil value %d: %v", i, err)
		}
		vals[i] = v
	}

	f := SoilFeatures{
		N: vals[0], P: vals[1], K: vals[2], PH: vals[3], EC: vals[4], OC: vals[5],
		S: vals[6], Zn: vals[7], Fe: vals[8], Cu: vals[9], Mn: vals[10], B: vals[11],
	}
	return f, f.Validate()
}

// Validate rejects values no soil report can contain
func (f SoilFeatures) Validate() error {
	for i, v := range f.Vector() {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return errors.Wrapf(errors.ErrInvalidInput, "soil feature %d out of range: %v", i, v)
		}
	}
	if f.PH > 14 {
		return errors.Wrapf(errors.ErrInvalidInput, "pH out of range: %v", f.PH)
	}
	return nil
}

// ImagePrediction is the crop disease classifier output
type ImagePrediction struct {
	InvalidImage    bool    `json:"invalid_image,omitempty"`
	Message         string  `json:"message,omitempty"`
	ModelUsed       string  `json:"modelUsed"`
	PredictedClass  string  `json:"predictedClass"`
	Crop            string  `json:"crop"`
	Disease         string  `json:"disease"`
	Confidence      float64 `json:"confidence"` // 0..1
	PlantHealth     string  `json:"plantHealth"`
	ExecutionTimeMs int64   `json:"executionTimeMs"`
	Recommendations struct {
		Diagnosis        string   `json:"diagnosis"`
		Treatment        []string `json:"treatment"`
		OrganicTreatment []string `json:"organicTreatment"`
		IrrigationAdvice string   `json:"irrigationAdvice"`
		FertilizerAdvice string   `json:"fertilizerAdvice"`
	} `json:"recommendations"`
	GrowthStage struct {
		Stage         string `json:"stage"`
		DaysToHarvest int    `json:"daysToHarvest"`
	} `json:"growthStage"`
	Tutorial      json.RawMessage `json:"tutorial,omitempty"`
	WeatherImpact struct {
		RiskLevel string `json:"riskLevel"`
		Advice    string `json:"advice"`
	} `json:"weatherImpact"`
}

// SoilPrediction is the soil health classifier output
type SoilPrediction struct {
	SoilType        string             `json:"soilType"`
	Status          string             `json:"status"`
	PredictionClass int                `json:"predictionClass"`
	Recommendation  string             `json:"recommendation"`
	ExecutionTimeMs int64              `json:"executionTimeMs"`
	Probabilities   map[string]float64 `json:"probabilities,omitempty"`
}

// ImageClassifier classifies crop images
type ImageClassifier interface {
	ClassifyImage(ctx context.Context, imageURL string) (*ImagePrediction, Outcome)
}

// SoilClassifier classifies soil reports
type SoilClassifier interface {
	ClassifySoil(ctx context.Context, f SoilFeatures) (*SoilPrediction, Outcome)
}

var (
	_ ImageClassifier = (*Runner)(nil)
	_ SoilClassifier  = (*Runner)(nil)
)

// ClassifyImage runs the image mode of the model script.
// A non-agricultural image is a success with InvalidImage set.
func (r *Runner) ClassifyImage(ctx context.Context, imageURL string) (*ImagePrediction, Outcome) {
	if strings.TrimSpace(imageURL) == "" {
		return nil, Outcome{Kind: KindModelError, Status: StatusModelError, Message: "No image URL provided"}
	}

	out := r.Run(ctx, []string{imageURL, "--mode", "image"})
	if !out.OK() {
		return nil, out
	}

	if out.Status == StatusInvalidImage {
		return &ImagePrediction{InvalidImage: true, Message: out.Message}, out
	}

	var pred ImagePrediction
	if out, ok := decodeData(out, &pred); !ok {
		return nil, out
	}
	return &pred, out
}

// ClassifySoil runs the soil mode of the model script
func (r *Runner) ClassifySoil(ctx context.Context, f SoilFeatures) (*SoilPrediction, Outcome) {
	if err := f.Validate(); err != nil {
		return nil, Outcome{Kind: KindModelError, Status: StatusModelError, Message: err.Error()}
	}

	out := r.Run(ctx, []string{f.Arg(), "--mode", "soil"})
	if !out.OK() {
		return nil, out
	}

	var pred SoilPrediction
	if out, ok := decodeData(out, &pred); !ok {
		return nil, out
	}
	return &pred, out
}

func decodeData(out Outcome, v interface{}) (Outcome, bool) {
	if len(out.Data) == 0 || string(out.Data) == "null" {
		out.Kind = KindParseError
		out.Message = "model reported success without data"
		return out, false
	}
	if err := json.Unmarshal(out.Data, v); err != nil {
		out.Kind = KindParseError
		out.Message = fmt.Sprintf("unexpected model data: %v", err)
		return out, false
	}
	return out, true
}

// Soil classes produced by the soil model
var soilClasses = []struct {
	Status         string
	Recommendation string
}{
	{"Balanced Soil", "Soil is well-balanced. Maintain regular composting and pH monitoring."},
	{"Nutrient Deficient - Low Nitrogen / Organic Matter", "Apply organic compost or urea to restore nitrogen levels. Consider green manure."},
	{"Nutrient Deficient - Low Phosphorus / Potassium", "Apply DAP (Di-ammonium Phosphate) or MOP (Muriate of Potash) as appropriate."},
}

func soilPredictionFor(class int) *SoilPrediction {
	pred := &SoilPrediction{
		SoilType:        "Analysed via ML Model",
		PredictionClass: class,
		Status:          fmt.Sprintf("Class %d", class),
		Recommendation:  "Consult an agronomist.",
	}
	if class >= 0 && class < len(soilClasses) {
		pred.Status = soilClasses[class].Status
		pred.Recommendation = soilClasses[class].Recommendation
	}
	return pred
}
