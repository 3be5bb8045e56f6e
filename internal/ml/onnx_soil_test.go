package ml

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestONNXSoilModel_Classify(t *testing.T) {
	modelPath := os.Getenv("ML_SOIL_ONNX_MODEL")
	if modelPath == "" {
		modelPath = "../../models/soil_model.onnx"
	}
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		t.Skip("Soil ONNX model not found, export it with skl2onnx (zipmap disabled) first")
	}

	model, err := LoadONNXSoilModel(modelPath)
	require.NoError(t, err)
	defer model.Close()

	features := SoilFeatures{N: 138, P: 8.6, K: 560, PH: 7.46, EC: 0.62, OC: 0.7, S: 5.9, Zn: 0.24, Fe: 0.31, Cu: 0.77, Mn: 8.71, B: 0.11}
	pred, out := model.ClassifySoil(context.Background(), features)

	require.True(t, out.OK(), out.Message)
	require.NotNil(t, pred)
	assert.NotEmpty(t, pred.Status)
	assert.Len(t, pred.Probabilities, len(soilClasses))

	var total float64
	for _, p := range pred.Probabilities {
		total += p
	}
	assert.InDelta(t, 1.0, total, 0.01)
}

func TestSoilPredictionFor_UnknownClass(t *testing.T) {
	pred := soilPredictionFor(7)
	assert.Equal(t, "Class 7", pred.Status)
	assert.Equal(t, "Consult an agronomist.", pred.Recommendation)
}
