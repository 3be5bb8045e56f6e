package ml

import (
	"context"
	"sync"
	"time"

	onnxruntime "github.com/yalue/onnxruntime_go"

	"greentrace/internal/metrics"
	"greentrace/pkg/errors"
)

var onnxInit sync.Once
var onnxInitErr error

// ONNXSoilModel runs the soil classifier in-process.
// The model takes float32 input "input" [1,12] and yields "label" int64 [1]
// and "probabilities" float32 [1,classes] (exported without zipmap).
type ONNXSoilModel struct {
	mu         sync.Mutex
	session    *onnxruntime.DynamicAdvancedSession
	numClasses int
}

var _ SoilClassifier = (*ONNXSoilModel)(nil)

// LoadONNXSoilModel loads the model from modelPath
func LoadONNXSoilModel(modelPath string) (*ONNXSoilModel, error) {
	onnxInit.Do(func() {
		if !onnxruntime.IsInitialized() {
			onnxInitErr = onnxruntime.InitializeEnvironment()
		}
	})
	if onnxInitErr != nil {
		return nil, errors.Wrap(onnxInitErr, "failed to initialize ONNX runtime")
	}

	options, err := onnxruntime.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer options.Destroy()

	session, err := onnxruntime.NewDynamicAdvancedSession(modelPath,
		[]string{"input"}, []string{"label", "probabilities"}, options)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load ONNX soil model")
	}

	return &ONNXSoilModel{session: session, numClasses: len(soilClasses)}, nil
}

// ClassifySoil implements SoilClassifier
func (m *ONNXSoilModel) ClassifySoil(ctx context.Context, f SoilFeatures) (*SoilPrediction, Outcome) {
	start := time.Now()
	pred, out := m.classify(ctx, f)
	out.Duration = time.Since(start)
	metrics.RecordMLRun("soil_onnx", out.Kind.String(), out.Duration)

	if pred != nil {
		pred.ExecutionTimeMs = out.Duration.Milliseconds()
	}
	return pred, out
}

func (m *ONNXSoilModel) classify(ctx context.Context, f SoilFeatures) (*SoilPrediction, Outcome) {
	if err := f.Validate(); err != nil {
		return nil, Outcome{Kind: KindModelError, Status: StatusModelError, Message: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return nil, Outcome{Kind: KindProcessError, Message: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, Outcome{Kind: KindProcessError, Message: "model session is closed"}
	}

	vec := f.Vector()
	features := make([]float32, len(vec))
	for i, v := range vec {
		features[i] = float32(v)
	}

	inputTensor, err := onnxruntime.NewTensor(onnxruntime.NewShape(1, int64(len(features))), features)
	if err != nil {
		return nil, Outcome{Kind: KindProcessError, Message: "failed to create input tensor: " + err.Error()}
	}
	defer inputTensor.Destroy()

	labelOutput := make([]int64, 1)
	labelTensor, err := onnxruntime.NewTensor(onnxruntime.NewShape(1), labelOutput)
	if err != nil {
		return nil, Outcome{Kind: KindProcessError, Message: "failed to create label tensor: " + err.Error()}
	}
	defer labelTensor.Destroy()

	probOutput := make([]float32, m.numClasses)
	probTensor, err := onnxruntime.NewTensor(onnxruntime.NewShape(1, int64(m.numClasses)), probOutput)
	if err != nil {
		return nil, Outcome{Kind: KindProcessError, Message: "failed to create probabilities tensor: " + err.Error()}
	}
	defer probTensor.Destroy()

	err = m.session.Run([]onnxruntime.Value{inputTensor}, []onnxruntime.Value{labelTensor, probTensor})
	if err != nil {
		return nil, Outcome{Kind: KindModelError, Status: StatusModelError, Message: "inference failed: " + err.Error()}
	}

	pred := soilPredictionFor(int(labelOutput[0]))
	pred.Probabilities = make(map[string]float64, m.numClasses)
	for i, p := range probOutput {
		pred.Probabilities[soilClasses[i].Status] = float64(p)
	}

	return pred, Outcome{Kind: KindSuccess}
}

// Close releases the session
func (m *ONNXSoilModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
}
