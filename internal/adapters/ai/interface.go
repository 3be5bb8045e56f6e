package ai

import "context"

// VisionRequest is one image analysis call
type VisionRequest struct {
	SystemPrompt string
	Prompt       string
	ImageURL     string
}

// VisionProvider analyzes a crop image and returns the raw model text.
// Parsing the text is the caller's job.
type VisionProvider interface {
	Name() string
	Analyze(ctx context.Context, req VisionRequest) (string, error)
}
