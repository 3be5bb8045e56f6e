package ai

// ProviderName represents an AI provider identifier
type ProviderName string

const (
	ProviderNameOpenAI ProviderName = "openai"
	ProviderNameGemini ProviderName = "gemini"
)

// String returns the string representation of the provider name
func (p ProviderName) String() string {
	return string(p)
}

const (
	defaultOpenAIModel = "gpt-4o"
	defaultGeminiModel = "gemini-1.5-flash"

	// maxOutputTokens bounds one diagnosis response
	maxOutputTokens = 1500
)
