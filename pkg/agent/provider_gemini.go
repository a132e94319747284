package agent

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// geminiBaseURL is Google's OpenAI-compatible endpoint for the Gemini API.
const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// NewGeminiProvider creates a provider for Google Gemini models. Gemini
// exposes an OpenAI-compatible chat completions surface, so the provider
// reuses the OpenAI client pointed at Google's endpoint.
func NewGeminiProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(geminiBaseURL),
		),
		name: "gemini",
	}
}
