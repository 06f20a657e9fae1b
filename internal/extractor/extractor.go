// Package extractor turns the text of a payout email into a sale record using
// a chat completion model.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"payout-sheet-sync/internal/config"
	"payout-sheet-sync/internal/model"
)

var (
	// ErrExtraction marks a failed call to the extraction service
	ErrExtraction = errors.New("extraction failed")
	// ErrParse marks a response that is not the expected JSON object
	ErrParse = errors.New("unparsable extraction output")
)

const promptTemplate = `
Extract the following fields from the email and return JSON:
- Item Name
- Certification Number (if available)
- Sale Price
- Proceeds
- Sale Date

Email:
%s

Output format:
{
    "item_name": "",
    "cert_number": "",
    "sale_price": "",
    "proceeds": "",
    "sale_date": ""
}
`

// BuildPrompt interpolates an email body into the extraction instructions
func BuildPrompt(body string) string {
	return fmt.Sprintf(promptTemplate, body)
}

// Completer is the subset of the OpenAI client used here
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Extractor asks the model for the sale fields of one email
type Extractor struct {
	client Completer
	model  string
}

// New creates an extractor backed by the OpenAI API
func New(cfg *config.OpenAIConfig) *Extractor {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewWithClient(openai.NewClientWithConfig(clientCfg), cfg.Model)
}

// NewWithClient creates an extractor around an existing client
func NewWithClient(client Completer, model string) *Extractor {
	return &Extractor{client: client, model: model}
}

// Extract sends the email body to the model and parses its answer
func (e *Extractor) Extract(ctx context.Context, body string) (model.Record, error) {
	text, err := e.Complete(ctx, BuildPrompt(body))
	if err != nil {
		return model.Record{}, err
	}
	return Parse(text)
}

// Complete runs a single deterministic completion and returns the reply text
func (e *Extractor) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		// A zero temperature is dropped by omitempty and the API default of 1
		// applies; the smallest float encodes as an effective zero.
		Temperature: math.SmallestNonzeroFloat32,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", ErrExtraction)
	}

	logrus.Debugf("Extraction used %d prompt and %d completion tokens", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
