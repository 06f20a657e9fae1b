package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payout-sheet-sync/internal/config"
	"payout-sheet-sync/internal/model"
)

const rareCoinBody = "Your item 'Rare Coin' sold for $120.00, net proceeds $110.00 on 2024-01-05, cert #12345"

const rareCoinJSON = `{"item_name":"Rare Coin","cert_number":"12345","sale_price":"$120.00","proceeds":"$110.00","sale_date":"2024-01-05"}`

var rareCoin = model.Record{
	ItemName:   "Rare Coin",
	CertNumber: model.Cert("12345"),
	SalePrice:  "$120.00",
	Proceeds:   "$110.00",
	SaleDate:   "2024-01-05",
}

type fakeCompleter struct {
	reply string
	err   error
	req   openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: f.reply}},
		},
	}, nil
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(rareCoinBody)

	assert.Contains(t, prompt, "Email:\n"+rareCoinBody+"\n")
	for _, key := range []string{"item_name", "cert_number", "sale_price", "proceeds", "sale_date"} {
		assert.Contains(t, prompt, `"`+key+`": ""`)
	}
}

func TestExtract(t *testing.T) {
	fc := &fakeCompleter{reply: "\n" + rareCoinJSON + "\n"}
	e := NewWithClient(fc, "gpt-3.5-turbo")

	rec, err := e.Extract(context.Background(), rareCoinBody)
	require.NoError(t, err)
	assert.Equal(t, rareCoin, rec)

	assert.Equal(t, "gpt-3.5-turbo", fc.req.Model)
	require.Len(t, fc.req.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, fc.req.Messages[0].Role)
	assert.Equal(t, BuildPrompt(rareCoinBody), fc.req.Messages[0].Content)
	assert.Less(t, fc.req.Temperature, float32(1e-6))
}

func TestExtractServiceFailure(t *testing.T) {
	e := NewWithClient(&fakeCompleter{err: errors.New("quota exceeded")}, "gpt-3.5-turbo")

	_, err := e.Extract(context.Background(), rareCoinBody)
	assert.ErrorIs(t, err, ErrExtraction)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestExtractInvalidJSON(t *testing.T) {
	e := NewWithClient(&fakeCompleter{reply: "I could not find a sale in this email."}, "gpt-3.5-turbo")

	_, err := e.Extract(context.Background(), "")
	assert.ErrorIs(t, err, ErrParse)
}

func TestExtractAgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req map[string]json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.JSONEq(t, `"gpt-3.5-turbo"`, string(req["model"]))
		// the smallest float32 stands in for zero, which omitempty would drop
		assert.Equal(t, "1e-45", string(req["temperature"]))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-3.5-turbo",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": rareCoinJSON},
			}},
			"usage": map[string]int{"prompt_tokens": 80, "completion_tokens": 40, "total_tokens": 120},
		})
	}))
	defer srv.Close()

	e := New(&config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-3.5-turbo", BaseURL: srv.URL + "/v1"})

	rec, err := e.Extract(context.Background(), rareCoinBody)
	require.NoError(t, err)
	assert.Equal(t, rareCoin, rec)
}

func TestExtractHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	e := New(&config.OpenAIConfig{APIKey: "sk-bad", Model: "gpt-3.5-turbo", BaseURL: srv.URL + "/v1"})

	_, err := e.Extract(context.Background(), rareCoinBody)
	assert.ErrorIs(t, err, ErrExtraction)
}
