package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmbridge/internal/upstream"
	"lmbridge/internal/upstream/upstreamtest"
)

// replyProvider serves one model whose non-probe replies stream the given
// fragments. The resolver's connectivity probe sees a trivial reply instead.
func replyProvider(id string, fragments ...string) (*upstreamtest.Provider, *upstreamtest.Model) {
	model := &upstreamtest.Model{
		ModelInfo: upstream.ModelInfo{ID: id, Name: id, Family: id, Vendor: "openai"},
	}
	model.Reply = func(msgs []upstream.Message) (upstream.FragmentStream, error) {
		if len(msgs) == 1 && msgs[0].Content == "ping" {
			return upstreamtest.Fragments("pong"), nil
		}
		return upstreamtest.Fragments(fragments...), nil
	}
	return &upstreamtest.Provider{Models: []*upstreamtest.Model{model}}, model
}

func TestChatCompletionNonStreaming(t *testing.T) {
	provider, _ := replyProvider("gpt-5", "Hello", " world")
	srv := newTestServer(t, provider, "gpt-5")

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","messages":[{"role":"user","content":"hi there"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "Hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)

	// Fake CountTokens is rune length: "hi there" = 8, "Hello world" = 11.
	assert.Equal(t, 8, resp.Usage.PromptTokens)
	assert.Equal(t, 11, resp.Usage.CompletionTokens)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestChatCompletionRejectsNonArrayMessages(t *testing.T) {
	provider, _ := replyProvider("gpt-5", "x")
	srv := newTestServer(t, provider, "gpt-5")

	for _, body := range []string{
		`{"model":"gpt-5"}`,
		`{"model":"gpt-5","messages":"hi"}`,
		`{"model":"gpt-5","messages":{"role":"user"}}`,
		`{"model":"gpt-5","messages":null}`,
	} {
		rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
		assert.Contains(t, rec.Body.String(), "Messages must be an array")
	}
}

func TestChatCompletionEmptyMessagesAccepted(t *testing.T) {
	// An empty array passes validation and reaches the upstream with no
	// content; prompt token count is zero.
	provider, model := replyProvider("gpt-5", "unsolicited")
	srv := newTestServer(t, provider, "gpt-5")

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-5","messages":[]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Usage.PromptTokens)

	// Probe plus the real call; the real call carried zero messages.
	require.Equal(t, 2, model.SendCount())
	assert.Empty(t, model.SendCalls[1])
}

func TestChatCompletionStreaming(t *testing.T) {
	provider, _ := replyProvider("gpt-5", "Hel", "lo", "")
	srv := newTestServer(t, provider, "gpt-5")

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	// initial + 3 fragments (the empty one included) + final + [DONE]
	require.Len(t, events, 6)
	assert.Equal(t, "[DONE]", events[len(events)-1].Data)

	var initial struct {
		Object  string `json:"object"`
		Choices []struct {
			Delta struct {
				Role string `json:"role"`
			} `json:"delta"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &initial))
	assert.Equal(t, "chat.completion.chunk", initial.Object)
	assert.Equal(t, "assistant", initial.Choices[0].Delta.Role)

	var deltas []string
	for _, ev := range events[1:4] {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content *string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &chunk))
		require.NotNil(t, chunk.Choices[0].Delta.Content)
		deltas = append(deltas, *chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"Hel", "lo", ""}, deltas)

	var final struct {
		Choices []struct {
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[4].Data), &final))
	require.NotNil(t, final.Choices[0].FinishReason)
	assert.Equal(t, "stop", *final.Choices[0].FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 2, final.Usage.PromptTokens)
	assert.Equal(t, 5, final.Usage.CompletionTokens)
	assert.Equal(t, 7, final.Usage.TotalTokens)
}

func TestChatCompletionStreamingErrorInBand(t *testing.T) {
	streamErr := errors.New("upstream hiccup")
	model := &upstreamtest.Model{
		ModelInfo: upstream.ModelInfo{ID: "gpt-5", Family: "gpt-5"},
	}
	model.Reply = func(msgs []upstream.Message) (upstream.FragmentStream, error) {
		if len(msgs) == 1 && msgs[0].Content == "ping" {
			return upstreamtest.Fragments("pong"), nil
		}
		return upstreamtest.FailAfter(streamErr, "partial"), nil
	}
	provider := &upstreamtest.Provider{Models: []*upstreamtest.Model{model}}
	srv := newTestServer(t, provider, "gpt-5")

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	// Headers went out before the failure; the status cannot change.
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(t, rec.Body.String())
	// initial + partial fragment + error chunk, no [DONE]
	require.Len(t, events, 3)
	assert.Contains(t, events[2].Data, "upstream hiccup")
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}
