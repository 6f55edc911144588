// Package format builds the OpenAI-compatible JSON envelopes served by the
// bridge: Chat Completion objects and chunks, Responses envelopes and output
// items, and the shared error envelope. Everything here is pure construction;
// no I/O, deterministic given inputs apart from wall-clock ids.
package format

import (
	"encoding/json"
	"time"
)

// ChatMessage is a message inside a chat completion choice.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatDelta is the incremental payload of a streaming chunk. Content keeps
// its key even when empty so that empty upstream fragments still appear as
// payload-bearing chunks.
type ChatDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// Usage mirrors the OpenAI token usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is a single choice in a chat completion response.
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatDelta   `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// ChatCompletion is the non-streaming chat completion envelope.
type ChatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// NewChatCompletion builds a single-choice completion with finish_reason
// "stop" and usage totals derived from the two token counts.
func NewChatCompletion(modelID, text string, promptTokens, completionTokens int) ChatCompletion {
	stop := "stop"
	return ChatCompletion{
		ID:      chatCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      &ChatMessage{Role: "assistant", Content: text},
			FinishReason: &stop,
		}},
		Usage: &Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// StreamChunkParams describes one streaming chunk of a chat completion.
type StreamChunkParams struct {
	ID        string
	Model     string
	Fragment  *string
	IsInitial bool
	IsFinal   bool
	Usage     *Usage
}

// NewStreamChunk builds a chat.completion.chunk. The initial chunk carries
// only the assistant role; mid-stream chunks carry the fragment as delta
// content; the final chunk carries an empty delta, finish_reason "stop" and
// usage when supplied.
func NewStreamChunk(p StreamChunkParams) ChatCompletion {
	choice := ChatChoice{Index: 0, Delta: &ChatDelta{}}
	switch {
	case p.IsInitial:
		choice.Delta.Role = "assistant"
	case p.IsFinal:
		stop := "stop"
		choice.FinishReason = &stop
	default:
		choice.Delta.Content = p.Fragment
	}

	return ChatCompletion{
		ID:      p.ID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   p.Model,
		Choices: []ChatChoice{choice},
		Usage:   p.Usage,
	}
}

// ResponseUsage is the Responses-API token usage block; the wire names
// differ from the chat ones.
type ResponseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ContentPart is an output_text part inside a message output item.
type ContentPart struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Annotations []any  `json:"annotations"`
}

// OutputItem is a tagged variant in a Responses envelope output list: either
// a reasoning item or an assistant message item. Content and summary always
// serialize, as empty arrays when nothing was produced.
type OutputItem struct {
	ID               string        `json:"id"`
	Type             string        `json:"type"`
	Status           string        `json:"status"`
	Role             string        `json:"role,omitempty"`
	Content          []ContentPart `json:"content"`
	EncryptedContent string        `json:"encrypted_content,omitempty"`
	Summary          []any         `json:"summary"`
}

// NewMessageItem builds an assistant message output item with a single
// output_text part.
func NewMessageItem(id, status, text string) OutputItem {
	return OutputItem{
		ID:     id,
		Type:   "message",
		Status: status,
		Role:   "assistant",
		Content: []ContentPart{{
			Type:        "output_text",
			Text:        text,
			Annotations: []any{},
		}},
		Summary: []any{},
	}
}

// NewReasoningItem builds a synthetic reasoning output item.
func NewReasoningItem(id, status, encryptedContent string) OutputItem {
	return OutputItem{
		ID:               id,
		Type:             "reasoning",
		Status:           status,
		Content:          []ContentPart{},
		EncryptedContent: encryptedContent,
		Summary:          []any{},
	}
}

// TextFormat is the fixed `text` block of a Responses envelope.
type TextFormat struct {
	Value       string     `json:"value"`
	Annotations []any      `json:"annotations"`
	Format      FormatType `json:"format"`
}

// FormatType tags the envelope text format.
type FormatType struct {
	Type string `json:"type"`
}

// Envelope is the full Responses-API response object at a point in its
// lifecycle.
type Envelope struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	CreatedAt         int64             `json:"created_at"`
	Model             string            `json:"model"`
	Status            string            `json:"status"`
	Background        bool              `json:"background"`
	Output            []OutputItem      `json:"output"`
	OutputText        string            `json:"output_text"`
	Text              TextFormat        `json:"text"`
	Usage             *ResponseUsage    `json:"usage"`
	Instructions      string            `json:"instructions"`
	Metadata          map[string]string `json:"metadata"`
	ParallelToolCalls bool              `json:"parallel_tool_calls"`
	ToolChoice        any               `json:"tool_choice"`
	Tools             []json.RawMessage `json:"tools"`
}

// EnvelopeParams carries everything needed to build a Responses envelope.
type EnvelopeParams struct {
	ID               string
	Model            string
	Status           string
	PromptTokens     int
	CompletionTokens int
	Instructions     string
	Metadata         map[string]string

	// IncludeOutput false models an in-progress response with nothing
	// produced yet: empty output, empty output_text, nil usage.
	IncludeOutput bool

	// OutputText synthesizes a single completed message item when
	// OutputItems is nil.
	OutputText  string
	OutputItems []OutputItem

	Tools             []json.RawMessage
	ToolChoice        any
	ParallelToolCalls bool
}

// NewEnvelope builds a Responses envelope. total_tokens is always the sum of
// the two counts; usage is nil only while no output exists.
func NewEnvelope(p EnvelopeParams) Envelope {
	env := Envelope{
		ID:                p.ID,
		Object:            "response",
		CreatedAt:         time.Now().Unix(),
		Model:             p.Model,
		Status:            p.Status,
		Output:            []OutputItem{},
		Text:              TextFormat{Annotations: []any{}, Format: FormatType{Type: "text"}},
		Instructions:      p.Instructions,
		Metadata:          p.Metadata,
		ParallelToolCalls: p.ParallelToolCalls,
		ToolChoice:        resolveToolChoice(p.ToolChoice, p.Tools),
		Tools:             p.Tools,
	}
	if env.Metadata == nil {
		env.Metadata = map[string]string{}
	}
	if env.Tools == nil {
		env.Tools = []json.RawMessage{}
	}

	if !p.IncludeOutput {
		return env
	}

	if p.OutputItems != nil {
		env.Output = p.OutputItems
		for _, item := range p.OutputItems {
			if item.Type == "message" && len(item.Content) > 0 {
				env.OutputText = item.Content[0].Text
				break
			}
		}
	} else {
		env.Output = []OutputItem{NewMessageItem(MessageID(), "completed", p.OutputText)}
		env.OutputText = p.OutputText
	}

	env.Text.Value = env.OutputText
	env.Usage = &ResponseUsage{
		InputTokens:  p.PromptTokens,
		OutputTokens: p.CompletionTokens,
		TotalTokens:  p.PromptTokens + p.CompletionTokens,
	}
	return env
}

// resolveToolChoice applies the Responses default: "none" without tools,
// "auto" with tools, unless the caller supplied an explicit value.
func resolveToolChoice(explicit any, tools []json.RawMessage) any {
	if explicit != nil {
		return explicit
	}
	if len(tools) > 0 {
		return "auto"
	}
	return "none"
}

// ErrorBody is the uniform error envelope shared by every endpoint.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the message-only view of a failure sent to callers.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewError wraps an error message in the shared envelope.
func NewError(message string) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Message: message, Type: "server_error"}}
}
