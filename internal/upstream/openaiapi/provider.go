// Package openaiapi adapts any OpenAI-compatible backend to the upstream
// provider boundary. The rest of the bridge never imports the SDK directly.
package openaiapi

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"lmbridge/internal/upstream"
)

// Provider discovers and drives models over an OpenAI-compatible API.
type Provider struct {
	client openai.Client
	vendor string
}

// New constructs a provider. baseURL may be empty for the default endpoint.
func New(apiKey, baseURL string) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Provider{
		client: openai.NewClient(opts...),
		vendor: "openai",
	}
}

// SelectModels lists the backend catalogue and filters it by the selector.
func (p *Provider) SelectModels(ctx context.Context, sel upstream.Selector) ([]upstream.Model, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	var out []upstream.Model
	for _, m := range page.Data {
		info := upstream.ModelInfo{
			ID:      m.ID,
			Name:    m.ID,
			Family:  deriveFamily(m.ID),
			Vendor:  m.OwnedBy,
			Created: m.Created,
		}
		if !selectorMatches(sel, info) {
			continue
		}
		out = append(out, &model{client: p.client, info: info})
	}
	return out, nil
}

func selectorMatches(sel upstream.Selector, info upstream.ModelInfo) bool {
	if sel.IsWildcard() {
		return true
	}
	if sel.ID != "" && !strings.EqualFold(sel.ID, info.ID) {
		return false
	}
	if sel.Family != "" && !strings.EqualFold(sel.Family, info.Family) {
		return false
	}
	if sel.Vendor != "" && !strings.EqualFold(sel.Vendor, info.Vendor) {
		return false
	}
	return true
}

// deriveFamily strips trailing version-ish segments (dates, numeric builds)
// from a model id, so "gpt-5-codex-2025-08-01" and "gpt-5-codex" share a
// family.
func deriveFamily(id string) string {
	parts := strings.Split(id, "-")
	for len(parts) > 1 && isVersionSegment(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, "-")
}

func isVersionSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

type model struct {
	client openai.Client
	info   upstream.ModelInfo
}

func (m *model) Info() upstream.ModelInfo { return m.info }

// Send issues a streaming chat completion and exposes its deltas as a
// fragment stream.
func (m *model) Send(ctx context.Context, msgs []upstream.Message, opts upstream.SendOptions) (*upstream.Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(m.info.ID),
		Messages: toParams(msgs),
	}
	if effort, ok := opts.Options["reasoning_effort"].(string); ok {
		params.ReasoningEffort = openai.ReasoningEffort(effort)
	}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", upstream.ErrRequestFailed, err)
	}
	return &upstream.Response{Text: &deltaStream{stream: stream}}, nil
}

// CountTokens estimates token usage; the backend exposes no counting
// endpoint, so a rune heuristic stands in.
func (m *model) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

func toParams(msgs []upstream.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case upstream.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case upstream.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// deltaStream adapts the SDK's SSE stream to the single-pass fragment
// contract.
type deltaStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	done   bool
}

func (s *deltaStream) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.stream.Next() {
		if err := ctx.Err(); err != nil {
			s.done = true
			return "", err
		}
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
	s.done = true
	if err := s.stream.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
