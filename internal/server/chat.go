package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"lmbridge/internal/format"
	"lmbridge/internal/normalize"
	"lmbridge/internal/upstream"
)

// chatRequest is the decoded /v1/chat/completions body. Messages stays raw
// until the array-shape check has passed.
type chatRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages json.RawMessage `json:"messages"`
}

func isJSONArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// handleChatCompletions runs the Chat Completions orchestration: validate the
// messages array, normalize, resolve a model, invoke upstream, then either
// buffer to a single JSON body or forward fragments as delta chunks.
func (s *Server) handleChatCompletions(c echo.Context) error {
	var req chatRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}

	var elements []any
	if !isJSONArray(req.Messages) || json.Unmarshal(req.Messages, &elements) != nil {
		return apiError{status: http.StatusBadRequest, message: "Messages must be an array"}
	}

	// An empty array passes validation: zero prompt tokens, nothing sent
	// upstream beyond an empty message list.
	msgs := normalize.Messages(elements)

	ctx := c.Request().Context()
	resolved, err := s.resolver.Resolve(ctx, req.Model)
	if err != nil {
		return err
	}
	model := resolved.Model

	promptTokens := 0
	for _, msg := range msgs {
		promptTokens += model.CountTokens(msg.Content)
	}

	resp, err := model.Send(ctx, msgs, upstream.SendOptions{Options: resolved.Options})
	if err != nil {
		return err
	}
	if resp == nil || resp.Text == nil {
		return upstream.ErrRequestFailed
	}

	if !req.Stream {
		text, err := upstream.Drain(ctx, resp.Text)
		if err != nil {
			return err
		}
		completion := format.NewChatCompletion(model.Info().ID, text, promptTokens, model.CountTokens(text))
		return c.JSON(http.StatusOK, completion)
	}

	return s.streamChatCompletion(c, model, resp.Text, promptTokens)
}

// streamChatCompletion forwards upstream fragments as delta chunks: one
// role-only initial chunk, one content chunk per fragment (empty fragments
// included), a usage-bearing final chunk and the [DONE] terminator. Errors
// after the headers are out become a single in-band error chunk.
func (s *Server) streamChatCompletion(c echo.Context, model upstream.Model, stream upstream.FragmentStream, promptTokens int) error {
	sse, err := newSSEWriter(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	id := format.ChatCompletionID()
	modelID := model.Info().ID

	if err := sse.writeData(format.NewStreamChunk(format.StreamChunkParams{ID: id, Model: modelID, IsInitial: true})); err != nil {
		return nil
	}

	var text []byte
	for {
		frag, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.log.Error("chat stream interrupted", "id", requestID(c), "error", err)
			_ = sse.writeData(format.NewError(err.Error()))
			return nil
		}
		text = append(text, frag...)
		s.metrics.ObserveFragment()

		chunk := format.NewStreamChunk(format.StreamChunkParams{ID: id, Model: modelID, Fragment: &frag})
		if err := sse.writeData(chunk); err != nil {
			return nil
		}
	}

	final := format.NewStreamChunk(format.StreamChunkParams{
		ID:      id,
		Model:   modelID,
		IsFinal: true,
		Usage: &format.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: model.CountTokens(string(text)),
			TotalTokens:      promptTokens + model.CountTokens(string(text)),
		},
	})
	if err := sse.writeData(final); err != nil {
		return nil
	}
	_ = sse.writeDone()
	return nil
}
