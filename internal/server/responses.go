package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"lmbridge/internal/format"
	"lmbridge/internal/normalize"
	"lmbridge/internal/upstream"
)

// defaultInstructions is the built-in persona substituted when a request
// carries no instructions of its own.
const defaultInstructions = "You are a helpful AI programming assistant. Answer developer questions " +
	"directly and concisely, prefer working code over prose, and say so when you are unsure."

// responsesRequest is the decoded /v1/responses body.
type responsesRequest struct {
	Model              string            `json:"model"`
	Input              any               `json:"input"`
	Instructions       any               `json:"instructions"`
	Stream             any               `json:"stream"`
	PreviousResponseID *string           `json:"previous_response_id"`
	Metadata           map[string]string `json:"metadata"`
	ParallelToolCalls  *bool             `json:"parallel_tool_calls"`
	Tools              []json.RawMessage `json:"tools"`
	ToolChoice         any               `json:"tool_choice"`
	Messages           []any             `json:"messages"`
}

// handleResponses runs the Responses orchestration. Conversation
// continuation is a non-goal, so previous_response_id is rejected outright.
func (s *Server) handleResponses(c echo.Context) error {
	var req responsesRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}

	if req.PreviousResponseID != nil {
		return apiError{status: http.StatusBadRequest, message: "previous_response_id is not supported yet."}
	}

	instructions := normalize.FlattenContent(req.Instructions)
	if instructions == "" {
		instructions = defaultInstructions
	}

	// Instructions are prepended after normalization so token accounting
	// covers only the caller's own input.
	body, err := normalize.Normalize(req.Input, nil, req.Messages)
	if err != nil {
		return err
	}
	msgs := append([]upstream.Message{{Role: upstream.RoleSystem, Content: instructions}}, body...)

	ctx := c.Request().Context()
	resolved, err := s.resolver.Resolve(ctx, req.Model)
	if err != nil {
		return err
	}
	model := resolved.Model

	promptTokens := 0
	for _, msg := range body {
		promptTokens += model.CountTokens(msg.Content)
	}

	resp, err := model.Send(ctx, msgs, upstream.SendOptions{Options: resolved.Options})
	if err != nil {
		return err
	}
	if resp == nil || resp.Text == nil {
		return upstream.ErrRequestFailed
	}

	params := format.EnvelopeParams{
		ID:                format.ResponseID(),
		Model:             model.Info().ID,
		PromptTokens:      promptTokens,
		Instructions:      instructions,
		Metadata:          req.Metadata,
		Tools:             req.Tools,
		ToolChoice:        req.ToolChoice,
		ParallelToolCalls: req.ParallelToolCalls == nil || *req.ParallelToolCalls,
	}

	if !streamRequested(req.Stream, c.Request().Header) {
		text, err := upstream.Drain(ctx, resp.Text)
		if err != nil {
			return err
		}
		params.Status = "completed"
		params.IncludeOutput = true
		params.OutputText = text
		params.CompletionTokens = model.CountTokens(text)
		return c.JSON(http.StatusOK, format.NewEnvelope(params))
	}

	return s.streamResponse(c, model, resp.Text, params)
}

// streamRequested derives the stream decision: a truthy stream field wins,
// else any of the streaming-intent headers force it on.
func streamRequested(stream any, header http.Header) bool {
	switch v := stream.(type) {
	case bool:
		if v {
			return true
		}
	case string:
		if truthyString(v) {
			return true
		}
	}

	if strings.EqualFold(header.Get("x-stainless-helper-method"), "stream") {
		return true
	}
	if truthyString(header.Get("x-openai-stream")) {
		return true
	}
	if strings.Contains(header.Get("Accept"), "text/event-stream") {
		return true
	}
	return false
}

// truthyString treats any non-empty string as true except "false" and "0".
func truthyString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0":
		return false
	default:
		return true
	}
}

// responseEvent is the data payload of one Responses SSE event. The
// sequence_number increments strictly across the whole stream.
type responseEvent struct {
	Type           string              `json:"type"`
	SequenceNumber int                 `json:"sequence_number"`
	Response       *format.Envelope    `json:"response,omitempty"`
	OutputIndex    *int                `json:"output_index,omitempty"`
	Item           *format.OutputItem  `json:"item,omitempty"`
	ItemID         string              `json:"item_id,omitempty"`
	ContentIndex   *int                `json:"content_index,omitempty"`
	Part           *format.ContentPart `json:"part,omitempty"`
	Delta          string              `json:"delta,omitempty"`
	Text           *string             `json:"text,omitempty"`
	Obfuscation    string              `json:"obfuscation,omitempty"`
}

// responsesEmitter drives the event-sequenced stream for one response.
type responsesEmitter struct {
	sse *sseWriter
	seq int
}

func (e *responsesEmitter) emit(name string, ev responseEvent) error {
	ev.Type = name
	ev.SequenceNumber = e.seq
	e.seq++
	return e.sse.writeEvent(name, ev)
}

// streamResponse emits the full Responses event sequence: created and
// in_progress envelopes, the reasoning item lifecycle, the message item and
// its text part, one delta per non-empty fragment, then the done/completed
// tail. Any failure mid-sequence becomes a single error event; partial
// sequences are acceptable on error.
func (s *Server) streamResponse(c echo.Context, model upstream.Model, stream upstream.FragmentStream, params format.EnvelopeParams) error {
	sse, err := newSSEWriter(c)
	if err != nil {
		return err
	}
	em := &responsesEmitter{sse: sse}

	fail := func(err error) error {
		s.log.Error("responses stream interrupted", "id", requestID(c), "error", err)
		_ = sse.writeEvent("error", format.NewError(err.Error()))
		return nil
	}

	params.Status = "in_progress"
	params.IncludeOutput = false
	inProgress := format.NewEnvelope(params)

	if err := em.emit("response.created", responseEvent{Response: &inProgress}); err != nil {
		return nil
	}
	if err := em.emit("response.in_progress", responseEvent{Response: &inProgress}); err != nil {
		return nil
	}

	reasoning := format.NewReasoningItem(format.ReasoningID(), "in_progress", encryptedContent(params.Instructions, params.ID))
	if err := em.emit("response.output_item.added", responseEvent{OutputIndex: intp(0), Item: &reasoning}); err != nil {
		return nil
	}
	reasoning.Status = "completed"
	if err := em.emit("response.output_item.done", responseEvent{OutputIndex: intp(0), Item: &reasoning}); err != nil {
		return nil
	}

	msgID := format.MessageID()
	message := format.OutputItem{
		ID:      msgID,
		Type:    "message",
		Status:  "in_progress",
		Role:    "assistant",
		Content: []format.ContentPart{},
		Summary: []any{},
	}
	if err := em.emit("response.output_item.added", responseEvent{OutputIndex: intp(1), Item: &message}); err != nil {
		return nil
	}

	emptyPart := format.ContentPart{Type: "output_text", Annotations: []any{}}
	if err := em.emit("response.content_part.added", responseEvent{
		ItemID:       msgID,
		OutputIndex:  intp(1),
		ContentIndex: intp(0),
		Part:         &emptyPart,
	}); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	var text []byte
	for {
		frag, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
		if frag == "" {
			continue
		}
		text = append(text, frag...)
		s.metrics.ObserveFragment()

		ev := responseEvent{
			ItemID:       msgID,
			OutputIndex:  intp(1),
			ContentIndex: intp(0),
			Delta:        frag,
			Obfuscation:  obfuscation(frag, em.seq),
		}
		if err := em.emit("response.output_text.delta", ev); err != nil {
			return nil
		}
	}

	// Even a fragmentless stream finishes with a text key, as "".
	fullText := string(text)
	if err := em.emit("response.output_text.done", responseEvent{
		ItemID:       msgID,
		OutputIndex:  intp(1),
		ContentIndex: intp(0),
		Text:         &fullText,
	}); err != nil {
		return nil
	}

	donePart := format.ContentPart{Type: "output_text", Text: fullText, Annotations: []any{}}
	if err := em.emit("response.content_part.done", responseEvent{
		ItemID:       msgID,
		OutputIndex:  intp(1),
		ContentIndex: intp(0),
		Part:         &donePart,
	}); err != nil {
		return nil
	}

	message.Status = "completed"
	message.Content = []format.ContentPart{donePart}
	if err := em.emit("response.output_item.done", responseEvent{OutputIndex: intp(1), Item: &message}); err != nil {
		return nil
	}

	params.Status = "completed"
	params.IncludeOutput = true
	params.CompletionTokens = model.CountTokens(fullText)
	params.OutputItems = []format.OutputItem{reasoning, message}
	completed := format.NewEnvelope(params)
	if err := em.emit("response.completed", responseEvent{Response: &completed}); err != nil {
		return nil
	}
	return nil
}

func intp(v int) *int { return &v }

// encryptedContent derives the opaque reasoning payload from the
// instructions and response id. Opaque to clients, deterministic for tests.
func encryptedContent(instructions, responseID string) string {
	return base64.StdEncoding.EncodeToString([]byte(instructions + responseID))
}

// obfuscation mirrors the emitting API's cosmetic anti-fingerprinting field:
// base64 of "<fragment>:<sequence_number>", bit-for-bit reproducible.
func obfuscation(fragment string, sequence int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%d", fragment, sequence)))
}
