// Package upstream defines the boundary to the chat-capable model provider
// this bridge wraps. Everything behind Provider is opaque: the rest of the
// codebase selects models, sends role-tagged messages and consumes lazy
// fragment streams without knowing anything about the wire protocol.
package upstream

import (
	"context"
	"errors"
	"io"
)

// ErrRequestFailed indicates the provider accepted a send but produced no
// usable response handle.
var ErrRequestFailed = errors.New("upstream request failed")

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged message with flattened string content.
type Message struct {
	Role    Role
	Content string
}

// Selector narrows model discovery. The zero value matches every model.
type Selector struct {
	ID     string
	Family string
	Vendor string
}

// IsWildcard reports whether the selector matches any model.
func (s Selector) IsWildcard() bool {
	return s.ID == "" && s.Family == "" && s.Vendor == ""
}

// ModelInfo carries the identity and display fields of an upstream model.
type ModelInfo struct {
	ID             string
	Name           string
	Family         string
	Version        string
	Vendor         string
	MaxInputTokens int
	Created        int64
}

// SendOptions carries provider-specific tuning for a send call. Options is
// an opaque bag; reasoning presets travel through it untouched.
type SendOptions struct {
	Options map[string]any
}

// Provider exposes model discovery over the upstream capability.
type Provider interface {
	SelectModels(ctx context.Context, sel Selector) ([]Model, error)
}

// Model is a resolved upstream model handle.
type Model interface {
	Info() ModelInfo
	Send(ctx context.Context, msgs []Message, opts SendOptions) (*Response, error)
	CountTokens(text string) int
}

// Response wraps the lazy output of a send call.
type Response struct {
	Text FragmentStream
}

// FragmentStream is a single-pass, forward-only sequence of string fragments.
// Next returns io.EOF once the stream is exhausted; a stream is never
// restartable, so both draining and per-fragment consumers must share one
// instance.
type FragmentStream interface {
	Next(ctx context.Context) (string, error)
}

// Drain consumes the remainder of a stream and returns the concatenated text.
func Drain(ctx context.Context, s FragmentStream) (string, error) {
	var out []byte
	for {
		frag, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, frag...)
	}
}
