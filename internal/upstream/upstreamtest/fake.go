// Package upstreamtest provides in-memory fakes for the upstream boundary,
// used by resolver and server tests.
package upstreamtest

import (
	"context"
	"io"
	"strings"
	"sync"

	"lmbridge/internal/upstream"
)

// Fragments builds a single-pass stream over the given fragments.
func Fragments(frags ...string) upstream.FragmentStream {
	return &sliceStream{frags: frags}
}

// FailAfter builds a stream that yields the given fragments and then fails
// with err instead of terminating cleanly.
func FailAfter(err error, frags ...string) upstream.FragmentStream {
	return &sliceStream{frags: frags, err: err}
}

type sliceStream struct {
	frags []string
	pos   int
	err   error
}

func (s *sliceStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.frags) {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	frag := s.frags[s.pos]
	s.pos++
	return frag, nil
}

// Model is a scriptable upstream.Model.
type Model struct {
	ModelInfo upstream.ModelInfo

	// Reply produces the stream for each Send call. When nil, Send echoes
	// a single "ok" fragment.
	Reply func(msgs []upstream.Message) (upstream.FragmentStream, error)

	// Tokens overrides CountTokens. When nil, the length of the text in
	// runes is used.
	Tokens func(text string) int

	mu        sync.Mutex
	SendCalls [][]upstream.Message
	LastOpts  upstream.SendOptions
}

func (m *Model) Info() upstream.ModelInfo { return m.ModelInfo }

func (m *Model) Send(ctx context.Context, msgs []upstream.Message, opts upstream.SendOptions) (*upstream.Response, error) {
	m.mu.Lock()
	m.SendCalls = append(m.SendCalls, msgs)
	m.LastOpts = opts
	m.mu.Unlock()

	if m.Reply == nil {
		return &upstream.Response{Text: Fragments("ok")}, nil
	}
	stream, err := m.Reply(msgs)
	if err != nil {
		return nil, err
	}
	return &upstream.Response{Text: stream}, nil
}

func (m *Model) CountTokens(text string) int {
	if m.Tokens != nil {
		return m.Tokens(text)
	}
	return len([]rune(text))
}

// SendCount reports how many Send calls the model has observed.
func (m *Model) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SendCalls)
}

// Provider serves a fixed catalogue of fake models.
type Provider struct {
	Models []*Model

	// Err, when set, fails every SelectModels call.
	Err error

	mu        sync.Mutex
	Selectors []upstream.Selector
}

func (p *Provider) SelectModels(ctx context.Context, sel upstream.Selector) ([]upstream.Model, error) {
	p.mu.Lock()
	p.Selectors = append(p.Selectors, sel)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}

	var out []upstream.Model
	for _, m := range p.Models {
		if matches(sel, m.ModelInfo) {
			out = append(out, m)
		}
	}
	return out, nil
}

func matches(sel upstream.Selector, info upstream.ModelInfo) bool {
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
