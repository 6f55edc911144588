// Package normalize converts the heterogeneous request shapes accepted on the
// OpenAI-compatible surface into one ordered sequence of role-tagged string
// messages. Chat array-of-{role,content} bodies and Responses `input` values
// (string, object or mixed content-part arrays) all land in the same form.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lmbridge/internal/upstream"
)

// ErrNoInput indicates normalization produced no messages at all.
var ErrNoInput = errors.New("no input provided")

// Normalize builds the ordered message sequence for a Responses-style request:
// a leading system message synthesized from instructions (when non-empty),
// then the parsed input, then any raw Chat-style fallback messages. Elements
// whose flattened content is empty are dropped silently. ErrNoInput fires
// when input and fallback together yield nothing; instructions alone do not
// count, since callers substitute a built-in default.
func Normalize(input any, instructions any, fallback []any) ([]upstream.Message, error) {
	body := parseInput(input)
	body = append(body, Messages(fallback)...)
	if len(body) == 0 {
		return nil, ErrNoInput
	}

	var msgs []upstream.Message
	if text := FlattenContent(instructions); text != "" {
		msgs = append(msgs, upstream.Message{Role: upstream.RoleSystem, Content: text})
	}
	return append(msgs, body...), nil
}

// Messages parses a raw Chat-style messages array, dropping elements whose
// flattened content is empty.
func Messages(elements []any) []upstream.Message {
	var msgs []upstream.Message
	for _, raw := range elements {
		if msg, ok := parseMessage(raw); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func parseInput(input any) []upstream.Message {
	switch v := input.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []upstream.Message{{Role: upstream.RoleUser, Content: v}}
	case []any:
		var msgs []upstream.Message
		for _, el := range v {
			if msg, ok := parseMessage(el); ok {
				msgs = append(msgs, msg)
			}
		}
		return msgs
	default:
		// A single object is treated as a one-element array.
		if msg, ok := parseMessage(v); ok {
			return []upstream.Message{msg}
		}
		return nil
	}
}

// parseMessage interprets one message-like element. Elements that flatten to
// empty content are skipped.
func parseMessage(raw any) (upstream.Message, bool) {
	obj, ok := raw.(map[string]any)
	if !ok {
		// Bare strings inside an input array still count as user text.
		if content := FlattenContent(raw); content != "" {
			return upstream.Message{Role: upstream.RoleUser, Content: content}, true
		}
		return upstream.Message{}, false
	}

	role := NormalizeRole(stringField(obj, "role"))
	content := FlattenContent(obj["content"])
	if content == "" {
		// Content-part objects can appear directly in an input array.
		content = FlattenContent(obj)
	}
	if content == "" {
		return upstream.Message{}, false
	}
	return upstream.Message{Role: role, Content: content}, true
}

// NormalizeRole maps the wire role names onto the three roles the upstream
// capability understands. Developer and tool collapse to system; anything
// unrecognized becomes user.
func NormalizeRole(role string) upstream.Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "system", "developer", "tool":
		return upstream.RoleSystem
	case "assistant":
		return upstream.RoleAssistant
	default:
		return upstream.RoleUser
	}
}

// FlattenContent recursively collapses a decoded JSON content value to a
// single string. Arrays join their non-empty parts with newlines; content-part
// objects are resolved by their type tag; unknown shapes flatten to "".
func FlattenContent(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return fmt.Sprintf("%v", val)
	case bool:
		return fmt.Sprintf("%v", val)
	case json.Number:
		return val.String()
	case []any:
		var parts []string
		for _, el := range val {
			if text := FlattenContent(el); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		return flattenObject(val)
	default:
		return ""
	}
}

func flattenObject(obj map[string]any) string {
	if text, ok := obj["text"].(string); ok {
		return text
	}

	switch stringField(obj, "type") {
	case "text":
		if value, ok := obj["value"].(string); ok {
			return value
		}
	case "input_text":
		if text, ok := obj["input_text"].(string); ok {
			return text
		}
		if text, ok := obj["content"].(string); ok {
			return text
		}
	case "output_text":
		if text, ok := obj["output_text"].(string); ok {
			return text
		}
	}

	if nested, ok := obj["content"].([]any); ok {
		return FlattenContent(nested)
	}
	return ""
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
