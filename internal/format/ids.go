package format

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// Generated ids are opaque correlation handles; nothing parses them back.

func chatCompletionID() string {
	return fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli())
}

// ChatCompletionID returns a fresh chat completion id for streaming, where
// every chunk must share one id.
func ChatCompletionID() string {
	return chatCompletionID()
}

// ResponseID returns a fresh Responses envelope id.
func ResponseID() string {
	return "resp_" + base36Suffix()
}

// MessageID returns a fresh message output item id.
func MessageID() string {
	return "msg_" + base36Suffix()
}

// ReasoningID returns a fresh reasoning output item id.
func ReasoningID() string {
	return "rs_" + base36Suffix()
}

func base36Suffix() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + strconv.FormatInt(rand.Int63n(1<<40), 36)
}
