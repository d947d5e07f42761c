package streamer

import (
	"encoding/json"
	"strings"
)

const (
	ssePrefix   = "data: "
	doneSentinel = "[DONE]"
)

type deltaChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// parseSSELine interprets one line of the delta-chunk chat-completions SSE
// dialect. ok is true only when token is a non-empty delta content piece;
// terminal is true when the stream should stop after this line.
// Lines that don't parse, aren't prefixed, or carry no content are silently
// skipped (ok=false), matching the upstream contract's tolerance for
// keep-alive or malformed lines.
func parseSSELine(line string) (token string, terminal bool, ok bool) {
	if line == "" {
		return "", false, false
	}
	if !strings.HasPrefix(line, ssePrefix) {
		return "", false, false
	}

	data := strings.TrimPrefix(line, ssePrefix)
	if strings.TrimSpace(data) == doneSentinel {
		return "", true, false
	}

	var chunk deltaChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false, false
	}
	if len(chunk.Choices) == 0 {
		return "", false, false
	}

	choice := chunk.Choices[0]
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		return "", true, false
	}
	if choice.Delta.Content == nil || *choice.Delta.Content == "" {
		return "", false, false
	}

	return *choice.Delta.Content, false, true
}
