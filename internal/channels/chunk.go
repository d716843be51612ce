package channels

import (
	"fmt"
	"strings"
)

// DefaultChunkLimit is the per-message rune budget when an account sets none.
const DefaultChunkLimit = 1800

// ChunkMode selects how long replies are split.
type ChunkMode string

const (
	ChunkModeLength  ChunkMode = "length"  // fill each chunk up to the limit
	ChunkModeNewline ChunkMode = "newline" // one chunk per paragraph, length-split if needed
)

// ParseChunkMode validates s. Empty input yields length mode.
func ParseChunkMode(s string) (ChunkMode, error) {
	switch m := ChunkMode(s); m {
	case "":
		return ChunkModeLength, nil
	case ChunkModeLength, ChunkModeNewline:
		return m, nil
	}
	return "", fmt.Errorf("unknown chunk mode %q (want length or newline)", s)
}

// ChunkText splits text into ordered chunks of at most limit runes.
// Breaks prefer a newline, then a space, in the second half of the window;
// otherwise the text is cut hard at the limit.
func ChunkText(text string, limit int, mode ChunkMode) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if mode != ChunkModeNewline {
		return chunkByLength(text, limit)
	}

	var out []string
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.Trim(para, "\n")
		if strings.TrimSpace(para) == "" {
			continue
		}
		out = append(out, chunkByLength(para, limit)...)
	}
	return out
}

func chunkByLength(text string, limit int) []string {
	var out []string
	runes := []rune(text)

	for len(runes) > 0 {
		if len(runes) <= limit {
			if s := strings.TrimRight(string(runes), " \t\n"); s != "" {
				out = append(out, s)
			}
			break
		}

		cut := breakIndex(runes[:limit])
		if s := strings.TrimRight(string(runes[:cut]), " \t\n"); s != "" {
			out = append(out, s)
		}
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	return out
}

// breakIndex returns the rune count to take from window.
func breakIndex(window []rune) int {
	half := len(window) / 2
	for _, sep := range []rune{'\n', ' '} {
		for i := len(window) - 1; i > half; i-- {
			if window[i] == sep {
				return i + 1
			}
		}
	}
	return len(window)
}
