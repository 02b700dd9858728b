package ratelimitmgr

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// PromptCharLimit is the maximum length a stored prompt is truncated to.
const PromptCharLimit = 500

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// EstimateTokens returns text's GPT-4 token count, falling back to a
// character-based estimate (4 chars ≈ 1 token) if the codec can't be
// loaded or fails to encode text.
func EstimateTokens(text string) int {
	c := getCodec()
	if c == nil {
		return len(text) / 4
	}
	count, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncatePrompt truncates text to at most PromptCharLimit characters,
// backing off to the nearest preceding space so it doesn't split a word (and
// with it, usually a token) in half.
func TruncatePrompt(text string) string {
	if len(text) <= PromptCharLimit {
		return text
	}
	truncated := text[:PromptCharLimit]
	if idx := strings.LastIndexByte(truncated, ' '); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated
}
