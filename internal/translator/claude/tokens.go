package claude

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// textCodec returns the shared BPE codec, or nil when initialisation
// failed and the caller should fall back to estimation.
func textCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.O200kBase)
		if err != nil {
			log.Warnf("claude: tokenizer init failed, falling back to estimation: %v", err)
			return
		}
		codec = c
	})
	return codec
}

// countText counts BPE tokens in text, falling back to the character
// heuristic when no codec is available.
func countText(text string) int {
	if text == "" {
		return 0
	}
	if c := textCodec(); c != nil {
		if ids, _, err := c.Encode(text); err == nil {
			return len(ids)
		}
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// CountRequestTokens counts the prompt tokens of a request for the
// count_tokens endpoint. Text is tokenized properly; images and tool
// blocks carry the same flat surcharges as the truncation estimate. The
// result is always at least 1.
func CountRequestTokens(req *MessagesRequest) int {
	total := countText(req.System.Text())
	for _, m := range req.Messages {
		total += messageOverheadCost
		for _, b := range m.Content.Blocks {
			switch b.Type {
			case "text":
				total += countText(b.Text)
			case "thinking":
				total += countText(b.Thinking)
			case "image":
				total += imageTokenCost
			case "tool_use":
				total += toolBlockTokenCost
				total += countText(string(b.Input))
			case "tool_result":
				total += toolBlockTokenCost
				total += countText(toolResultText(b.Content))
			}
		}
	}
	for _, t := range req.Tools {
		total += toolBlockTokenCost
		total += countText(t.Name + " " + t.Description)
		total += countText(string(t.InputSchema))
	}
	if total < 1 {
		total = 1
	}
	return total
}
