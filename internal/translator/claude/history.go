package claude

import (
	log "github.com/sirupsen/logrus"

	"github.com/ki2api/kiro-gateway/internal/config"
)

// truncationNotice is prepended as a user message after history truncation.
const truncationNotice = "[Earlier messages truncated to manage context length]"

// imagePlaceholder replaces image blocks in non-final messages.
const imagePlaceholder = "[Image]"

// Estimation weights. Text counts ~4 characters per token; structured
// blocks carry flat surcharges for their envelope.
const (
	charsPerToken       = 4
	imageTokenCost      = 1000
	toolBlockTokenCost  = 50
	messageOverheadCost = 3
)

// HistoryResult reports what history management did to a request.
type HistoryResult struct {
	Messages         []Message
	System           SystemPrompt
	Truncated        bool
	ImagesReplaced   bool
	EstimatedTokens  int
	ProcessedTokens  int
}

// ManageHistory applies image placeholders and truncation to a
// conversation according to config. The input slices are not mutated.
func ManageHistory(cfg config.HistoryConfig, messages []Message, system SystemPrompt) HistoryResult {
	result := HistoryResult{Messages: messages, System: system}
	if !cfg.Enabled || len(messages) == 0 {
		return result
	}

	result.EstimatedTokens = EstimateConversationTokens(messages, system, nil)

	if cfg.ImagePlaceholder {
		result.Messages, result.ImagesReplaced = replaceHistoricalImages(result.Messages)
	}

	if result.EstimatedTokens > cfg.TokenThreshold {
		result.Messages = truncate(result.Messages, cfg.KeepMessages)
		result.Truncated = true
	}

	result.ProcessedTokens = EstimateConversationTokens(result.Messages, system, nil)
	if result.Truncated || result.ImagesReplaced {
		log.Infof("history: truncated=%v images_replaced=%v tokens %d -> %d",
			result.Truncated, result.ImagesReplaced, result.EstimatedTokens, result.ProcessedTokens)
	}
	return result
}

// replaceHistoricalImages swaps image blocks for a text marker in every
// message except the last, which may legitimately carry fresh images.
func replaceHistoricalImages(messages []Message) ([]Message, bool) {
	replaced := false
	out := make([]Message, len(messages))
	copy(out, messages)
	for i := 0; i < len(out)-1; i++ {
		hasImage := false
		for _, b := range out[i].Content.Blocks {
			if b.Type == "image" {
				hasImage = true
				break
			}
		}
		if !hasImage {
			continue
		}
		blocks := make([]ContentBlock, 0, len(out[i].Content.Blocks))
		for _, b := range out[i].Content.Blocks {
			if b.Type == "image" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: imagePlaceholder})
			} else {
				blocks = append(blocks, b)
			}
		}
		out[i] = Message{Role: out[i].Role, Content: MessageContent{Blocks: blocks}}
		replaced = true
	}
	return out, replaced
}

// truncate keeps the last keep messages and prepends a notice so the
// model knows context was dropped.
func truncate(messages []Message, keep int) []Message {
	if keep <= 0 || len(messages) <= keep {
		return messages
	}
	kept := messages[len(messages)-keep:]
	out := make([]Message, 0, len(kept)+1)
	out = append(out, Message{Role: "user", Content: TextContent(truncationNotice)})
	out = append(out, kept...)
	return out
}

// EstimateConversationTokens gives a fast local estimate of the prompt
// size. It intentionally overcounts structured content slightly; the
// figure steers truncation and the count_tokens endpoint, not billing.
func EstimateConversationTokens(messages []Message, system SystemPrompt, tools []Tool) int {
	total := len(system.Text()) / charsPerToken
	for _, m := range messages {
		total += messageOverheadCost
		total += estimateMessageTokens(m)
	}
	for _, t := range tools {
		total += (len(t.Name) + len(t.Description) + len(t.InputSchema)) / charsPerToken
		total += toolBlockTokenCost
	}
	if total < 1 {
		total = 1
	}
	return total
}

func estimateMessageTokens(m Message) int {
	total := 0
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "text":
			total += len(b.Text) / charsPerToken
		case "thinking":
			total += len(b.Thinking) / charsPerToken
		case "image":
			total += imageTokenCost
		case "tool_use":
			total += toolBlockTokenCost
			total += len(b.Input) / charsPerToken
		case "tool_result":
			total += toolBlockTokenCost
			total += len(toolResultText(b.Content)) / charsPerToken
		}
	}
	return total
}
