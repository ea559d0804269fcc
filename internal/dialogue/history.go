package dialogue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// charsPerToken is the heuristic ratio used for token estimation.
const charsPerToken = 4

const defaultHistoryTokens = 4000

// summarisationPrompt is the system prompt used when compressing old turns.
const summarisationPrompt = `Summarise the following conversation between a voice assistant and its user.
Preserve facts the user shared, open requests and any commitments the assistant made.
Be concise.`

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	Summarise(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats messages as a transcript and asks the model to condense
// it.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, m := range messages {
		if m.Role == llm.RoleTool || m.Content == "" {
			continue
		}
		speaker := m.Role
		if m.Name != "" {
			speaker = m.Name
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.Content)
	}
	resp, err := llm.Collect(ctx, s.llm, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature:  0.3,
	})
	if err != nil {
		return "", fmt.Errorf("dialogue: summarise: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// History is the per-session conversation history sent with every turn.
//
// It keeps an estimated token count. When the count exceeds the budget the
// oldest messages are removed first. With a Summariser configured, the
// removed half is replaced by a summary; otherwise it is dropped.
//
// All methods are safe for concurrent use.
type History struct {
	maxTokens  int
	summariser Summariser

	mu            sync.Mutex
	currentTokens int
	messages      []llm.Message
	summaries     []string
}

// NewHistory creates a History with the given token budget. maxTokens <= 0
// selects a default of 4000. summariser may be nil.
func NewHistory(maxTokens int, summariser Summariser) *History {
	if maxTokens <= 0 {
		maxTokens = defaultHistoryTokens
	}
	return &History{maxTokens: maxTokens, summariser: summariser}
}

// Add appends messages and trims the history back under budget. A failed
// summarisation falls back to dropping the oldest messages and is reported
// as an error after the trim.
func (h *History) Add(ctx context.Context, msgs ...llm.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range msgs {
		h.messages = append(h.messages, m)
		h.currentTokens += estimateTokens(m)
	}

	var sumErr error
	if h.currentTokens > h.maxTokens && len(h.messages) > 1 && h.summariser != nil {
		sumErr = h.summariseOldest(ctx)
	}
	for h.currentTokens > h.maxTokens && len(h.messages) > 1 {
		h.dropOldest()
	}
	if sumErr != nil {
		return fmt.Errorf("dialogue: history summarise: %w", sumErr)
	}
	return nil
}

// Messages returns the history with summaries prepended as system messages.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]llm.Message, 0, len(h.summaries)+len(h.messages))
	for _, s := range h.summaries {
		out = append(out, llm.Message{
			Role:    llm.RoleSystem,
			Content: "[Previous conversation summary]: " + s,
		})
	}
	return append(out, h.messages...)
}

// TokenEstimate returns the current estimated token count.
func (h *History) TokenEstimate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentTokens
}

// Reset clears all messages and summaries.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	h.summaries = nil
	h.currentTokens = 0
}

// dropOldest removes the first message, keeping tool results attached to
// the assistant message that requested them. Must be called with h.mu held.
func (h *History) dropOldest() {
	n := 1
	for n < len(h.messages)-1 && h.messages[n].Role == llm.RoleTool {
		n++
	}
	h.removeFront(n)
}

func (h *History) removeFront(n int) {
	for _, m := range h.messages[:n] {
		h.currentTokens -= estimateTokens(m)
	}
	h.messages = append([]llm.Message(nil), h.messages[n:]...)
}

// summariseOldest compresses the oldest half of messages into a summary.
// Must be called with h.mu held; the lock is released for the LLM call.
func (h *History) summariseOldest(ctx context.Context) error {
	half := max(len(h.messages)/2, 1)
	toSummarise := append([]llm.Message(nil), h.messages[:half]...)

	h.mu.Unlock()
	summary, err := h.summariser.Summarise(ctx, toSummarise)
	h.mu.Lock()
	if err != nil {
		return err
	}

	// Messages may have been added while unlocked; the summarised ones are
	// still the oldest.
	half = min(half, len(h.messages))
	h.removeFront(half)
	if summary != "" {
		h.summaries = append(h.summaries, summary)
		h.currentTokens += len(summary) / charsPerToken
	}
	return nil
}

// estimateTokens returns a rough token count for a single message.
func estimateTokens(m llm.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
