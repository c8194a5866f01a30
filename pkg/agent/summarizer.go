package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/dialogs"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
	"github.com/agentsmithy/agentsmithy/pkg/utils"
)

const summaryPrompt = `Summarize the coding conversation below for use as persistent context.
Keep: user goals and decisions, files created or modified and how, commands run and their outcomes, unresolved problems.
Drop: pleasantries, dead ends that were fully reverted, raw file contents.
Write a compact factual summary in plain prose.`

// Summarizer compacts a dialog's older history into a stored summary
// once the prompt would exceed the configured token budget.
type Summarizer struct {
	provider llms.Provider
	store    *dialogs.Store
	counter  *utils.TokenCounter
	cfg      *config.SummarizationConfig
}

// NewSummarizer creates a summarizer using the given workload provider.
func NewSummarizer(provider llms.Provider, store *dialogs.Store, counter *utils.TokenCounter, cfg *config.SummarizationConfig) *Summarizer {
	return &Summarizer{provider: provider, store: store, counter: counter, cfg: cfg}
}

// ShouldSummarize reports whether a prepared prompt crosses the budget.
func (s *Summarizer) ShouldSummarize(messages []llms.Message) bool {
	if s.cfg.TriggerTokenBudget <= 0 || s.counter == nil {
		return false
	}
	return s.counter.CountMessages(messages) >= s.cfg.TriggerTokenBudget
}

// Summarize folds everything before the keep-window into a new stored
// summary (stacking on any previous one) and returns it. A dialog too
// short to evict anything is a no-op returning nil.
func (s *Summarizer) Summarize(ctx context.Context, dialogID string) (*dialogs.Summary, error) {
	previous, err := s.store.LatestSummary(ctx, dialogID)
	if err != nil {
		return nil, err
	}
	var afterID int64
	if previous != nil {
		afterID = previous.CoveredUntil
	}

	stored, err := s.store.GetMessages(ctx, dialogID, afterID)
	if err != nil {
		return nil, err
	}
	keep := s.cfg.KeepLastMessages
	if len(stored) <= keep {
		return nil, nil
	}
	evicted := stored[:len(stored)-keep]

	var transcript strings.Builder
	if previous != nil {
		fmt.Fprintf(&transcript, "Previous summary:\n%s\n\n", previous.Content)
	}
	for _, msg := range evicted {
		content := msg.Content
		if len(content) > 2000 {
			content = content[:2000] + " ..."
		}
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, content)
	}

	text, _, _, err := s.provider.Generate(ctx, []llms.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: transcript.String()},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("summarization failed: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	coveredUntil := evicted[len(evicted)-1].ID
	if err := s.store.SaveSummary(ctx, dialogID, text, coveredUntil); err != nil {
		return nil, err
	}
	logger.Info("Dialog history summarized",
		"dialog", dialogID, "evicted", len(evicted), "covered_until", coveredUntil)

	return &dialogs.Summary{Content: text, CoveredUntil: coveredUntil}, nil
}
