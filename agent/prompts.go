package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/dossierbot/dossier/types"
)

// Prompt assembly for the three model-facing states. Each builder returns the
// message list for one completion call; history is trimmed to the configured
// token budget so long conversations cannot blow past the context window.

const passageSnippetLen = 500

func (e *Engine) planMessages(st *ConversationState) []types.Message {
	var kb strings.Builder
	if len(st.KnowledgeContext) == 0 {
		kb.WriteString("None")
	} else {
		for _, p := range st.KnowledgeContext {
			text := p.Text
			if len(text) > passageSnippetLen {
				text = text[:passageSnippetLen]
			}
			fmt.Fprintf(&kb, "- %s\n", text)
		}
	}

	msgs := []types.Message{
		types.NewSystemMessage(e.profile.SystemPrompt()),
		types.NewSystemMessage("Internal knowledge that may be relevant:\n" + kb.String()),
	}
	msgs = append(msgs, e.trimmedHistory(st)...)
	msgs = append(msgs, types.NewUserMessage(fmt.Sprintf(
		"User request:\n%s\n\nProduce a 3-6 step action plan. Identify tools to use. Do not execute.\n"+
			"Format each step as a numbered line.", st.UserMessage)))
	return msgs
}

func (e *Engine) decideMessages(st *ConversationState) []types.Message {
	vocabulary := make([]string, 0, len(e.registry.List())+1)
	for _, schema := range e.registry.List() {
		if e.profile.AllowsTool(schema.Name) {
			vocabulary = append(vocabulary, schema.Name)
		}
	}
	vocabulary = append(vocabulary, ActionFinalize)

	var log strings.Builder
	if len(st.ActionLog) == 0 {
		log.WriteString("None yet.")
	} else {
		for i, rec := range st.ActionLog {
			if rec.Error != "" {
				fmt.Fprintf(&log, "%d. %s -> ERROR: %s\n", i+1, rec.Action, rec.Error)
			} else {
				fmt.Fprintf(&log, "%d. %s -> %s\n", i+1, rec.Action, truncate(string(rec.Result), passageSnippetLen))
			}
		}
	}

	msgs := []types.Message{
		types.NewSystemMessage(e.profile.SystemPrompt()),
		types.NewSystemMessage("Decide the immediate next action based on the plan, prior actions and the user request."),
	}
	msgs = append(msgs, e.trimmedHistory(st)...)
	msgs = append(msgs, types.NewUserMessage(fmt.Sprintf(
		"User request:\n%s\n\nPlan:\n%s\n\nActions taken so far:\n%s\n\n"+
			"Choose ONE action from: %s.\n"+
			"Respond with a JSON object: {\"action\": \"<name>\", \"input\": {<arguments matching the tool schema>}}.\n"+
			"Choose finalize when enough evidence exists to answer.",
		st.UserMessage,
		strings.Join(st.Plan, "\n"),
		log.String(),
		strings.Join(vocabulary, ", "))))
	return msgs
}

func (e *Engine) reflectMessages(st *ConversationState) []types.Message {
	var notes strings.Builder
	fmt.Fprintf(&notes, "User request:\n%s\n\nPlan:\n%s\n\n", st.UserMessage, strings.Join(st.Plan, "\n"))
	notes.WriteString("All actions this run, in order:\n")
	if len(st.ActionLog) == 0 {
		notes.WriteString("None.\n")
	}
	for i, rec := range st.ActionLog {
		if rec.Error != "" {
			fmt.Fprintf(&notes, "%d. %s(%s) -> ERROR: %s\n", i+1, rec.Action, truncate(string(rec.Input), 200), rec.Error)
		} else {
			fmt.Fprintf(&notes, "%d. %s(%s) -> %s\n", i+1, rec.Action, truncate(string(rec.Input), 200), truncate(string(rec.Result), passageSnippetLen))
		}
	}

	return []types.Message{
		types.NewSystemMessage(e.profile.SystemPrompt()),
		types.NewSystemMessage(fmt.Sprintf(
			"If enough information exists, write %s with bullet points and include citations as URLs at the end. "+
				"Otherwise respond %s<short rationale for the next step>. "+
				"If the same action failed repeatedly, do not request it again; finalize with what you have.",
			briefingMarker, continueMarker)),
		types.NewUserMessage(notes.String()),
	}
}

// trimmedHistory converts prior turns to messages, oldest first, dropping the
// oldest turns once the token budget is exceeded. A zero budget disables
// trimming.
func (e *Engine) trimmedHistory(st *ConversationState) []types.Message {
	if len(st.History) == 0 {
		return nil
	}
	if e.historyTokenBudget <= 0 {
		return st.History
	}

	total := 0
	start := len(st.History)
	// Walk newest to oldest, keeping the most recent turns within budget.
	for i := len(st.History) - 1; i >= 0; i-- {
		total += countTokens(st.History[i].Content)
		if total > e.historyTokenBudget {
			break
		}
		start = i
	}
	return st.History[start:]
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// countTokens counts tokens with the cl100k_base encoding, falling back to a
// bytes/4 estimate when the encoding is unavailable (e.g. offline first run).
func countTokens(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return len(text) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
