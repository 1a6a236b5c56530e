package ai

import (
	"fmt"
	"strings"
)

// Scenario tags with a fixed, pre-provisioned collection. Conversations in
// these scenarios retrieve context even without an explicit knowledge base.
const (
	ScenarioDevOpsTool    = "devops_tool"
	ScenarioProductManual = "product_manual"
	ScenarioGeneral       = "general"
)

// ScenarioCollection maps fixed scenarios to their vector-store collections.
// Scenarios absent from this map chat without retrieval unless the caller
// supplies a knowledge base id.
var ScenarioCollection = map[string]string{
	ScenarioDevOpsTool:    "devops_tool",
	ScenarioProductManual: "product_manual",
}

// ValidScenario reports whether s is one of the supported scenario tags.
func ValidScenario(s string) bool {
	switch s {
	case ScenarioDevOpsTool, ScenarioProductManual, ScenarioGeneral:
		return true
	}
	return false
}

// scenarioPreambles selects the assistant persona per scenario. Unknown
// scenarios fall back to the general preamble.
var scenarioPreambles = map[string]string{
	ScenarioDevOpsTool:    "You are an operations assistant. Answer questions about deployment, monitoring, and troubleshooting using the reference material when it is relevant.",
	ScenarioProductManual: "You are a product support assistant. Answer questions strictly from the product manual excerpts provided; say so when the excerpts do not cover the question.",
	ScenarioGeneral:       "You are a helpful assistant.",
}

// HistoryEntry is one prior turn included in the prompt.
type HistoryEntry struct {
	Role    string
	Content string
}

// PromptInput carries everything the prompt builder needs for one turn.
type PromptInput struct {
	Scenario          string
	Context           string // retrieved chunks joined with blank lines; may be empty
	History           []HistoryEntry
	Question          string
	KnowledgeBaseName string // display name of the source the context came from
}

// BuildPrompt assembles the completion prompt for one chat turn. Sections are
// omitted when empty so contextless turns stay compact.
func BuildPrompt(in PromptInput) string {
	pre, ok := scenarioPreambles[in.Scenario]
	if !ok {
		pre = scenarioPreambles[ScenarioGeneral]
	}

	var b strings.Builder
	b.WriteString(pre)
	b.WriteString("\n")

	if in.Context != "" {
		if in.KnowledgeBaseName != "" {
			fmt.Fprintf(&b, "\nReference material from %q:\n", in.KnowledgeBaseName)
		} else {
			b.WriteString("\nReference material:\n")
		}
		b.WriteString(in.Context)
		b.WriteString("\n")
	}

	if len(in.History) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, h := range in.History {
			fmt.Fprintf(&b, "%s: %s\n", h.Role, h.Content)
		}
	}

	b.WriteString("\nuser: ")
	b.WriteString(in.Question)
	b.WriteString("\nassistant:")
	return b.String()
}

// BuildTitlePrompt assembles the short prompt used to generate a conversation
// title from the user's first message.
func BuildTitlePrompt(question string) string {
	return "Summarize the following message as a conversation title of at most ten characters. " +
		"Reply with the title only, no punctuation or quotes.\n\nMessage: " + question
}
