package ai

import (
	"strings"
	"testing"
)

func TestValidScenario(t *testing.T) {
	for _, s := range []string{ScenarioDevOpsTool, ScenarioProductManual, ScenarioGeneral} {
		if !ValidScenario(s) {
			t.Errorf("ValidScenario(%q) = false", s)
		}
	}
	for _, s := range []string{"", "bogus", "DEVOPS_TOOL"} {
		if ValidScenario(s) {
			t.Errorf("ValidScenario(%q) = true", s)
		}
	}
}

func TestScenarioCollection_GeneralHasNone(t *testing.T) {
	if _, ok := ScenarioCollection[ScenarioGeneral]; ok {
		t.Fatal("general chat must not retrieve from a fixed collection")
	}
	if ScenarioCollection[ScenarioDevOpsTool] == "" || ScenarioCollection[ScenarioProductManual] == "" {
		t.Fatalf("fixed scenarios missing collections: %+v", ScenarioCollection)
	}
}

func TestBuildPrompt_Full(t *testing.T) {
	got := BuildPrompt(PromptInput{
		Scenario:          ScenarioDevOpsTool,
		Context:           "chunk one\n\nchunk two",
		History:           []HistoryEntry{{Role: "user", Content: "earlier question"}, {Role: "assistant", Content: "earlier answer"}},
		Question:          "current question",
		KnowledgeBaseName: "runbooks",
	})

	for _, want := range []string{
		"operations assistant",
		`Reference material from "runbooks":`,
		"chunk one",
		"user: earlier question",
		"assistant: earlier answer",
		"user: current question",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "assistant:") {
		t.Errorf("prompt must end with the assistant cue:\n%s", got)
	}
	// history before question
	if strings.Index(got, "earlier question") > strings.Index(got, "current question") {
		t.Error("history placed after the question")
	}
}

func TestBuildPrompt_OmitsEmptySections(t *testing.T) {
	got := BuildPrompt(PromptInput{
		Scenario: ScenarioGeneral,
		Question: "just a question",
	})
	if strings.Contains(got, "Reference material") {
		t.Errorf("empty context produced a reference section:\n%s", got)
	}
	if strings.Contains(got, "Conversation so far") {
		t.Errorf("empty history produced a history section:\n%s", got)
	}
}

func TestBuildPrompt_UnknownScenarioFallsBack(t *testing.T) {
	got := BuildPrompt(PromptInput{Scenario: "mystery", Question: "q"})
	if !strings.Contains(got, "helpful assistant") {
		t.Errorf("unknown scenario did not fall back to the general preamble:\n%s", got)
	}
}

func TestBuildPrompt_ContextWithoutName(t *testing.T) {
	got := BuildPrompt(PromptInput{
		Scenario: ScenarioProductManual,
		Context:  "manual excerpt",
		Question: "q",
	})
	if !strings.Contains(got, "Reference material:\n") {
		t.Errorf("unnamed context section wrong:\n%s", got)
	}
	if strings.Contains(got, "from \"") {
		t.Errorf("name attribution leaked:\n%s", got)
	}
}

func TestBuildTitlePrompt(t *testing.T) {
	got := BuildTitlePrompt("how do I roll back?")
	if !strings.Contains(got, "how do I roll back?") {
		t.Errorf("message missing from title prompt: %s", got)
	}
	if !strings.Contains(got, "title") {
		t.Errorf("instruction missing: %s", got)
	}
}
