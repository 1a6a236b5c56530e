package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-rag-backend/internal/ai"
	"github.com/tbourn/go-rag-backend/internal/domain"
	"github.com/tbourn/go-rag-backend/internal/repo"
)

// fakeStreamModel scripts the token stream for one or more turns.
type fakeStreamModel struct {
	mu         sync.Mutex
	tokens     []string
	streamErr  error  // returned from Stream itself
	tokenErr   error  // delivered as a Token.Err after the scripted tokens
	hang       bool   // never deliver and never close
	lastPrompt string // prompt passed to the last Stream call
	completion string
}

func (f *fakeStreamModel) Stream(ctx context.Context, prompt string) (<-chan ai.Token, error) {
	f.mu.Lock()
	f.lastPrompt = prompt
	f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan ai.Token)
	go func() {
		if f.hang {
			<-ctx.Done()
			close(ch)
			return
		}
		defer close(ch)
		for _, tok := range f.tokens {
			select {
			case <-ctx.Done():
				return
			case ch <- ai.Token{Content: tok}:
			}
		}
		if f.tokenErr != nil {
			select {
			case <-ctx.Done():
			case ch <- ai.Token{Err: f.tokenErr}:
			}
		}
	}()
	return ch, nil
}

func (f *fakeStreamModel) Complete(ctx context.Context, prompt string) (string, error) {
	if f.completion == "" {
		return "Chat", nil
	}
	return f.completion, nil
}

func (f *fakeStreamModel) prompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrompt
}

func newStreamSvc(t *testing.T, db *gorm.DB, model ai.ChatModel) *StreamService {
	t.Helper()
	titles, err := NewTitleGenerator(db, model, 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(titles.Release)
	return &StreamService{
		DB:             db,
		Model:          model,
		Titles:         titles,
		HistoryLimit:   7,
		StreamTimeout:  5 * time.Second,
		TokenDelay:     0,
		MaxPromptRunes: 4000,
	}
}

// collect drains the event stream into its parts.
func collect(t *testing.T, events <-chan StreamEvent) (tokens []string, final StreamEvent, done bool) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return tokens, final, done
			}
			switch {
			case ev.Done:
				done = true
			case ev.Token != "":
				tokens = append(tokens, ev.Token)
			default:
				final = ev
			}
		case <-deadline:
			t.Fatal("stream never finished")
		}
	}
}

func assistantMessages(t *testing.T, db *gorm.DB, convID string) []domain.Message {
	t.Helper()
	msgs, err := repo.ListMessages(db, convID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var out []domain.Message
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestRespond_EmptyMessage(t *testing.T) {
	svc := newStreamSvc(t, newSvcDB(t), &fakeStreamModel{})

	if _, err := svc.Respond(context.Background(), StreamRequest{UserID: "u1", Message: "   "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestRespond_MessageTooLong(t *testing.T) {
	svc := newStreamSvc(t, newSvcDB(t), &fakeStreamModel{})
	svc.MaxPromptRunes = 10

	if _, err := svc.Respond(context.Background(), StreamRequest{UserID: "u1", Message: strings.Repeat("x", 11)}); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestRespond_UnknownConversation(t *testing.T) {
	svc := newStreamSvc(t, newSvcDB(t), &fakeStreamModel{})

	_, err := svc.Respond(context.Background(), StreamRequest{UserID: "u1", ConversationID: "missing", Message: "hi"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestRespond_NewConversationFullTurn(t *testing.T) {
	db := newSvcDB(t)
	model := &fakeStreamModel{tokens: []string{"Hello", " ", "world"}, completion: "Greeting"}
	svc := newStreamSvc(t, db, model)

	events, err := svc.Respond(context.Background(), StreamRequest{UserID: "u1", Scenario: "general", Message: "say hi"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	tokens, final, done := collect(t, events)
	if !done {
		t.Fatal("missing done event")
	}
	if strings.Join(tokens, "") != "Hello world" {
		t.Fatalf("tokens = %q", tokens)
	}
	if final.FullResponse != "Hello world" {
		t.Fatalf("full_response = %q", final.FullResponse)
	}
	if final.ConversationID == "" || final.NewConversationID != final.ConversationID {
		t.Fatalf("new conversation ids wrong: %+v", final)
	}
	if final.ConversationTitle == "" || final.ConversationTitle == domain.DefaultConversationTitle {
		t.Fatalf("title = %q", final.ConversationTitle)
	}

	msgs, err := repo.ListMessages(db, final.ConversationID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("persisted turn wrong: %+v", msgs)
	}
	if msgs[1].Content != "Hello world" {
		t.Fatalf("assistant content = %q", msgs[1].Content)
	}

	conv, err := repo.GetConversation(context.Background(), db, final.ConversationID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title == domain.DefaultConversationTitle {
		t.Fatal("sentinel title survived the first exchange")
	}
}

func TestRespond_ExistingConversationKeepsTitle(t *testing.T) {
	db := newSvcDB(t)
	model := &fakeStreamModel{tokens: []string{"ok"}}
	svc := newStreamSvc(t, db, model)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, db, "u1", "My deploys", "general", nil)
	if err != nil {
		t.Fatal(err)
	}

	events, err := svc.Respond(ctx, StreamRequest{UserID: "u1", ConversationID: conv.ID, Message: "next step?"})
	if err != nil {
		t.Fatal(err)
	}
	_, final, _ := collect(t, events)

	if final.NewConversationID != "" || final.ConversationTitle != "" {
		t.Fatalf("existing conversation must not carry creation fields: %+v", final)
	}
	got, _ := repo.GetConversation(ctx, db, conv.ID, "u1")
	if got.Title != "My deploys" {
		t.Fatalf("title changed to %q", got.Title)
	}
}

func TestRespond_HistoryWindowInPrompt(t *testing.T) {
	db := newSvcDB(t)
	model := &fakeStreamModel{tokens: []string{"ok"}}
	svc := newStreamSvc(t, db, model)
	svc.HistoryLimit = 3
	ctx := context.Background()

	conv, _ := repo.CreateConversation(ctx, db, "u1", "t", "general", nil)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		m := &domain.Message{
			ID:             "m" + string(rune('0'+i)),
			ConversationID: conv.ID,
			Role:           domain.RoleUser,
			Content:        "history entry " + string(rune('0'+i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.Create(m).Error; err != nil {
			t.Fatal(err)
		}
	}

	events, err := svc.Respond(ctx, StreamRequest{UserID: "u1", ConversationID: conv.ID, Message: "latest question"})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, events)

	prompt := model.prompt()
	for _, want := range []string{"history entry 3", "history entry 4", "history entry 5"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	for _, not := range []string{"history entry 0", "history entry 1", "history entry 2"} {
		if strings.Contains(prompt, not) {
			t.Fatalf("prompt carries %q beyond the window:\n%s", not, prompt)
		}
	}
	// the just-saved user message appears as the question, not as history
	if strings.Count(prompt, "latest question") != 1 {
		t.Fatalf("question duplicated in prompt:\n%s", prompt)
	}
}

func TestRespond_DisconnectPersistsDeliveredTokens(t *testing.T) {
	db := newSvcDB(t)
	model := &fakeStreamModel{tokens: []string{"alpha ", "beta ", "gamma ", "delta ", "epsilon"}}
	svc := newStreamSvc(t, db, model)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := svc.Respond(ctx, StreamRequest{UserID: "u1", Scenario: "general", Message: "long answer"})
	if err != nil {
		t.Fatal(err)
	}

	// take two tokens, then drop the connection
	var received []string
	for len(received) < 2 {
		ev, ok := <-events
		if !ok {
			t.Fatal("stream closed early")
		}
		if ev.Token != "" {
			received = append(received, ev.Token)
		}
	}
	cancel()

	// the persisted answer must match exactly what was delivered
	var got []domain.Message
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var convs []domain.Conversation
		if err := db.Where("user_id = ?", "u1").Find(&convs).Error; err != nil {
			t.Fatal(err)
		}
		if len(convs) == 1 {
			got = assistantMessages(t, db, convs[0].ID)
			if len(got) == 1 {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(got) != 1 {
		t.Fatal("assistant message never persisted")
	}
	if got[0].Content != "alpha beta " {
		t.Fatalf("persisted %q, want %q", got[0].Content, "alpha beta ")
	}
}

func TestRespond_TimeoutAppendsMarker(t *testing.T) {
	db := newSvcDB(t)
	model := &fakeStreamModel{hang: true}
	svc := newStreamSvc(t, db, model)
	svc.StreamTimeout = 50 * time.Millisecond

	events, err := svc.Respond(context.Background(), StreamRequest{UserID: "u1", Scenario: "general", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	tokens, final, done := collect(t, events)

	if !done {
		t.Fatal("missing done event")
	}
	if len(tokens) != 1 || tokens[0] != "[timeout]" {
		t.Fatalf("tokens = %q", tokens)
	}
	if final.FullResponse != "[timeout]" {
		t.Fatalf("full_response = %q", final.FullResponse)
	}

	msgs := assistantMessages(t, db, final.ConversationID)
	if len(msgs) != 1 || msgs[0].Content != "[timeout]" {
		t.Fatalf("persisted answer wrong: %+v", msgs)
	}
}

func TestRespond_ModelFailureAppendsMarker(t *testing.T) {
	db := newSvcDB(t)
	model := &fakeStreamModel{tokens: []string{"partial "}, tokenErr: errors.New("upstream reset")}
	svc := newStreamSvc(t, db, model)

	events, err := svc.Respond(context.Background(), StreamRequest{UserID: "u1", Scenario: "general", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	tokens, final, done := collect(t, events)

	if !done {
		t.Fatal("missing done event")
	}
	joined := strings.Join(tokens, "")
	if joined != "partial [generation failed: upstream reset]" {
		t.Fatalf("tokens = %q", joined)
	}
	if final.FullResponse != joined {
		t.Fatalf("full_response = %q", final.FullResponse)
	}

	msgs := assistantMessages(t, db, final.ConversationID)
	if len(msgs) != 1 || msgs[0].Content != joined {
		t.Fatalf("persisted answer wrong: %+v", msgs)
	}
}

func TestRespond_StreamOpenFailure(t *testing.T) {
	db := newSvcDB(t)
	model := &fakeStreamModel{streamErr: errors.New("connect refused")}
	svc := newStreamSvc(t, db, model)

	events, err := svc.Respond(context.Background(), StreamRequest{UserID: "u1", Scenario: "general", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	tokens, final, done := collect(t, events)

	if !done {
		t.Fatal("missing done event")
	}
	if len(tokens) != 1 || !strings.HasPrefix(tokens[0], "[generation failed:") {
		t.Fatalf("tokens = %q", tokens)
	}
	if !strings.Contains(final.FullResponse, "connect refused") {
		t.Fatalf("full_response = %q", final.FullResponse)
	}
}
