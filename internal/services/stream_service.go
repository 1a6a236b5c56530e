// Package services – StreamService
//
// This file implements the streaming chat orchestrator. One call produces one
// live event stream: zero or more token events, exactly one completion event
// carrying the full answer, then a terminal done event. The user message is
// persisted before any generation; the accumulated answer is persisted in a
// guaranteed cleanup phase on every exit path, so a caller disconnecting
// mid-stream still leaves a consistent conversation. Model timeouts and
// failures surface as bracketed inline text inside the answer, never as a
// broken stream.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-rag-backend/internal/ai"
	"github.com/tbourn/go-rag-backend/internal/domain"
	"github.com/tbourn/go-rag-backend/internal/observability"
	"github.com/tbourn/go-rag-backend/internal/repo"
	"github.com/tbourn/go-rag-backend/internal/retriever"
)

// StreamRequest carries one chat turn's input.
type StreamRequest struct {
	UserID string
	// ConversationID selects an existing conversation; empty means create a
	// new one from Scenario and KnowledgeBaseID.
	ConversationID  string
	Scenario        string
	KnowledgeBaseID *string
	Message         string
}

// StreamEvent is one item of the orchestrator's output stream. Exactly one
// of the three shapes is populated: a token, the completion payload, or Done.
type StreamEvent struct {
	Token string

	FullResponse      string
	ConversationID    string
	NewConversationID string
	ConversationTitle string

	Done bool
}

// StreamService orchestrates retrieval-augmented streaming chat turns.
type StreamService struct {
	DB     *gorm.DB
	Model  ai.ChatModel
	Cache  *retriever.Cache
	Titles *TitleGenerator

	// HistoryLimit is how many prior messages feed the prompt.
	HistoryLimit int
	// StreamTimeout bounds one model stream end to end.
	StreamTimeout time.Duration
	// TokenDelay paces token emission toward the transport.
	TokenDelay time.Duration
	// MaxPromptRunes caps the user message length.
	MaxPromptRunes int
}

// Respond runs one chat turn. Validation, conversation resolution, and
// user-message persistence happen synchronously; a returned error means no
// stream was opened. The returned channel is closed after the done event.
func (s *StreamService) Respond(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error) {
	tr := otel.Tracer("services/StreamService")
	ctx, span := tr.Start(ctx, "Respond",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID),
			attribute.String("conversation.id", req.ConversationID),
		),
	)

	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		span.End()
		return nil, ErrEmptyPrompt
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(msg) > s.MaxPromptRunes {
		span.End()
		return nil, ErrTooLong
	}

	conv, created, err := s.resolveConversation(ctx, req)
	if err != nil {
		span.End()
		return nil, err
	}

	// The user message is durable before any generation starts.
	userMsg, err := repo.CreateMessage(s.DB.WithContext(ctx), conv.ID, domain.RoleUser, msg, conv.KnowledgeBaseID)
	if err != nil {
		span.End()
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer span.End()
		defer close(events)
		s.stream(ctx, events, conv, created, userMsg)
	}()
	return events, nil
}

// resolveConversation loads the requested conversation or creates a fresh one
// when no id was supplied.
func (s *StreamService) resolveConversation(ctx context.Context, req StreamRequest) (*domain.Conversation, bool, error) {
	if req.ConversationID != "" {
		conv, err := repo.GetConversation(ctx, s.DB, req.ConversationID, req.UserID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, false, ErrConversationNotFound
			}
			return nil, false, err
		}
		return conv, false, nil
	}

	scenario := req.Scenario
	if scenario == "" {
		scenario = ai.ScenarioGeneral
	}
	if !ai.ValidScenario(scenario) {
		return nil, false, ErrInvalidScenario
	}
	if req.KnowledgeBaseID != nil {
		if _, err := repo.GetKnowledgeBase(ctx, s.DB, *req.KnowledgeBaseID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, false, ErrKnowledgeBaseNotFound
			}
			return nil, false, err
		}
	}
	conv, err := repo.CreateConversation(ctx, s.DB, req.UserID, domain.DefaultConversationTitle, scenario, req.KnowledgeBaseID)
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// stream produces the event sequence for one turn. ctx is the caller's
// connection context: its cancellation means the caller is gone and stops
// emission, but the cleanup phase still persists whatever was accumulated.
func (s *StreamService) stream(ctx context.Context, events chan<- StreamEvent, conv *domain.Conversation, created bool, userMsg *domain.Message) {
	var answer strings.Builder
	outcome := "completed"

	observability.StreamsInflight.Inc()
	// Persist-and-finish runs on every exit path.
	defer func() {
		observability.StreamsInflight.Dec()
		observability.StreamOutcomes.WithLabelValues(outcome).Inc()
		s.finish(ctx, events, conv, created, userMsg, answer.String())
	}()

	history := s.loadHistory(ctx, conv.ID, userMsg.ID)
	contextText, kbName := s.retrieveContext(ctx, conv, userMsg.Content)

	prompt := ai.BuildPrompt(ai.PromptInput{
		Scenario:          conv.Scenario,
		Context:           contextText,
		History:           history,
		Question:          userMsg.Content,
		KnowledgeBaseName: kbName,
	})

	streamCtx, cancel := context.WithTimeout(ctx, s.streamTimeout())
	defer cancel()

	tokens, err := s.Model.Stream(streamCtx, prompt)
	if err != nil {
		outcome = "failed"
		s.emitInline(ctx, events, &answer, "[generation failed: "+err.Error()+"]")
		return
	}

	for {
		select {
		case <-streamCtx.Done():
			if ctx.Err() != nil {
				outcome = "disconnected"
			} else if errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
				outcome = "timeout"
				s.emitInline(ctx, events, &answer, "[timeout]")
			}
			return
		case tok, ok := <-tokens:
			if !ok {
				return
			}
			if tok.Err != nil {
				switch {
				case ctx.Err() != nil:
					outcome = "disconnected"
				case errors.Is(streamCtx.Err(), context.DeadlineExceeded):
					outcome = "timeout"
					s.emitInline(ctx, events, &answer, "[timeout]")
				default:
					outcome = "failed"
					s.emitInline(ctx, events, &answer, "[generation failed: "+tok.Err.Error()+"]")
				}
				return
			}
			if tok.Content == "" {
				continue
			}
			// The answer buffer only holds tokens that were actually
			// delivered, so a disconnected caller's persisted answer matches
			// exactly what they received.
			select {
			case <-ctx.Done():
				outcome = "disconnected"
				return
			case events <- StreamEvent{Token: tok.Content}:
				answer.WriteString(tok.Content)
				observability.StreamTokens.Inc()
			}
			if s.TokenDelay > 0 {
				select {
				case <-ctx.Done():
					outcome = "disconnected"
					return
				case <-time.After(s.TokenDelay):
				}
			}
		}
	}
}

// emitInline appends an error marker to the answer and best-effort emits it
// as a token. The marker is part of the persisted answer either way.
func (s *StreamService) emitInline(ctx context.Context, events chan<- StreamEvent, answer *strings.Builder, marker string) {
	answer.WriteString(marker)
	select {
	case <-ctx.Done():
	case events <- StreamEvent{Token: marker}:
	}
}

// finish persists the accumulated answer, triggers titling, and emits the
// completion and done events. Persistence uses a context detached from the
// caller's so a disconnect never loses the answer.
func (s *StreamService) finish(ctx context.Context, events chan<- StreamEvent, conv *domain.Conversation, created bool, userMsg *domain.Message, answer string) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if answer != "" {
		if _, err := repo.CreateMessage(s.DB.WithContext(persistCtx), conv.ID, domain.RoleAssistant, answer, conv.KnowledgeBaseID); err != nil {
			log.Error().Err(err).Str("conversation_id", conv.ID).Msg("could not persist assistant message")
		}
	}
	if err := repo.TouchConversation(persistCtx, s.DB, conv.ID); err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("could not touch conversation")
	}

	title := conv.Title
	if answer != "" && conv.Title == domain.DefaultConversationTitle && s.Titles != nil {
		if t, ok := <-s.Titles.Schedule(TitleTask{ConversationID: conv.ID, UserMessage: userMsg.Content}); ok {
			title = t
		}
	}

	final := StreamEvent{
		FullResponse:   answer,
		ConversationID: conv.ID,
	}
	if created {
		final.NewConversationID = conv.ID
		final.ConversationTitle = title
	}
	select {
	case <-ctx.Done():
		return
	case events <- final:
	}
	select {
	case <-ctx.Done():
	case events <- StreamEvent{Done: true}:
	}
}

// loadHistory returns the most recent prior messages, oldest first, excluding
// the just-saved user message. History failing only costs context.
func (s *StreamService) loadHistory(ctx context.Context, conversationID, excludeID string) []ai.HistoryEntry {
	limit := s.HistoryLimit
	if limit <= 0 {
		limit = 7
	}
	msgs, err := repo.ListRecentMessages(s.DB.WithContext(ctx), conversationID, limit+1)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("could not load history")
		return nil
	}

	entries := make([]ai.HistoryEntry, 0, limit)
	for _, m := range msgs {
		if m.ID == excludeID {
			continue
		}
		entries = append(entries, ai.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// retrieveContext resolves the turn's collection, obtains a retriever through
// the cache, and joins the retrieved chunks. Every failure path degrades to
// an empty context.
func (s *StreamService) retrieveContext(ctx context.Context, conv *domain.Conversation, query string) (contextText, kbName string) {
	if s.Cache == nil {
		return "", ""
	}

	var collection string
	if conv.KnowledgeBaseID != nil {
		kb, err := repo.GetKnowledgeBase(ctx, s.DB, *conv.KnowledgeBaseID)
		if err != nil {
			log.Warn().Err(err).Str("kb_id", *conv.KnowledgeBaseID).Msg("knowledge base unavailable, chatting without context")
			return "", ""
		}
		collection, kbName = kb.CollectionName, kb.Name
	} else if c, ok := ai.ScenarioCollection[conv.Scenario]; ok {
		collection = c
	} else {
		return "", ""
	}

	r, err := s.Cache.Get(ctx, collection)
	if err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("no retriever, chatting without context")
		return "", kbName
	}
	chunks, err := r.Retrieve(ctx, query)
	if err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("retrieval failed, chatting without context")
		return "", kbName
	}

	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.Content)
	}
	return strings.Join(parts, "\n\n"), kbName
}

func (s *StreamService) streamTimeout() time.Duration {
	if s.StreamTimeout > 0 {
		return s.StreamTimeout
	}
	return 180 * time.Second
}
