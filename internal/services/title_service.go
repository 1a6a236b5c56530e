// Package services – TitleGenerator
//
// This file implements asynchronous conversation titling. After the first
// exchange in a conversation, a title task is submitted to a small worker
// pool: it asks the model for a short summary of the user's first message,
// sanitizes and clips it, and writes it as the conversation title. The model
// failing is not an error path a user sees; the task falls back to an excerpt
// of the message, so a conversation that has had an exchange never keeps the
// placeholder title.
package services

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-backend/internal/ai"
	"github.com/tbourn/go-rag-backend/internal/domain"
	"github.com/tbourn/go-rag-backend/internal/repo"
)

const (
	// titleMaxRunes caps model-generated titles.
	titleMaxRunes = 10
	// titleFallbackRunes caps fallback titles taken from the user message.
	titleFallbackRunes = 20
)

// titleSanitizer strips everything except letters, digits, whitespace, and
// Han ideographs from model output.
var titleSanitizer = regexp.MustCompile(`[^0-9A-Za-z\s\p{Han}]`)

// TitleTask is one unit of titling work: which conversation to title and the
// user message to derive the title from.
type TitleTask struct {
	ConversationID string
	UserMessage    string
}

// TitleGenerator runs TitleTasks on a bounded worker pool.
type TitleGenerator struct {
	DB      *gorm.DB
	Model   ai.ChatModel
	Timeout time.Duration

	titleCaser cases.Caser
	pool       *ants.Pool
}

// NewTitleGenerator constructs a TitleGenerator with the given pool size.
func NewTitleGenerator(db *gorm.DB, model ai.ChatModel, workers int) (*TitleGenerator, error) {
	if workers <= 0 {
		workers = 2
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &TitleGenerator{
		DB:         db,
		Model:      model,
		Timeout:    30 * time.Second,
		titleCaser: cases.Title(language.English),
		pool:       pool,
	}, nil
}

// Release shuts down the worker pool.
func (g *TitleGenerator) Release() {
	if g.pool != nil {
		g.pool.Release()
	}
}

// Schedule submits a title task. The returned channel receives the title that
// was stored, then closes; it closes without a value only if nothing could be
// persisted. When the pool rejects the task the work runs inline so the title
// is still assigned.
func (g *TitleGenerator) Schedule(task TitleTask) <-chan string {
	out := make(chan string, 1)
	run := func() {
		defer close(out)
		if title := g.Run(task); title != "" {
			out <- title
		}
	}
	if g.pool == nil {
		go run()
		return out
	}
	if err := g.pool.Submit(run); err != nil {
		log.Warn().Err(err).Str("conversation_id", task.ConversationID).Msg("title pool full, running inline")
		go run()
	}
	return out
}

// Run executes one title task synchronously and returns the stored title, or
// "" when the conversation no longer exists or the write failed.
func (g *TitleGenerator) Run(task TitleTask) string {
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()

	title := g.generate(ctx, task.UserMessage)
	if err := repo.SetConversationTitle(ctx, g.DB, task.ConversationID, title); err != nil {
		log.Error().Err(err).
			Str("conversation_id", task.ConversationID).
			Str("title", title).
			Msg("could not store conversation title")
		return ""
	}
	log.Debug().Str("conversation_id", task.ConversationID).Str("title", title).Msg("conversation titled")
	return title
}

// generate asks the model for a title and sanitizes it; any failure falls
// back to an excerpt of the user message. The result is never empty and never
// the placeholder.
func (g *TitleGenerator) generate(ctx context.Context, userMessage string) string {
	raw, err := g.Model.Complete(ctx, ai.BuildTitlePrompt(userMessage))
	if err != nil {
		log.Warn().Err(err).Msg("title generation failed, using fallback")
		return g.fallbackTitle(userMessage)
	}

	title := titleSanitizer.ReplaceAllString(raw, "")
	title = strings.Join(strings.Fields(title), " ")
	if title == "" || title == domain.DefaultConversationTitle {
		return g.fallbackTitle(userMessage)
	}
	if utf8.RuneCountInString(title) > titleMaxRunes {
		title = string([]rune(title)[:titleMaxRunes]) + "..."
	}
	return title
}

// fallbackTitle derives a title from the user's message alone.
func (g *TitleGenerator) fallbackTitle(userMessage string) string {
	msg := strings.Join(strings.Fields(userMessage), " ")
	if msg == "" {
		return "Untitled"
	}
	if utf8.RuneCountInString(msg) > titleFallbackRunes {
		msg = string([]rune(msg)[:titleFallbackRunes]) + "..."
	}
	return g.titleCaser.String(msg)
}
