// Streaming chat HTTP handler.
//
// This file exposes POST /chat/stream, the endpoint that runs one
// retrieval-augmented chat turn and streams the answer back as Server-Sent
// Events. The wire protocol, in order:
//
//	data: {"token":"..."}            zero or more times
//	data: {"full_response":"...","conversation_id":"...",
//	       "new_conversation_id":"...","conversation_title":"..."}
//	data: [DONE]
//
// new_conversation_id and conversation_title appear only when the turn
// created the conversation. Once the stream has started, model failures and
// timeouts travel inside it as bracketed token text; the HTTP status is
// always 200 at that point.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-rag-backend/internal/http/middleware"
	"github.com/tbourn/go-rag-backend/internal/services"
)

// doneSentinel terminates every event stream.
const doneSentinel = "[DONE]"

// StreamChatRequest is the JSON payload for one chat turn.
type StreamChatRequest struct {
	// ConversationID continues an existing conversation; empty creates one.
	ConversationID string `json:"conversation_id"`
	// Message is the user's input for this turn.
	Message string `json:"message" binding:"required"`
	// Scenario selects the prompt template for a new conversation.
	Scenario string `json:"scenario"`
	// KnowledgeBaseID binds a new conversation to a knowledge base.
	KnowledgeBaseID *string `json:"knowledge_base_id"`
}

// tokenEvent is the wire shape of one streamed token.
type tokenEvent struct {
	Token string `json:"token"`
}

// completionEvent is the wire shape of the final payload.
type completionEvent struct {
	FullResponse      string `json:"full_response"`
	ConversationID    string `json:"conversation_id"`
	NewConversationID string `json:"new_conversation_id,omitempty"`
	ConversationTitle string `json:"conversation_title,omitempty"`
}

// StreamChat runs one chat turn and streams the answer as SSE. Validation
// failures before the stream opens are plain JSON errors; afterwards the
// stream always ends with the completion event and the done sentinel.
func (h *Handlers) StreamChat(c *gin.Context) {
	var req StreamChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message is required")
		return
	}

	events, err := h.streamSvc.Respond(c.Request.Context(), services.StreamRequest{
		UserID:          userID(c),
		ConversationID:  req.ConversationID,
		Scenario:        req.Scenario,
		KnowledgeBaseID: req.KnowledgeBaseID,
		Message:         req.Message,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyPrompt), errors.Is(err, services.ErrTooLong),
			errors.Is(err, services.ErrInvalidScenario):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		case errors.Is(err, services.ErrConversationNotFound), errors.Is(err, services.ErrKnowledgeBaseNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeStreamFailed, err.Error())
		}
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	// Disable proxy buffering so tokens reach the client as they are emitted.
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	lg := middleware.LoggerFrom(c)
	c.Stream(func(w io.Writer) bool {
		ev, open := <-events
		if !open {
			return false
		}
		switch {
		case ev.Done:
			writeSSE(w, []byte(doneSentinel))
			return false
		case ev.FullResponse != "" || ev.ConversationID != "":
			payload, err := json.Marshal(completionEvent{
				FullResponse:      ev.FullResponse,
				ConversationID:    ev.ConversationID,
				NewConversationID: ev.NewConversationID,
				ConversationTitle: ev.ConversationTitle,
			})
			if err != nil {
				lg.Error().Err(err).Msg("could not encode completion event")
				return false
			}
			writeSSE(w, payload)
			return true
		default:
			payload, err := json.Marshal(tokenEvent{Token: ev.Token})
			if err != nil {
				lg.Error().Err(err).Msg("could not encode token event")
				return true
			}
			writeSSE(w, payload)
			return true
		}
	})
}

// writeSSE emits one `data:` frame. A write error means the client is gone;
// the orchestrator notices through context cancellation, so it is ignored
// here.
func writeSSE(w io.Writer, payload []byte) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
