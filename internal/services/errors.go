// Package services defines the business logic for conversations, streaming
// chat, and knowledge-base management. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

// Conversation-related errors.
var (
	// ErrConversationNotFound indicates that the requested conversation does
	// not exist or is not accessible to the current user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyPrompt is returned when a chat request contains an empty
	// message.
	ErrEmptyPrompt = errors.New("message is empty")

	// ErrTooLong is returned when a chat request exceeds the maximum
	// configured length limit.
	ErrTooLong = errors.New("message too long")

	// ErrInvalidScenario is returned when a request names a scenario outside
	// the supported set.
	ErrInvalidScenario = errors.New("unknown scenario")
)

// Knowledge-base errors.
var (
	// ErrKnowledgeBaseNotFound indicates that the referenced knowledge base
	// does not exist.
	ErrKnowledgeBaseNotFound = errors.New("knowledge base not found")

	// ErrFileNotFound indicates that the requested knowledge file does not
	// exist within the knowledge base.
	ErrFileNotFound = errors.New("knowledge file not found")

	// ErrUnsupportedFileType is returned when an upload's extension is not
	// one of the ingestible formats.
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrEmptyFile is returned when an uploaded file contains no bytes.
	ErrEmptyFile = errors.New("uploaded file is empty")
)
