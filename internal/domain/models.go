// Package domain defines the persistence models for conversations, messages,
// knowledge bases, and ingested files. These types are mapped with GORM and
// form the core data layer of the retrieval-augmented chat application.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// DefaultConversationTitle is the sentinel title assigned to a conversation at
// creation time. A conversation still carrying this title after its first
// exchange is eligible for automatic title generation.
const DefaultConversationTitle = "New chat"

// Message roles. Messages authored by the application itself use RoleSystem.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Ingested-file processing states. Transitions are monotone:
// pending → processing → completed, or pending/processing → failed.
// No transition leaves a terminal state.
const (
	FileStatusPending    = "pending"
	FileStatusProcessing = "processing"
	FileStatusCompleted  = "completed"
	FileStatusFailed     = "failed"
)

// Conversation represents a chat owned by a user. Each conversation has a
// scenario tag selecting its prompt template and retrieval policy, an optional
// knowledge-base reference, and an ordered sequence of messages.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the owner; indexed for efficient retrieval.
//   - Title: human-readable title; defaults to the "New chat" sentinel and is
//     replaced exactly once by the title generator after the first exchange.
//   - Scenario: tag selecting the prompt template (e.g. "devops_tool").
//   - KnowledgeBaseID: optional reference to the knowledge base used for
//     retrieval; set to NULL when that knowledge base is deleted.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker.
type Conversation struct {
	ID              string         `json:"id"                gorm:"type:char(36);primaryKey"`
	UserID          string         `json:"user_id"           gorm:"type:varchar(64);not null;index:idx_user_convs"`
	Title           string         `json:"title"             gorm:"type:varchar(200);not null;default:'New chat'"`
	Scenario        string         `json:"scenario"          gorm:"type:varchar(50);not null;index"`
	KnowledgeBaseID *string        `json:"knowledge_base_id" gorm:"type:char(36);index"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-"                 gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message represents a single utterance within a conversation. Messages are
// append-only: they are never mutated after creation, and their retrieval
// order is (CreatedAt, ID) ascending.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ConversationID: foreign key to the owning conversation (indexed).
//   - Role: "user", "assistant", or "system" (enforced by DB constraint).
//   - Content: full text content of the message.
//   - KnowledgeBaseID: the knowledge base consulted when the message was
//     created, if any.
//   - CreatedAt: insertion timestamp; part of the ordering key.
type Message struct {
	ID              string         `json:"id"                gorm:"type:char(36);primaryKey"`
	ConversationID  string         `json:"conversation_id"   gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	Role            string         `json:"role"              gorm:"type:varchar(20);not null;check:role IN ('user','assistant','system')"`
	Content         string         `json:"content"           gorm:"type:text;not null"`
	KnowledgeBaseID *string        `json:"knowledge_base_id,omitempty" gorm:"type:char(36)"`
	CreatedAt       time.Time      `json:"created_at"        gorm:"index:idx_conv_msgs,priority:2"`
	DeletedAt       gorm.DeletedAt `json:"-"                 gorm:"index"`

	// Conversation is the parent chat. Messages are cascade-deleted if their
	// conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// KnowledgeBase represents one knowledge source backed by a vector-store
// collection. The collection name is allocated once at creation and is never
// reused after deletion.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - Name / Description: operator-facing metadata.
//   - CollectionName: the vector-store collection holding this base's chunks;
//     unique across live rows.
//   - FileCount: derived count of owned files with status "completed";
//     recomputed after every successful ingestion commit.
type KnowledgeBase struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	Name           string         `json:"name"            gorm:"type:varchar(200);not null"`
	Description    string         `json:"description"     gorm:"type:text"`
	CollectionName string         `json:"collection_name" gorm:"type:varchar(100);not null;uniqueIndex"`
	FileCount      int            `json:"file_count"      gorm:"not null;default:0"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`
}

// TableName returns the database table name for KnowledgeBase.
func (KnowledgeBase) TableName() string { return "knowledge_bases" }

// KnowledgeFile represents a document uploaded into a knowledge base. Its
// Status, ChunkCount, and ProcessedAt fields are pollable by clients while the
// ingestion pipeline works through the file in the background.
//
// A file is owned exclusively by its knowledge base and is deleted with it.
type KnowledgeFile struct {
	ID              string         `json:"id"                gorm:"type:char(36);primaryKey"`
	KnowledgeBaseID string         `json:"knowledge_base_id" gorm:"type:char(36);not null;index"`
	Filename        string         `json:"filename"          gorm:"type:varchar(500);not null"`
	FilePath        string         `json:"-"                 gorm:"type:varchar(1000);not null"`
	FileSize        int64          `json:"file_size"`
	FileType        string         `json:"file_type"         gorm:"type:varchar(50)"`
	Status          string         `json:"status"            gorm:"type:varchar(20);not null;default:'pending';check:status IN ('pending','processing','completed','failed')"`
	ChunkCount      int            `json:"chunk_count"       gorm:"not null;default:0"`
	UploadedAt      time.Time      `json:"uploaded_at"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	DeletedAt       gorm.DeletedAt `json:"-"                 gorm:"index"`

	// KnowledgeBase is the owning source. File rows are cascade-deleted when
	// the knowledge base is removed.
	KnowledgeBase KnowledgeBase `json:"-" gorm:"foreignKey:KnowledgeBaseID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for KnowledgeFile.
func (KnowledgeFile) TableName() string { return "knowledge_files" }

// TerminalFileStatus reports whether s is a terminal ingestion state.
func TerminalFileStatus(s string) bool {
	return s == FileStatusCompleted || s == FileStatusFailed
}

// ValidFileTransition reports whether moving a file from one status to another
// follows the monotone pending → processing → {completed,failed} machine.
func ValidFileTransition(from, to string) bool {
	switch from {
	case FileStatusPending:
		return to == FileStatusProcessing || to == FileStatusFailed
	case FileStatusProcessing:
		return to == FileStatusCompleted || to == FileStatusFailed
	default:
		return false
	}
}
