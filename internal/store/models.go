package store

import "time"

// SyncStatus tracks where a document stands relative to the external
// knowledge index.
type SyncStatus string

const (
	StatusPending   SyncStatus = "PENDING"
	StatusCompleted SyncStatus = "COMPLETED"
	StatusFailed    SyncStatus = "FAILED"
	StatusDetached  SyncStatus = "DETACHED"
)

// Document is the authoritative local record of a knowledge base entry.
// ExternalID is set only while a matching remote document is believed to
// exist; COMPLETED implies non-empty ExternalID, PENDING and FAILED imply
// empty.
type Document struct {
	ID          string
	OwnerID     string
	Name        string
	Content     string
	ContentHash string
	ExternalID  string
	SyncStatus  SyncStatus
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AgentLink records that a document is attached to a conversational agent.
type AgentLink struct {
	DocumentID string
	AgentID    string
	CreatedAt  time.Time
}
