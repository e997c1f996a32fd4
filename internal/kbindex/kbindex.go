// Package kbindex talks to the external knowledge index that conversational
// agents retrieve from. The index is a single-tenant, eventually-consistent
// flat set of documents: there is no update primitive, and a document that
// is attached to an agent cannot be deleted.
package kbindex

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound reports that the remote document does not exist. Delete and
// Detach treat it as success; everything else surfaces it.
var ErrNotFound = errors.New("kbindex: document not found")

// ErrDocumentInUse reports that the remote document is still attached to at
// least one agent and cannot be deleted.
var ErrDocumentInUse = errors.New("kbindex: document attached to an agent")

// TransientError marks a failure worth retrying: network trouble, timeouts,
// remote 5xx. Terminal outcomes (not found, in use, invalid request) are
// never wrapped in it.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("kbindex: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client is the narrow surface of the external knowledge index. All calls
// are blocking I/O against a remote service that is slow, fallible and
// shared by every owner on the account.
type Client interface {
	// Create uploads a new document and returns the id the index knows it by.
	Create(ctx context.Context, name, content string) (string, error)
	// Delete removes a document. A missing document is success.
	Delete(ctx context.Context, externalID string) error
	// Attach makes the document retrievable by the given agent.
	Attach(ctx context.Context, externalID, agentID string) error
	// Detach removes the document from the agent's scope. A missing
	// document is success.
	Detach(ctx context.Context, externalID, agentID string) error
	// List returns the ids of every document the index currently holds.
	List(ctx context.Context) ([]string, error)
}
