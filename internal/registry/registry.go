// Package registry tracks which documents are attached to which
// conversational agents. It is the local mirror of attachment state, used
// by the sync orchestrator to sequence detach and reattach steps; it makes
// no external calls of its own.
package registry

import "context"

type Registry interface {
	// LinksFor returns the agent ids the document is attached to.
	LinksFor(ctx context.Context, documentID string) ([]string, error)
	// DocumentsFor returns the document ids attached to the agent.
	DocumentsFor(ctx context.Context, agentID string) ([]string, error)
	Attach(ctx context.Context, documentID, agentID string) error
	Detach(ctx context.Context, documentID, agentID string) error
	IsInUse(ctx context.Context, documentID string) (bool, error)
	// RemoveDocument drops every link the document holds, in one sweep.
	RemoveDocument(ctx context.Context, documentID string) error
}
