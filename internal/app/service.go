package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"carenotes/kb/internal/config"
	"carenotes/kb/internal/registry"
	"carenotes/kb/internal/store"
	"carenotes/kb/internal/syncer"
)

// dataStore is the read side of the local document store the service uses
// directly; mutations all go through the orchestrator.
type dataStore interface {
	ListDocuments(ctx context.Context, ownerID string) ([]store.Document, error)
	GetDocument(ctx context.Context, ownerID, documentID string) (store.Document, error)
	Ping(ctx context.Context) error
}

// orchestrator is the mutation protocol surface.
type orchestrator interface {
	Create(ctx context.Context, ownerID, name, content string) (store.Document, error)
	Edit(ctx context.Context, ownerID, documentID, newContent string) (store.Document, error)
	Delete(ctx context.Context, ownerID, documentID string) error
	Attach(ctx context.Context, ownerID, documentID, agentID string) error
	Detach(ctx context.Context, ownerID, documentID, agentID string) error
}

// indexHealth reports external index reachability for readiness checks.
type indexHealth interface {
	Healthy() bool
}

type Service struct {
	cfg    config.Config
	store  dataStore
	links  registry.Registry
	syncer orchestrator
	index  indexHealth
}

func New(cfg config.Config, dataStore dataStore, links registry.Registry, orch orchestrator, index indexHealth) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		links:  links,
		syncer: orch,
		index:  index,
	}
}

// DocumentView is the wire shape of a document, links included.
type DocumentView struct {
	ID          string   `json:"id"`
	OwnerID     string   `json:"ownerId"`
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	ContentHash string   `json:"contentHash"`
	ExternalID  string   `json:"externalId,omitempty"`
	SyncStatus  string   `json:"syncStatus"`
	LastError   string   `json:"lastError,omitempty"`
	AgentIDs    []string `json:"agentIds"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
}

func (s *Service) view(ctx context.Context, doc store.Document) (DocumentView, error) {
	agents, err := s.links.LinksFor(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, err
	}
	return DocumentView{
		ID:          doc.ID,
		OwnerID:     doc.OwnerID,
		Name:        doc.Name,
		Content:     doc.Content,
		ContentHash: doc.ContentHash,
		ExternalID:  doc.ExternalID,
		SyncStatus:  string(doc.SyncStatus),
		LastError:   doc.LastError,
		AgentIDs:    agents,
		CreatedAt:   doc.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   doc.UpdatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) ListDocuments(ctx context.Context, ownerID string) ([]DocumentView, error) {
	docs, err := s.store.ListDocuments(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	views := make([]DocumentView, 0, len(docs))
	for _, doc := range docs {
		v, err := s.view(ctx, doc)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Service) GetDocument(ctx context.Context, ownerID, documentID string) (DocumentView, error) {
	doc, err := s.store.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	return s.view(ctx, doc)
}

func (s *Service) CreateDocument(ctx context.Context, ownerID, name, content string) (DocumentView, error) {
	if strings.TrimSpace(name) == "" {
		return DocumentView{}, domainError(http.StatusBadRequest, "INVALID_NAME", "Document name is required", nil)
	}
	if content == "" {
		return DocumentView{}, domainError(http.StatusBadRequest, "INVALID_CONTENT", "Document content is required", nil)
	}
	doc, err := s.syncer.Create(ctx, ownerID, name, content)
	if err != nil {
		return DocumentView{}, err
	}
	return s.view(ctx, doc)
}

func (s *Service) EditDocument(ctx context.Context, ownerID, documentID, content string) (DocumentView, error) {
	if content == "" {
		return DocumentView{}, domainError(http.StatusBadRequest, "INVALID_CONTENT", "Document content is required", nil)
	}
	doc, err := s.syncer.Edit(ctx, ownerID, documentID, content)
	if err != nil {
		return DocumentView{}, err
	}
	return s.view(ctx, doc)
}

func (s *Service) DeleteDocument(ctx context.Context, ownerID, documentID string) error {
	return s.syncer.Delete(ctx, ownerID, documentID)
}

func (s *Service) AttachAgent(ctx context.Context, ownerID, documentID, agentID string) error {
	return s.syncer.Attach(ctx, ownerID, documentID, agentID)
}

func (s *Service) DetachAgent(ctx context.Context, ownerID, documentID, agentID string) error {
	return s.syncer.Detach(ctx, ownerID, documentID, agentID)
}

// Ping reports local store connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// IndexHealthy reports whether the external index is reachable. True when
// no index health monitor is wired (tests, degraded boots).
func (s *Service) IndexHealthy() bool {
	if s.index == nil {
		return true
	}
	return s.index.Healthy()
}

// asDomainError folds subsystem errors into HTTP-mappable domain errors.
func asDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var quotaErr *syncer.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return domainError(http.StatusRequestEntityTooLarge, "QUOTA_EXCEEDED", quotaErr.Error(), map[string]any{
			"ownerId":   quotaErr.OwnerID,
			"limit":     quotaErr.Limit,
			"projected": quotaErr.Projected,
		})
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	case errors.Is(err, syncer.ErrConflict):
		return domainError(http.StatusConflict, "CONFLICT", "Another operation is in flight for this document; retry later", nil)
	case errors.Is(err, syncer.ErrNotSynced):
		return domainError(http.StatusConflict, "NOT_SYNCED", "Document is not synced to the knowledge index", nil)
	}
	return nil
}
