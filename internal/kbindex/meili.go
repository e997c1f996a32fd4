package kbindex

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"slices"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"carenotes/kb/internal/util"
)

// documentRecord is the shape stored in the index. agentIds is filterable
// so each agent's retrieval is scoped to the documents attached to it.
type documentRecord struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Content  string   `json:"content"`
	AgentIDs []string `json:"agentIds"`
}

const listPageSize = 200

// Meili implements Client against a Meilisearch index.
type Meili struct {
	client   meili.ServiceManager
	indexUID string
	healthy  atomic.Bool
	done     chan struct{}
}

// NewMeili creates the index client and configures the index. The client is
// returned even when the initial connection fails; the health loop keeps
// probing and reconfigures on recovery.
func NewMeili(url, apiKey, indexUID string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client:   client,
		indexUID: indexUID,
		done:     make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("kbindex: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        m.indexUID,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("kbindex: create index %s (may already exist): %v", m.indexUID, err)
	}

	index := m.client.Index(m.indexUID)
	filterable := []interface{}{"agentIds"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("kbindex: update filterable attrs for %s: %v", m.indexUID, err)
	}
	searchable := []string{"name", "content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("kbindex: update searchable attrs for %s: %v", m.indexUID, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("kbindex: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether the index is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Create uploads a new document and waits for the index task, so a returned
// id refers to a document that actually landed.
func (m *Meili) Create(ctx context.Context, name, content string) (string, error) {
	externalID := util.NewID("ext")
	record := documentRecord{
		ID:       externalID,
		Name:     name,
		Content:  content,
		AgentIDs: []string{},
	}
	info, err := m.client.Index(m.indexUID).AddDocuments([]documentRecord{record}, nil)
	if err != nil {
		return "", m.mapError("create", err)
	}
	if err := m.waitTask(info); err != nil {
		return "", err
	}
	return externalID, nil
}

func (m *Meili) Delete(ctx context.Context, externalID string) error {
	record, err := m.getRecord(externalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if len(record.AgentIDs) > 0 {
		return ErrDocumentInUse
	}

	info, err := m.client.Index(m.indexUID).DeleteDocument(externalID, nil)
	if err != nil {
		return m.mapError("delete", err)
	}
	return m.waitTask(info)
}

func (m *Meili) Attach(ctx context.Context, externalID, agentID string) error {
	record, err := m.getRecord(externalID)
	if err != nil {
		return err
	}
	if slices.Contains(record.AgentIDs, agentID) {
		return nil
	}
	record.AgentIDs = append(record.AgentIDs, agentID)
	return m.putRecord(record)
}

func (m *Meili) Detach(ctx context.Context, externalID, agentID string) error {
	record, err := m.getRecord(externalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !slices.Contains(record.AgentIDs, agentID) {
		return nil
	}
	record.AgentIDs = slices.DeleteFunc(record.AgentIDs, func(id string) bool {
		return id == agentID
	})
	return m.putRecord(record)
}

// List pages through the whole index and returns every document id. No
// snapshot consistency is promised; callers must tolerate documents moving
// under them.
func (m *Meili) List(ctx context.Context) ([]string, error) {
	index := m.client.Index(m.indexUID)
	ids := make([]string, 0)
	var offset int64
	for {
		var page meili.DocumentsResult
		err := index.GetDocuments(&meili.DocumentsQuery{
			Offset: offset,
			Limit:  listPageSize,
			Fields: []string{"id"},
		}, &page)
		if err != nil {
			return nil, m.mapError("list", err)
		}
		for _, hit := range page.Results {
			if id := decodeString(hit, "id"); id != "" {
				ids = append(ids, id)
			}
		}
		offset += int64(len(page.Results))
		if len(page.Results) == 0 || offset >= page.Total {
			return ids, nil
		}
	}
}

func (m *Meili) getRecord(externalID string) (documentRecord, error) {
	var record documentRecord
	if err := m.client.Index(m.indexUID).GetDocument(externalID, nil, &record); err != nil {
		return documentRecord{}, m.mapError("get", err)
	}
	return record, nil
}

func (m *Meili) putRecord(record documentRecord) error {
	info, err := m.client.Index(m.indexUID).AddDocuments([]documentRecord{record}, nil)
	if err != nil {
		return m.mapError("put", err)
	}
	return m.waitTask(info)
}

func (m *Meili) waitTask(info *meili.TaskInfo) error {
	task, err := m.client.WaitForTask(info.TaskUID, 50*time.Millisecond)
	if err != nil {
		return m.mapError("wait task", err)
	}
	if task.Status != meili.TaskStatusSucceeded {
		return &TransientError{Err: errors.New("kbindex: task " + string(task.Status) + ": " + task.Error.Message)}
	}
	return nil
}

// mapError folds meilisearch errors into the package taxonomy: 404 is
// ErrNotFound, connection trouble and 5xx are transient, the rest are
// terminal as-is.
func (m *Meili) mapError(op string, err error) error {
	var apiErr *meili.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 404:
			return ErrNotFound
		case apiErr.StatusCode == 0 || apiErr.StatusCode >= 500:
			m.healthy.Store(false)
			return &TransientError{Err: err}
		default:
			return err
		}
	}
	// Anything that never produced an API response is network trouble.
	m.healthy.Store(false)
	return &TransientError{Err: err}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
