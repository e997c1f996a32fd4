package kbindex

import (
	"errors"
	"fmt"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

func TestIsTransient(t *testing.T) {
	base := errors.New("connection refused")
	transient := &TransientError{Err: base}

	if !IsTransient(transient) {
		t.Error("TransientError should be transient")
	}
	if !IsTransient(fmt.Errorf("create: %w", transient)) {
		t.Error("wrapped TransientError should be transient")
	}
	if IsTransient(base) {
		t.Error("a bare error is not transient")
	}
	if IsTransient(ErrNotFound) || IsTransient(ErrDocumentInUse) {
		t.Error("terminal sentinels are not transient")
	}
	if !errors.Is(transient, base) {
		t.Error("TransientError should unwrap to its cause")
	}
}

func TestMapError(t *testing.T) {
	m := &Meili{}

	if err := m.mapError("get", &meili.Error{StatusCode: 404}); !errors.Is(err, ErrNotFound) {
		t.Errorf("404 should map to ErrNotFound, got %v", err)
	}
	if err := m.mapError("get", &meili.Error{StatusCode: 503}); !IsTransient(err) {
		t.Errorf("5xx should be transient, got %v", err)
	}
	if err := m.mapError("get", &meili.Error{StatusCode: 0}); !IsTransient(err) {
		t.Errorf("no response should be transient, got %v", err)
	}
	if err := m.mapError("get", errors.New("dial tcp: refused")); !IsTransient(err) {
		t.Errorf("network error should be transient, got %v", err)
	}

	badRequest := &meili.Error{StatusCode: 400}
	if err := m.mapError("get", badRequest); IsTransient(err) || errors.Is(err, ErrNotFound) {
		t.Errorf("4xx should pass through terminal, got %v", err)
	}
}
