package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

const diagnosticsFile = "diagnostics.json"

type diagnosticsDocument struct {
	Diagnostics *repository.Diagnostics `json:"diagnostics,omitempty"`
	Transitions []repository.Transition `json:"transitions"`
}

type diagnosticsRepository struct {
	mu         sync.Mutex
	path       string
	maxJournal int
}

func newDiagnosticsRepository(dir string, maxJournal int) *diagnosticsRepository {
	if maxJournal <= 0 {
		maxJournal = 500
	}
	return &diagnosticsRepository{
		path:       filepath.Join(dir, diagnosticsFile),
		maxJournal: maxJournal,
	}
}

func (r *diagnosticsRepository) Load(ctx context.Context) (*repository.Diagnostics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	return doc.Diagnostics, nil
}

func (r *diagnosticsRepository) Save(ctx context.Context, d repository.Diagnostics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return err
	}
	doc.Diagnostics = &d
	return r.write(doc)
}

func (r *diagnosticsRepository) AppendTransition(ctx context.Context, t repository.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return err
	}
	doc.Transitions = append(doc.Transitions, t)
	if n := len(doc.Transitions); n > r.maxJournal {
		doc.Transitions = doc.Transitions[n-r.maxJournal:]
	}
	return r.write(doc)
}

func (r *diagnosticsRepository) RecentTransitions(ctx context.Context, limit int) ([]repository.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	ts := doc.Transitions
	if limit > 0 && len(ts) > limit {
		ts = ts[len(ts)-limit:]
	}
	// newest first
	out := make([]repository.Transition, len(ts))
	for i, t := range ts {
		out[len(ts)-1-i] = t
	}
	return out, nil
}

func (r *diagnosticsRepository) read() (*diagnosticsDocument, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &diagnosticsDocument{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read diagnostics: %w", err)
	}
	var doc diagnosticsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse diagnostics: %w", err)
	}
	return &doc, nil
}

// write replaces the document atomically via a temp file and rename.
func (r *diagnosticsRepository) write(doc *diagnosticsDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write diagnostics: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace diagnostics: %w", err)
	}
	return nil
}
