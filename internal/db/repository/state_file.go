package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
)

const stateFileExt = ".json"

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// fileStateRepo implements StateRepository with one JSON file per plan.
// Writes go through a temp file and rename so a crash never leaves a torn
// snapshot; unreadable snapshots are moved aside as <name>.corrupt-<unix>.
type fileStateRepo struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewFileStateRepository creates a file-backed execution state repository in dir.
func NewFileStateRepository(dir string, logger *zap.Logger) (StateRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &fileStateRepo{dir: dir, logger: logger, now: time.Now}, nil
}

func (r *fileStateRepo) path(planID string) string {
	return filepath.Join(r.dir, unsafeFileChars.ReplaceAllString(planID, "_")+stateFileExt)
}

// Save stores the snapshot atomically.
func (r *fileStateRepo) Save(_ context.Context, state *domain.PlanExecutionState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.path(state.PlanID)
	tmp, err := os.CreateTemp(r.dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// Load retrieves the snapshot of a plan.
func (r *fileStateRepo) Load(_ context.Context, planID string) (*domain.PlanExecutionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.load(r.path(planID), planID)
}

func (r *fileStateRepo) load(path, planID string) (*domain.PlanExecutionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewNotFoundError("plan state", planID)
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	state := &domain.PlanExecutionState{}
	if err := json.Unmarshal(data, state); err != nil || state.PlanID == "" {
		r.quarantine(path, err)
		return nil, domain.NewNotFoundError("plan state", planID)
	}

	return state, nil
}

// quarantine moves an unreadable snapshot out of the way.
func (r *fileStateRepo) quarantine(path string, cause error) {
	target := fmt.Sprintf("%s.corrupt-%d", path, r.now().Unix())
	if err := os.Rename(path, target); err != nil {
		r.logger.Error("Failed to quarantine corrupt state file",
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}
	r.logger.Warn("Quarantined corrupt state file",
		zap.String("path", path),
		zap.String("moved_to", target),
		zap.NamedError("cause", cause),
	)
}

// Delete removes the snapshot of a plan.
func (r *fileStateRepo) Delete(_ context.Context, planID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path(planID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// List retrieves the summaries of every readable snapshot.
func (r *fileStateRepo) List(_ context.Context) ([]*domain.PlanExecutionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state dir: %w", err)
	}

	var states []*domain.PlanExecutionState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateFileExt) {
			continue
		}
		state, err := r.load(filepath.Join(r.dir, name), strings.TrimSuffix(name, stateFileExt))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		states = append(states, state.Summary())
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	return states, nil
}
