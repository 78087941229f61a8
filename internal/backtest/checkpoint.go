package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoCheckpoint is returned by Load when a run has never been saved.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// CheckpointCorruptionError means a saved state could not be used. A run must
// not try to recover from it.
type CheckpointCorruptionError struct {
	Source string
	Err    error
}

func (e *CheckpointCorruptionError) Error() string {
	return fmt.Sprintf("checkpoint %s is corrupt: %v", e.Source, e.Err)
}

func (e *CheckpointCorruptionError) Unwrap() error {
	return e.Err
}

// CheckpointStore persists run state at bar boundaries.
type CheckpointStore interface {
	Save(ctx context.Context, state *State) error
	Load(ctx context.Context, runID string) (*State, error)
	Name() string
}

// EncodeState serialises a state for storage.
func EncodeState(state *State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}

// DecodeState parses and checks a stored state. Any problem is a
// CheckpointCorruptionError naming source.
func DecodeState(source string, data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &CheckpointCorruptionError{Source: source, Err: err}
	}
	if state.RunID == "" {
		return nil, &CheckpointCorruptionError{Source: source, Err: errors.New("missing run id")}
	}
	if state.StartingBankroll <= 0 {
		return nil, &CheckpointCorruptionError{Source: source, Err: errors.New("missing starting bankroll")}
	}
	if !state.Consistent() {
		return nil, &CheckpointCorruptionError{
			Source: source,
			Err:    fmt.Errorf("capital does not reconcile (off by %.8f)", state.ConservationError()),
		}
	}

	if state.Entered == nil {
		state.Entered = make(map[string]bool)
	}
	if state.OpenPositions == nil {
		state.OpenPositions = []*Position{}
	}
	if state.ClosedPositions == nil {
		state.ClosedPositions = []*Position{}
	}
	if state.Events == nil {
		state.Events = []TradeEvent{}
	}
	if state.EquityCurve == nil {
		state.EquityCurve = []EquityPoint{}
	}
	return &state, nil
}

// FileCheckpointStore keeps one JSON file per run in Dir.
type FileCheckpointStore struct {
	Dir string
}

// NewFileCheckpointStore creates the directory if needed.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &FileCheckpointStore{Dir: dir}, nil
}

func (s *FileCheckpointStore) Name() string { return "file" }

func (s *FileCheckpointStore) path(runID string) string {
	return filepath.Join(s.Dir, runID+".checkpoint.json")
}

// Save writes to a temp file and renames it over the previous checkpoint, so
// a crash mid-write leaves the last good one in place.
func (s *FileCheckpointStore) Save(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeState(state)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.Dir, state.RunID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path(state.RunID)); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Load reads the run's checkpoint.
func (s *FileCheckpointStore) Load(ctx context.Context, runID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.path(runID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return DecodeState(path, data)
}

// MemoryCheckpointStore keeps encoded checkpoints in memory. Tests and
// dry runs use it.
type MemoryCheckpointStore struct {
	data map[string][]byte
}

// NewMemoryCheckpointStore creates an empty store
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{data: make(map[string][]byte)}
}

func (s *MemoryCheckpointStore) Name() string { return "memory" }

func (s *MemoryCheckpointStore) Save(ctx context.Context, state *State) error {
	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	s.data[state.RunID] = data
	return nil
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, runID string) (*State, error) {
	data, ok := s.data[runID]
	if !ok {
		return nil, ErrNoCheckpoint
	}
	return DecodeState("memory:"+runID, data)
}

// Raw exposes the stored bytes for a run.
func (s *MemoryCheckpointStore) Raw(runID string) []byte {
	return s.data[runID]
}

// Put replaces the stored bytes for a run.
func (s *MemoryCheckpointStore) Put(runID string, data []byte) {
	s.data[runID] = data
}
