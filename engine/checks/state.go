package checks

import (
	"context"
	"encoding/json"
	"sync"
)

// StateStore persists checker data of one service and team across ticks.
type StateStore interface {
	StoreState(ctx context.Context, identifier string, data []byte) error
	// LoadState returns false if nothing is stored under identifier.
	LoadState(ctx context.Context, identifier string) ([]byte, bool, error)
}

// Base carries what every checker needs for one run. Identifiers used with the
// state helpers must be unique per service and team.
type Base struct {
	Tick      int
	TeamNetNo int
	Target    string
	Flags     FlagSource
	State     StateStore
}

// CheckService passes by default.
func (b *Base) CheckService(ctx context.Context) (Verdict, error) {
	return VerdictOK, nil
}

// GetFlag returns the flag for tick, optionally carrying payload.
func (b *Base) GetFlag(tick int, payload []byte) string {
	return b.Flags.Flag(tick, b.TeamNetNo, payload)
}

func (b *Base) StoreBlob(ctx context.Context, identifier string, blob []byte) error {
	return b.State.StoreState(ctx, identifier, blob)
}

func (b *Base) RetrieveBlob(ctx context.Context, identifier string) ([]byte, bool, error) {
	return b.State.LoadState(ctx, identifier)
}

// StoreJSON stores v JSON-encoded under identifier.
func (b *Base) StoreJSON(ctx context.Context, identifier string, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.StoreBlob(ctx, identifier, blob)
}

// RetrieveJSON decodes the value stored under identifier into v. A missing or
// undecodable blob both report false, so checkers handle a corrupted state
// like a first run.
func (b *Base) RetrieveJSON(ctx context.Context, identifier string, v any) (bool, error) {
	blob, ok, err := b.RetrieveBlob(ctx, identifier)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return false, nil
	}
	return true, nil
}

// MemoryState keeps checker state in memory, for local runs and tests.
type MemoryState struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryState() *MemoryState {
	return &MemoryState{data: make(map[string][]byte)}
}

func (m *MemoryState) StoreState(ctx context.Context, identifier string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[identifier] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryState) LoadState(ctx context.Context, identifier string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[identifier]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}
