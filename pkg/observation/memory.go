package observation

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is a thread-safe in-memory Log.
type MemoryLog struct {
	mu       sync.RWMutex
	records  []*Record
	headHash string
	clock    func() time.Time
}

// NewMemoryLog creates an empty in-memory observation log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		headHash: genesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, kind Kind, actor string, fields map[string]string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.records)) + 1
	hash, err := contentHash(seq, kind, actor, fields, l.headHash)
	if err != nil {
		return nil, err
	}

	r := &Record{
		Sequence:    seq,
		Kind:        kind,
		Actor:       actor,
		Fields:      fields,
		Timestamp:   l.clock().UTC(),
		ContentHash: hash,
		PrevHash:    l.headHash,
	}
	l.records = append(l.records, r)
	l.headHash = hash
	return r, nil
}

// Get implements Log.
func (l *MemoryLog) Get(ctx context.Context, seq uint64) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.records)) {
		return nil, fmt.Errorf("observation %d not found", seq)
	}
	r := *l.records[seq-1]
	return &r, nil
}

// List implements Log.
func (l *MemoryLog) List(ctx context.Context, limit int) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.records) {
		limit = len(l.records)
	}
	out := make([]*Record, 0, limit)
	for i := len(l.records) - 1; i >= len(l.records)-limit; i-- {
		r := *l.records[i]
		out = append(out, &r)
	}
	return out, nil
}

// Len implements Log.
func (l *MemoryLog) Len(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.records)), nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.records)
}
