package service

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yoyogias2011/TUID/pkg/log"
	"github.com/yoyogias2011/TUID/pkg/metrics"
	"github.com/yoyogias2011/TUID/pkg/storage"
	"github.com/yoyogias2011/TUID/pkg/types"
)

// Allocator hands out fresh monotonic tuids. It is the only path to new
// tuids in the process; the counter is guarded by a single lock.
//
// The high-water mark is flushed to durable storage before a batch of
// allocations is committed to an annotation. If the flush fails the
// in-memory counter stays rolled forward: annotations are keyed by
// (revision, file) and will not admit a second insert, so recovery can
// never republish an already-published tuid.
type Allocator struct {
	mu     sync.Mutex
	next   types.Tuid
	store  storage.TemporalStore
	logger zerolog.Logger
}

// NewAllocator initializes the counter to max(existing tuid) + 1.
func NewAllocator(store storage.TemporalStore) (*Allocator, error) {
	max, err := store.MaxTuid()
	if err != nil {
		return nil, fmt.Errorf("failed to read tuid high-water mark: %w", err)
	}
	return &Allocator{
		next:   max + 1,
		store:  store,
		logger: log.WithComponent("allocator"),
	}, nil
}

// Next returns the next tuid.
func (a *Allocator) Next() (types.Tuid, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tuid := a.next
	a.next++
	metrics.TuidsMappedTotal.Inc()
	return tuid, nil
}

// Flush persists the high-water mark. Call before committing a batch of
// allocations to the annotation store.
func (a *Allocator) Flush() error {
	a.mu.Lock()
	mark := a.next - 1
	a.mu.Unlock()

	if mark <= 0 {
		return nil
	}
	if err := a.store.SaveMaxTuid(mark); err != nil {
		// The counter stays rolled forward; duplicate publication is
		// prevented by the annotation key.
		a.logger.Warn().Err(err).Int64("tuid", int64(mark)).
			Msg("Failed to persist tuid high-water mark")
		return err
	}
	return nil
}

// Mark returns the current high-water mark without allocating.
func (a *Allocator) Mark() types.Tuid {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next - 1
}
