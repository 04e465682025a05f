// Package projection implements the projection runtime (C9): an
// orchestrator that advances each registered read-model projection's
// checkpoint from the event store, in batches, under a single lock so no
// projection is ever observed half-rebuilt.
package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arlojensen/notecore/internal/events"
	"github.com/arlojensen/notecore/internal/eventstore"
	"github.com/arlojensen/notecore/internal/notelog"
)

// BatchSize is the number of events read and applied per checkpoint
// advance within catch_up_all.
const BatchSize = 1000

// DefaultPollInterval is how often start_continuous re-checks for new
// events.
const DefaultPollInterval = 5 * time.Second

// Projection is a read model that folds events in stream-position order.
type Projection interface {
	Name() string
	Handle(event events.Envelope) error
	Rebuild() error
	GetLastProcessedPosition() int64
	SetLastProcessedPosition(pos int64) error
}

// Status reports one projection's progress relative to the event store's
// current head.
type Status struct {
	Name     string
	Last     int64
	Current  int64
	Lag      int64
	UpToDate bool
}

// Orchestrator drives registered projections from a shared event store.
// A single mutex serializes catch-up, rebuild-all, and rebuild-one so a
// reader never observes a projection mid-clear.
type Orchestrator struct {
	store       *eventstore.Store
	projections []Projection
	log         *notelog.Logger

	mu sync.Mutex
}

// New creates an orchestrator over store driving projections in
// registration order.
func New(store *eventstore.Store, projections []Projection) *Orchestrator {
	return &Orchestrator{
		store:       store,
		projections: projections,
		log:         notelog.New("projection"),
	}
}

// CatchUpAll advances every projection from its checkpoint to the
// store's current head, applying events in batches of BatchSize and
// persisting the checkpoint after each batch.
func (o *Orchestrator) CatchUpAll() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.catchUpAllLocked()
}

func (o *Orchestrator) catchUpAllLocked() error {
	for _, p := range o.projections {
		err := o.catchUpOneLocked(p)
		if err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) catchUpOneLocked(p Projection) error {
	for {
		pos := p.GetLastProcessedPosition()

		batch := o.store.ReadEventsSince(pos, BatchSize)
		if len(batch) == 0 {
			return nil
		}

		for _, event := range batch {
			err := p.Handle(event)
			if err != nil {
				o.log.Warn().
					Str("projection", p.Name()).
					Str("event_type", string(event.Type)).
					Int64("position", event.StreamPosition).
					Err(err).
					Msg("projection: skipping event that failed to apply")
			}
		}

		err := p.SetLastProcessedPosition(batch[len(batch)-1].StreamPosition)
		if err != nil {
			return err
		}

		if len(batch) < BatchSize {
			return nil
		}
	}
}

// RebuildAll clears every projection's backing data, resets checkpoints
// to 0, then catches every projection back up - all under one contiguous
// lock hold (the spec permits a single hold in place of two separate
// clear/catch-up acquisitions).
func (o *Orchestrator) RebuildAll() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range o.projections {
		err := p.Rebuild()
		if err != nil {
			return err
		}

		err = p.SetLastProcessedPosition(0)
		if err != nil {
			return err
		}
	}

	return o.catchUpAllLocked()
}

// Rebuild clears and replays only the named projection.
func (o *Orchestrator) Rebuild(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range o.projections {
		if p.Name() != name {
			continue
		}

		err := p.Rebuild()
		if err != nil {
			return err
		}

		err = p.SetLastProcessedPosition(0)
		if err != nil {
			return err
		}

		return o.catchUpOneLocked(p)
	}

	return fmt.Errorf("projection: unknown projection %q", name)
}

// StartContinuous runs CatchUpAll on a fixed poll interval until ctx is
// cancelled. interval <= 0 uses DefaultPollInterval.
func (o *Orchestrator) StartContinuous(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := o.CatchUpAll()
				if err != nil {
					o.log.Error().Err(err).Msg("projection: continuous catch-up failed")
				}
			}
		}
	}()
}

// StatusReport returns each projection's lag relative to the store's
// current head.
func (o *Orchestrator) StatusReport() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	current := o.store.CurrentStreamPosition()

	out := make([]Status, 0, len(o.projections))

	for _, p := range o.projections {
		last := p.GetLastProcessedPosition()

		out = append(out, Status{
			Name:     p.Name(),
			Last:     last,
			Current:  current,
			Lag:      current - last,
			UpToDate: last >= current,
		})
	}

	return out
}
