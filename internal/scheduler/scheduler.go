// Package scheduler drives the tick loop for every sync group. Each group
// gets its own drift-corrected timer and a single runner goroutine, so tick
// cycles for one group never overlap while groups stay independent of each
// other.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianworks/worldsync/internal/diff"
	"github.com/meridianworks/worldsync/internal/events"
	"github.com/meridianworks/worldsync/internal/groups"
	"github.com/meridianworks/worldsync/internal/metrics"
	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store"
)

// fireQueueDepth bounds how many pending fires a slow group can accumulate
// before the timer loop has to wait for the runner.
const fireQueueDepth = 64

// Broadcaster delivers a change set to every connection allowed to read the
// group. Implemented by dispatch.Dispatcher.
type Broadcaster interface {
	Broadcast(ctx context.Context, cs *model.ChangeSet)
}

// Scheduler owns one timer/runner goroutine pair per sync group.
type Scheduler struct {
	store       store.Store
	registry    *groups.Registry
	differ      *diff.Engine
	broadcaster Broadcaster
	publisher   events.Publisher
	collector   *metrics.Collector
	logger      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start to launch the per-group loops.
func New(s store.Store, registry *groups.Registry, differ *diff.Engine, broadcaster Broadcaster, publisher events.Publisher, collector *metrics.Collector, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:       s,
		registry:    registry,
		differ:      differ,
		broadcaster: broadcaster,
		publisher:   publisher,
		collector:   collector,
		logger:      logger,
	}
}

// Start launches a timer loop and a runner for every group currently in the
// registry. Groups added to the store afterwards are picked up on restart.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, group := range s.registry.All() {
		fires := make(chan time.Time, fireQueueDepth)

		s.wg.Add(2)
		go func(id string, rate time.Duration) {
			defer s.wg.Done()
			s.timerLoop(ctx, id, rate, fires)
		}(group.ID, group.TickRate)
		go func(id string) {
			defer s.wg.Done()
			s.runLoop(ctx, id, fires)
		}(group.ID)

		s.logger.Info("tick loop started",
			"group", group.ID,
			"tick_rate", group.TickRate,
			"retention", group.RetentionDepth)
	}
}

// Stop cancels every loop and waits for in-flight tick cycles to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// timerLoop fires at absolute instants spaced one tick rate apart, starting
// with an immediate first fire. Rearming from the previous deadline rather
// than from "now" keeps long-run drift bounded no matter how long individual
// ticks take. The rate is re-read from the registry on every rearm, so a
// refreshed group definition takes effect on the next tick.
func (s *Scheduler) timerLoop(ctx context.Context, groupID string, rate time.Duration, fires chan<- time.Time) {
	next := time.Now()
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			select {
			case fires <- next:
			default:
				// The runner is far behind. Ticks are never skipped, so
				// wait for queue space rather than dropping the fire.
				s.logger.Warn("tick fire queue full, waiting on runner", "group", groupID)
				select {
				case fires <- next:
				case <-ctx.Done():
					return
				}
			}
			if g, err := s.registry.Get(groupID); err == nil {
				rate = g.TickRate
			}
			next = next.Add(rate)
			delay := time.Until(next)
			if delay < 0 {
				delay = 0
			}
			timer.Reset(delay)
		}
	}
}

// runLoop consumes fires sequentially. One runner per group is the single
// writer for that group's ticks.
func (s *Scheduler) runLoop(ctx context.Context, groupID string, fires <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fires:
			s.runTick(ctx, groupID)
		}
	}
}

// runTick executes one capture/diff/broadcast cycle against the group's
// current registry definition. Errors are logged and published but never
// stop the loop.
func (s *Scheduler) runTick(ctx context.Context, groupID string) {
	group, err := s.registry.Get(groupID)
	if err != nil {
		s.logger.Warn("group missing from registry, skipping tick", "group", groupID)
		return
	}

	tick, err := s.store.CaptureSnapshot(ctx, &group)
	if err != nil {
		s.tickFailed(ctx, group.ID, 0, "capture snapshot", err)
		return
	}

	cs, err := s.differ.Diff(ctx, group.ID)
	if err != nil {
		s.tickFailed(ctx, group.ID, tick.TickNumber, "diff", err)
		return
	}

	s.broadcaster.Broadcast(ctx, cs)

	s.collector.RecordTick(group.ID, "ok", tick.Duration, tick.IsDelayed)
	s.recordChanges(group.ID, cs)

	if tick.IsDelayed {
		s.logger.Warn("tick exceeded rate",
			"group", group.ID,
			"tick", tick.TickNumber,
			"duration", tick.Duration,
			"tick_rate", group.TickRate)
	}

	// Published only after the capture transaction has committed, so
	// consumers never observe a tick that later rolled back.
	if err := s.publisher.Publish(ctx, events.TopicTickCompleted, events.TickCompleted{
		GroupID:     group.ID,
		TickID:      tick.ID,
		TickNumber:  tick.TickNumber,
		EntityCount: tick.EntityCount,
		ScriptCount: tick.ScriptCount,
		AssetCount:  tick.AssetCount,
		Delayed:     tick.IsDelayed,
	}); err != nil {
		s.logger.Warn("publish tick completed", "group", group.ID, "error", err)
	}
}

func (s *Scheduler) tickFailed(ctx context.Context, groupID string, tickNumber int64, stage string, err error) {
	s.logger.Error("tick failed", "group", groupID, "stage", stage, "error", err)
	s.collector.RecordTick(groupID, "error", 0, false)
	if pubErr := s.publisher.Publish(ctx, events.TopicTickFailed, events.TickFailed{
		GroupID:    groupID,
		TickNumber: tickNumber,
		Error:      err.Error(),
	}); pubErr != nil {
		s.logger.Warn("publish tick failed", "group", groupID, "error", pubErr)
	}
}

func (s *Scheduler) recordChanges(groupID string, cs *model.ChangeSet) {
	ops := map[model.ChangeOp]int{}
	for _, c := range cs.Entities {
		ops[c.Op]++
	}
	for op, n := range ops {
		s.collector.RecordChanges(groupID, "entity", string(op), n)
	}

	clear(ops)
	for _, c := range cs.Scripts {
		ops[c.Op]++
	}
	for op, n := range ops {
		s.collector.RecordChanges(groupID, "script", string(op), n)
	}

	clear(ops)
	for _, c := range cs.Assets {
		ops[c.Op]++
	}
	for op, n := range ops {
		s.collector.RecordChanges(groupID, "asset", string(op), n)
	}
}
