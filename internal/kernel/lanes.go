package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ex-kagura/pkg/kagura"
)

// ErrEventDropped reports an event discarded by lane backpressure.
var ErrEventDropped = errors.New("kernel: event dropped")

// laneKey identifies one ordered dispatch lane.
type laneKey struct {
	source  kagura.ConnectorID
	channel kagura.ChannelID
}

// lane serializes the pre-execution stages of one channel.
//
// pending counts events reserved for the lane and is guarded by the router's
// lanesMu; a lane only exits when it is idle and nothing is reserved.
type lane struct {
	key     laneKey
	queue   chan *kagura.Event
	pending int
}

// Submit enqueues event on its channel lane.
//
// Lanes are created on demand and exit after staying idle. A full lane
// applies the configured backpressure policy.
func (r *Router) Submit(ctx context.Context, event *kagura.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("submit event: %w", err)
	}

	key := laneKey{source: event.Source, channel: event.Channel}
	r.lanesMu.Lock()
	if r.closed {
		r.lanesMu.Unlock()
		return fmt.Errorf("submit event %s: %w", event.ID, kagura.ErrSubscriptionClosed)
	}
	target, exists := r.lanes[key]
	if !exists {
		target = &lane{key: key, queue: make(chan *kagura.Event, r.cfg.laneBuffer)}
		r.lanes[key] = target
		r.lanesWG.Add(1)
		go r.runLane(target)
	}
	target.pending++
	r.lanesMu.Unlock()

	if err := r.enqueue(ctx, target, event); err != nil {
		r.release(target)
		r.cfg.metrics.LaneDrop(string(event.Source))
		return fmt.Errorf("submit event %s: %w", event.ID, err)
	}

	return nil
}

// enqueue applies the configured backpressure policy.
func (r *Router) enqueue(ctx context.Context, target *lane, event *kagura.Event) error {
	switch r.cfg.backpressure {
	case BackpressureDropNewest:
		select {
		case target.queue <- event:
			return nil
		default:
			return ErrEventDropped
		}
	case BackpressureDropOldest:
		select {
		case target.queue <- event:
			return nil
		default:
		}
		select {
		case <-target.queue:
			r.release(target)
			r.cfg.metrics.LaneDrop(string(event.Source))
		default:
		}
		select {
		case target.queue <- event:
			return nil
		default:
			return ErrEventDropped
		}
	default:
		select {
		case target.queue <- event:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-r.laneCtx.Done():
			return kagura.ErrSubscriptionClosed
		}
	}
}

func (r *Router) release(target *lane) {
	r.lanesMu.Lock()
	target.pending--
	r.lanesMu.Unlock()
}

// runLane drains one lane until it idles out or the router closes.
func (r *Router) runLane(target *lane) {
	defer r.lanesWG.Done()

	idle := time.NewTimer(r.cfg.laneIdle)
	defer idle.Stop()

	for {
		select {
		case <-r.laneCtx.Done():
			return
		case event := <-target.queue:
			r.release(target)
			r.process(event)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.laneIdle)
		case <-idle.C:
			r.lanesMu.Lock()
			if target.pending == 0 {
				delete(r.lanes, target.key)
				r.lanesMu.Unlock()
				return
			}
			r.lanesMu.Unlock()
			idle.Reset(r.cfg.laneIdle)
		}
	}
}

// process runs the ordered stages inline and hands execution to its own
// goroutine.
func (r *Router) process(event *kagura.Event) {
	prepared, outcome, ok := r.prepare(r.execCtx, event)
	if !ok {
		r.finish(event, outcome)
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.finish(event, r.execute(r.execCtx, prepared))
	}()
}

// laneCount reports live lanes.
func (r *Router) laneCount() int {
	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()

	return len(r.lanes)
}
