// Package scheduler drives the channel testers of one run: it waits for the
// operator's start signal, polls every channel on each tick and tears all
// channels down when the run ends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sweeney/battery-tester/internal/mqtt"
	"github.com/sweeney/battery-tester/internal/status"
	"github.com/sweeney/battery-tester/internal/tester"
)

// Stop reasons reported in the RUN_COMPLETE event.
const (
	ReasonAllEnded  = "ALL_ENDED"
	ReasonCancelled = "CANCELLED"
)

var (
	ErrNoChannels    = errors.New("no channels")
	ErrDuplicateSlot = errors.New("duplicate slot")
)

// Options tune the loop. The zero value polls until stopped, without
// heartbeats or tick budget warnings.
type Options struct {
	// AutoStop ends the run once every channel has ended.
	AutoStop bool

	// Heartbeat is the interval between HEARTBEAT system events (0 disables).
	Heartbeat time.Duration

	// TickBudget is the longest a single channel's Run may take before a
	// warning is logged (0 disables).
	TickBudget time.Duration

	// Connection, if set, is reported to the tracker before status events.
	Connection mqtt.ConnectionStatus

	// Now timestamps start and teardown. Polls use the tick time.
	// Defaults to time.Now.
	Now func() time.Time
}

// Result describes a finished run.
type Result struct {
	Reason string
	// Final holds each channel's status just before teardown, in slot order.
	Final []tester.Status
}

// Scheduler owns the testers of one run. Testers are only touched from the
// goroutine calling Run.
type Scheduler struct {
	testers []*tester.Tester
	pub     mqtt.Publisher
	tracker *status.Tracker
	opts    Options

	lastHeartbeat time.Time
}

// New checks the channel set. Insertion order is the polling order.
// tracker may be nil.
func New(testers []*tester.Tester, pub mqtt.Publisher, tracker *status.Tracker, opts Options) (*Scheduler, error) {
	if len(testers) == 0 {
		return nil, ErrNoChannels
	}
	seen := make(map[int]bool, len(testers))
	for _, t := range testers {
		if seen[t.Slot()] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateSlot, t.Slot())
		}
		seen[t.Slot()] = true
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{testers: testers, pub: pub, tracker: tracker, opts: opts}
	s.updateTracker()
	return s, nil
}

// Run waits for start, starts every channel and polls them on each tick
// until stop delivers a reason, ctx is cancelled, or (with AutoStop) every
// channel has ended. All channels are deinitialised on return, whatever
// state they are in, including when the run is stopped before it starts.
//
// If a channel fails to start, the channels already started are torn down
// and the error is returned before any polling happens.
func (s *Scheduler) Run(ctx context.Context, start <-chan struct{}, stop <-chan string, tick <-chan time.Time) (Result, error) {
	s.lastHeartbeat = s.opts.Now()

	log.Printf("scheduler: waiting for start (%d channels)", len(s.testers))
	if reason, err := s.waitForStart(ctx, start, stop, tick); reason != "" || err != nil {
		final := s.statuses()
		now := s.opts.Now()
		s.deinitAll(now)
		if s.tracker != nil {
			s.tracker.SetPhase(status.PhaseStopped, now)
		}
		return Result{Reason: reason, Final: final}, err
	}

	if err := s.startAll(); err != nil {
		return Result{}, err
	}

	reason, err := s.poll(ctx, stop, tick)
	final := s.statuses()
	s.teardown(reason)
	return Result{Reason: reason, Final: final}, err
}

func (s *Scheduler) waitForStart(ctx context.Context, start <-chan struct{}, stop <-chan string, tick <-chan time.Time) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return ReasonCancelled, ctx.Err()
		case reason := <-stop:
			log.Printf("scheduler: stopped before start (%s)", reason)
			return reason, nil
		case <-start:
			return "", nil
		case now := <-tick:
			s.checkHeartbeat(now)
		}
	}
}

func (s *Scheduler) startAll() error {
	now := s.opts.Now()
	for i, t := range s.testers {
		if err := t.Start(); err != nil {
			log.Printf("scheduler: start failed, tearing down: %v", err)
			for _, started := range s.testers[:i] {
				s.publish(started.Deinit(now))
			}
			s.updateTracker()
			return fmt.Errorf("start: %w", err)
		}
	}

	if s.tracker != nil {
		s.tracker.SetPhase(status.PhaseRunning, now)
	}
	s.updateTracker()
	s.publishSystem(now, mqtt.EventRunStarted, "")
	log.Printf("scheduler: run started")
	return nil
}

func (s *Scheduler) poll(ctx context.Context, stop <-chan string, tick <-chan time.Time) (string, error) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler: cancelled")
			return ReasonCancelled, ctx.Err()

		case reason := <-stop:
			log.Printf("scheduler: stop requested (%s)", reason)
			return reason, nil

		case now := <-tick:
			for _, t := range s.testers {
				s.runOne(t, now)
			}

			if s.opts.AutoStop && s.allEnded() {
				log.Printf("scheduler: all channels ended")
				return ReasonAllEnded, nil
			}
			s.checkHeartbeat(now)
		}
	}
}

// runOne polls one channel and forwards what it produced.
func (s *Scheduler) runOne(t *tester.Tester, now time.Time) {
	began := time.Now()
	events := t.Run(now)
	if took := time.Since(began); s.opts.TickBudget > 0 && took > s.opts.TickBudget {
		log.Printf("scheduler: slot %d tick took %v (budget %v)", t.Slot(), took, s.opts.TickBudget)
	}

	s.publish(events)
	if s.tracker != nil {
		s.tracker.Update(t.Status())
	}
}

func (s *Scheduler) allEnded() bool {
	for _, t := range s.testers {
		if t.State() != tester.StateEnded {
			return false
		}
	}
	return true
}

func (s *Scheduler) teardown(reason string) {
	now := s.opts.Now()
	s.deinitAll(now)
	if s.tracker != nil {
		s.tracker.SetPhase(status.PhaseStopped, now)
	}
	s.publishSystem(now, mqtt.EventRunComplete, reason)
	log.Printf("scheduler: run complete (%s)", reason)
}

// deinitAll returns every channel to WAITING with its relay off.
func (s *Scheduler) deinitAll(now time.Time) {
	for _, t := range s.testers {
		s.publish(t.Deinit(now))
	}
	s.updateTracker()
}

func (s *Scheduler) checkHeartbeat(now time.Time) {
	if s.opts.Heartbeat <= 0 || now.Sub(s.lastHeartbeat) < s.opts.Heartbeat {
		return
	}
	s.lastHeartbeat = now
	s.publishSystem(now, mqtt.EventHeartbeat, "")
}

func (s *Scheduler) publish(events []tester.Event) {
	for _, ev := range events {
		log.Printf("event: slot %d %s %s->%s (%.3fV %.3fA %.5fAh)",
			ev.Slot, ev.Type, ev.From, ev.To, ev.Voltage, ev.Current, ev.Charge)
		if err := s.pub.Publish(ev); err != nil {
			log.Printf("publish error: %v", err)
		}
	}
}

// publishSystem sends a system event carrying a full status snapshot when a
// tracker is available.
func (s *Scheduler) publishSystem(now time.Time, name, reason string) {
	ev := mqtt.SystemEvent{
		Timestamp: now,
		Event:     name,
		Reason:    reason,
		Retained:  name != mqtt.EventHeartbeat,
	}
	if s.tracker != nil {
		if s.opts.Connection != nil {
			s.tracker.SetMQTTConnected(s.opts.Connection.IsConnected())
		}
		ev.RawPayload = status.FormatStatusEvent(s.tracker.Snapshot(), name, reason)
	}
	if err := s.pub.PublishSystem(ev); err != nil {
		log.Printf("failed to publish %s event: %v", name, err)
	}
}

func (s *Scheduler) updateTracker() {
	if s.tracker == nil {
		return
	}
	for _, t := range s.testers {
		s.tracker.Update(t.Status())
	}
}

func (s *Scheduler) statuses() []tester.Status {
	out := make([]tester.Status, 0, len(s.testers))
	for _, t := range s.testers {
		out = append(out, t.Status())
	}
	return out
}
