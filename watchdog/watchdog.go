// Package watchdog implements the circuit's send- and receive-side
// liveness timers on top of the same named-group timer scheduler the
// teacher election state machine uses for its own wait timeouts.
package watchdog

import (
	"log"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"
)

// Group identifies which of the pair a scheduled timer belongs to.
type Group uint8

const (
	GroupReceive Group = 1
	GroupSend    Group = 2
)

func (g Group) String() string {
	switch g {
	case GroupReceive:
		return "Receive Watchdog"
	case GroupSend:
		return "Send Watchdog"
	default:
		return "Unknown Watchdog Group"
	}
}

// Watchdog is a one-shot timer that, on expiry, converts observable
// silence into a protocol-visible failure by invoking onFire exactly
// once. Arm/Cancel/Rearm are safe for concurrent use.
type Watchdog struct {
	logPrefix string
	name      string

	s       *scheduler.Scheduler[Group]
	group   Group
	timeout time.Duration
	onFire  func()

	mu    sync.Mutex
	armed bool
}

func newWatchdog(s *scheduler.Scheduler[Group], group Group, timeout time.Duration, logPrefix string, onFire func()) *Watchdog {
	return &Watchdog{
		logPrefix: logPrefix,
		name:      group.String(),
		s:         s,
		group:     group,
		timeout:   timeout,
		onFire:    onFire,
	}
}

// Arm schedules the timer to fire after the configured timeout unless
// cancelled or rearmed first. Arming an already-armed watchdog is a
// no-op from the caller's perspective of how many times onFire can
// eventually run — the previous schedule is replaced.
func (w *Watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.armed {
		w.s.ProcessSync(
			&scheduler.ReleaseGroupEvent[Group]{
				Group: w.group,
			},
		)
	}
	w.s.ProcessSync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				false,
				[]Group{w.group},
				w.timeout,
				func() {
					// invoked on watchdog scheduler goroutine
					log.Printf("%s: %s fired after %v", w.logPrefix, w.name, w.timeout)
					w.onFire()
				},
				nil,
			),
		},
	)
	w.armed = true
}

// Cancel releases a pending timer without firing it. Safe to call on
// an already-cancelled watchdog.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.armed {
		return
	}

	w.s.ProcessSync(
		&scheduler.ReleaseGroupEvent[Group]{
			Group: w.group,
		},
	)
	w.armed = false
}

// Rearm cancels any pending timer and schedules a fresh one. This is
// the only path that resets the receive watchdog on every successful
// inbound read, and the only path send_backlog_progress_notify uses to
// defer the receive timeout when the peer's TCP stack is still
// draining our bytes even though no application data has arrived.
func (w *Watchdog) Rearm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.s.ProcessSync(
		&scheduler.ReleaseGroupEvent[Group]{
			Group: w.group,
		},
	)
	w.s.ProcessSync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				false,
				[]Group{w.group},
				w.timeout,
				func() {
					log.Printf("%s: %s fired after %v", w.logPrefix, w.name, w.timeout)
					w.onFire()
				},
				nil,
			),
		},
	)
	w.armed = true
}

// Pair bundles the receive and send watchdogs of one circuit behind a
// single scheduler goroutine.
type Pair struct {
	s *scheduler.Scheduler[Group]

	Receive *Watchdog
	Send    *Watchdog
}

// NewPair constructs both watchdogs sharing timeout, and starts their
// backing scheduler goroutine. onReceiveFire and onSendFire are
// invoked on the scheduler goroutine, exactly once per Arm/Rearm cycle
// that actually expires.
func NewPair(logPrefix string, logDebug bool, timeout time.Duration, onReceiveFire, onSendFire func()) *Pair {
	s := scheduler.NewScheduler[Group](
		&scheduler.Options{
			LogPrefix: logPrefix + "-watchdog",
			LogDebug:  logDebug,
		},
	)
	s.RunAsync()

	return &Pair{
		s:       s,
		Receive: newWatchdog(s, GroupReceive, timeout, logPrefix, onReceiveFire),
		Send:    newWatchdog(s, GroupSend, timeout, logPrefix, onSendFire),
	}
}

// NotifySendBacklogProgress rearms the receive watchdog: evidence that
// the peer's TCP stack is still ACKing our outbound bytes defers the
// receive timeout without being proof the peer's application is alive.
func (p *Pair) NotifySendBacklogProgress() {
	p.Receive.Rearm()
}

// Shutdown stops the backing scheduler goroutine. Must be called after
// both watchdogs are done firing.
func (p *Pair) Shutdown() {
	p.s.Shutdown()
}
