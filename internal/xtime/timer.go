// Package xtime provides the cancelable timer handles used for heartbeat
// deadlines, ack timeouts, connect timeouts and the recovery sweeper: a
// common handle wrapping time.AfterFunc/time.Ticker so call sites don't
// juggle raw *time.Timer vs *time.Ticker.
package xtime

import "time"

// Timer is a cancelable deferred or periodic action. The zero value is not
// usable; obtain one from SetTimeOut or SetInterval.
type Timer struct {
	t        *time.Timer
	ticker   *time.Ticker
	stopCh   chan struct{}
	refcount int32
}

// SetTimeOut runs fn once after d, unless the timer is cleared first.
func SetTimeOut(fn func(), d time.Duration) *Timer {
	return &Timer{t: time.AfterFunc(d, fn)}
}

// ClearTimeout cancels a pending one-shot timer. Safe to call on nil.
func ClearTimeout(tm *Timer) {
	if tm == nil {
		return
	}
	if tm.t != nil {
		tm.t.Stop()
	}
	if tm.ticker != nil {
		tm.ticker.Stop()
	}
	if tm.stopCh != nil {
		select {
		case <-tm.stopCh:
		default:
			close(tm.stopCh)
		}
	}
}

// SetInterval runs fn every d until ClearInterval/ClearTimeout stops it.
func SetInterval(fn func(), d time.Duration) *Timer {
	tm := &Timer{ticker: time.NewTicker(d), stopCh: make(chan struct{})}
	go func() {
		for {
			select {
			case <-tm.stopCh:
				return
			case <-tm.ticker.C:
				fn()
			}
		}
	}()
	return tm
}

// ClearInterval is an alias for ClearTimeout kept for call-site readability
// at SetInterval call sites.
func ClearInterval(tm *Timer) {
	ClearTimeout(tm)
}

// Refresh reschedules a one-shot timer to fire d from now again. Used by
// transport heartbeat tracking to re-arm the ping-timeout deadline each
// time a ping is sent, instead of allocating a fresh timer per beat.
func (tm *Timer) Refresh(d time.Duration) {
	if tm == nil || tm.t == nil {
		return
	}
	tm.t.Reset(d)
}
