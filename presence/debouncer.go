// Package presence turns a stream of local edit signals into
// "started typing" and "stopped typing" edge events.
package presence

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultIdle is how long after the last edit "stopped typing" is emitted.
const DefaultIdle = 2000 * time.Millisecond

// Emitter receives the edge events. Calls are serialized.
type Emitter interface {
	Typing(author string)
	StopTyping(author string)
}

// Debouncer owns a single-slot idle timer for one local identity.
type Debouncer struct {
	sync.Mutex

	author string
	idle   time.Duration
	emit   Emitter

	timer *time.Timer
	// gen invalidates a timer whose callback is already running when it is
	// cancelled.
	gen     uint64
	pending bool
	stopped bool
}

func New(author string, idle time.Duration, emit Emitter) *Debouncer {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Debouncer{
		author: author,
		idle:   idle,
		emit:   emit,
	}
}

// OnLocalEdit must be called on every local input change. The first call
// after idle emits Typing; every call restarts the idle timer.
func (d *Debouncer) OnLocalEdit() {
	d.Lock()
	defer d.Unlock()
	if d.stopped {
		return
	}

	if !d.pending {
		d.pending = true
		d.emit.Typing(d.author)
	}
	d.restartLocked()
}

// Flush cancels the idle timer and emits StopTyping immediately, whether or
// not a typing edge is outstanding. Used when a message is sent.
func (d *Debouncer) Flush() {
	d.Lock()
	defer d.Unlock()
	if d.stopped {
		return
	}
	d.cancelLocked()
	d.pending = false
	d.emit.StopTyping(d.author)
}

// Stop cancels the timer for good. An outstanding typing edge is closed with
// a final StopTyping. Stop is idempotent.
func (d *Debouncer) Stop() {
	d.Lock()
	defer d.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	d.cancelLocked()
	if d.pending {
		d.pending = false
		d.emit.StopTyping(d.author)
	}
}

// Pending reports whether a typing edge is outstanding.
func (d *Debouncer) Pending() bool {
	d.Lock()
	defer d.Unlock()
	return d.pending
}

func (d *Debouncer) restartLocked() {
	d.cancelLocked()
	gen := d.gen
	d.timer = time.AfterFunc(d.idle, func() { d.expire(gen) })
}

func (d *Debouncer) cancelLocked() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) expire(gen uint64) {
	d.Lock()
	defer d.Unlock()
	if gen != d.gen || !d.pending || d.stopped {
		glog.V(5).Infof("presence: stale idle timer for %q ignored", d.author)
		return
	}
	d.timer = nil
	d.pending = false
	d.emit.StopTyping(d.author)
}
