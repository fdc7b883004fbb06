package realtime

import (
	"sync"

	"github.com/syncwirehq/syncwire/internal/store"
)

// WriteFence is a barrier ordering method side effects against the data
// stream. Writes performed during a method call register via BeginWrite; the
// method dispatcher arms the fence after the handler returns. Completion
// callbacks fire exactly once, after arming and after every registered write
// has committed.
type WriteFence struct {
	mu          sync.Mutex
	armed       bool
	fired       bool
	outstanding int
	callbacks   []func()
}

var _ store.Fence = (*WriteFence)(nil)

func NewWriteFence() *WriteFence {
	return &WriteFence{}
}

// BeginWrite registers a pending write. The returned func must be called once
// the write is visible to observers; calling it more than once is a no-op.
// Writes registered after the fence has fired are ignored.
func (f *WriteFence) BeginWrite() (committed func()) {
	f.mu.Lock()
	if f.fired {
		f.mu.Unlock()
		return func() {}
	}
	f.outstanding++
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.outstanding--
			cbs := f.maybeFireLocked()
			f.mu.Unlock()
			runCallbacks(cbs)
		})
	}
}

// Arm declares that no further writes will be registered by the method body.
// Idempotent. If all registered writes have already committed, the completion
// callbacks fire immediately.
func (f *WriteFence) Arm() {
	f.mu.Lock()
	f.armed = true
	cbs := f.maybeFireLocked()
	f.mu.Unlock()
	runCallbacks(cbs)
}

// OnAllCommitted registers a completion callback. If the fence has already
// fired, the callback runs immediately.
func (f *WriteFence) OnAllCommitted(fn func()) {
	f.mu.Lock()
	if f.fired {
		f.mu.Unlock()
		fn()
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Fired reports whether the completion callbacks have run.
func (f *WriteFence) Fired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

func (f *WriteFence) maybeFireLocked() []func() {
	if f.fired || !f.armed || f.outstanding > 0 {
		return nil
	}
	f.fired = true
	cbs := f.callbacks
	f.callbacks = nil
	return cbs
}

func runCallbacks(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
