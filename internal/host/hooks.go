package host

import "sync"

// Registration undoes a hook registration. Calling Unregister more than once
// is harmless.
type Registration interface {
	Unregister()
}

// Hook holds at most one active callback. Registering again replaces the
// previous callback, and the old Registration then becomes a no-op.
type Hook struct {
	mu  sync.Mutex
	fn  func(map[string]any)
	gen uint64
}

func (h *Hook) Register(fn func(map[string]any)) Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	h.fn = fn
	return &registration{hook: h, gen: h.gen}
}

// Fire calls the active callback, if any.
func (h *Hook) Fire(data map[string]any) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (h *Hook) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fn != nil
}

type registration struct {
	once sync.Once
	hook *Hook
	gen  uint64
}

func (r *registration) Unregister() {
	r.once.Do(func() {
		r.hook.mu.Lock()
		defer r.hook.mu.Unlock()
		if r.hook.gen == r.gen {
			r.hook.fn = nil
		}
	})
}
