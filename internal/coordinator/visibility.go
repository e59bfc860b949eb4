package coordinator

import "sync"

// PageVisibility tracks whether the UI page is in the foreground. The zero value is
// not usable; call NewPageVisibility.
type PageVisibility struct {
	mu        sync.RWMutex
	visible   bool
	listeners map[int64]func(bool)
	nextID    int64
}

// NewPageVisibility returns a tracker starting at visible.
func NewPageVisibility(visible bool) *PageVisibility {
	return &PageVisibility{visible: visible, listeners: make(map[int64]func(bool))}
}

func (v *PageVisibility) IsVisible() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.visible
}

// SetVisible records a visibility change and notifies listeners when it flips.
func (v *PageVisibility) SetVisible(visible bool) {
	v.mu.Lock()
	if v.visible == visible {
		v.mu.Unlock()
		return
	}
	v.visible = visible
	listeners := make([]func(bool), 0, len(v.listeners))
	for _, listener := range v.listeners {
		listeners = append(listeners, listener)
	}
	v.mu.Unlock()

	for _, listener := range listeners {
		listener(visible)
	}
}

// Subscribe registers listener and returns a function removing it.
func (v *PageVisibility) Subscribe(listener func(visible bool)) func() {
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.listeners[id] = listener
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.listeners, id)
			v.mu.Unlock()
		})
	}
}
