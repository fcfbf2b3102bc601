package state

import (
	"encoding/json"
)

// DedupWindow is a bounded, insertion-ordered set of handled event keys.
// The oldest key is evicted first; re-marking a key moves it to the back.
type DedupWindow struct {
	keys     []string
	index    map[string]struct{}
	capacity int
}

// NewDedupWindow creates a window holding at most capacity keys, seeded
// with keys in order
func NewDedupWindow(capacity int, keys ...string) *DedupWindow {
	w := &DedupWindow{capacity: capacity}
	w.reset(keys)
	return w
}

func (w *DedupWindow) reset(keys []string) {
	w.keys = make([]string, 0, len(keys))
	w.index = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		w.MarkProcessed(k)
	}
}

// Contains reports whether key has been handled recently
func (w *DedupWindow) Contains(key string) bool {
	_, ok := w.index[key]
	return ok
}

// MarkProcessed appends key, or moves it to the back if present, then
// trims the front down to capacity
func (w *DedupWindow) MarkProcessed(key string) {
	if w.index == nil {
		w.index = make(map[string]struct{})
	}
	if n := len(w.keys); n > 0 && w.keys[n-1] == key {
		return
	}

	if _, ok := w.index[key]; ok {
		for i, k := range w.keys {
			if k == key {
				w.keys = append(w.keys[:i], w.keys[i+1:]...)
				break
			}
		}
	}

	w.keys = append(w.keys, key)
	w.index[key] = struct{}{}
	w.trim()
}

// SetCapacity changes the capacity, evicting the oldest keys if needed
func (w *DedupWindow) SetCapacity(capacity int) {
	w.capacity = capacity
	w.trim()
}

func (w *DedupWindow) trim() {
	if w.capacity <= 0 || len(w.keys) <= w.capacity {
		return
	}
	drop := len(w.keys) - w.capacity
	for _, k := range w.keys[:drop] {
		delete(w.index, k)
	}
	w.keys = append([]string(nil), w.keys[drop:]...)
}

// Len returns the number of keys held
func (w *DedupWindow) Len() int {
	return len(w.keys)
}

// Capacity returns the maximum number of keys held
func (w *DedupWindow) Capacity() int {
	return w.capacity
}

// Keys returns the keys oldest first
func (w *DedupWindow) Keys() []string {
	return append([]string(nil), w.keys...)
}

// Clone returns an independent copy
func (w *DedupWindow) Clone() *DedupWindow {
	return NewDedupWindow(w.capacity, w.keys...)
}

// MarshalJSON encodes the window as a plain array of keys
func (w DedupWindow) MarshalJSON() ([]byte, error) {
	keys := w.keys
	if keys == nil {
		keys = []string{}
	}
	return json.Marshal(keys)
}

// UnmarshalJSON decodes a plain array of keys. Capacity is preserved and
// applied after decoding.
func (w *DedupWindow) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	w.reset(keys)
	return nil
}
