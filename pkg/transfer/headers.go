package transfer

import "strings"

type header struct {
	name  string
	value string
}

// Headers is an ordered header set with case-insensitive names and
// last-write-wins semantics. An empty value marks the header for removal:
// it is excluded from the request and cancels any engine default.
type Headers struct {
	items []header
}

// NewHeaders returns an empty header set.
func NewHeaders() *Headers {
	return &Headers{}
}

// Set adds name with value, replacing an existing entry in place so order
// is preserved.
func (h *Headers) Set(name, value string) {
	for i := range h.items {
		if strings.EqualFold(h.items[i].name, name) {
			h.items[i].value = value
			return
		}
	}
	h.items = append(h.items, header{name: name, value: value})
}

// Get returns the value for name.
func (h *Headers) Get(name string) (string, bool) {
	for i := range h.items {
		if strings.EqualFold(h.items[i].name, name) {
			return h.items[i].value, true
		}
	}
	return "", false
}

// Del removes name entirely.
func (h *Headers) Del(name string) {
	for i := range h.items {
		if strings.EqualFold(h.items[i].name, name) {
			h.items = append(h.items[:i], h.items[i+1:]...)
			return
		}
	}
}

// Len reports the number of entries, including removal markers.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.items)
}

// Each calls fn for every entry in order.
func (h *Headers) Each(fn func(name, value string)) {
	if h == nil {
		return
	}
	for _, it := range h.items {
		fn(it.name, it.value)
	}
}

// Merge copies every entry of other into h, preserving last-write-wins.
func (h *Headers) Merge(other *Headers) {
	other.Each(func(name, value string) {
		h.Set(name, value)
	})
}

// Line renders one entry in engine wire form: "Name: value", or "Name:"
// for a removal marker.
func (it header) Line() string {
	if it.value == "" {
		return it.name + ":"
	}
	return it.name + ": " + it.value
}

// Lines renders all entries in engine wire form.
func (h *Headers) Lines() []string {
	if h == nil {
		return nil
	}
	lines := make([]string, 0, len(h.items))
	for _, it := range h.items {
		lines = append(lines, it.Line())
	}
	return lines
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return nil
	}
	c := &Headers{items: make([]header, len(h.items))}
	copy(c.items, h.items)
	return c
}
