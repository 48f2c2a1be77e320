package protocol

import "strings"

// HttpMethod represents HTTP request methods
type HttpMethod int

const (
	MethodGet HttpMethod = iota
	MethodPost
	MethodPut
	MethodPatch
	MethodDelete
)

var methodNames = [...]string{
	MethodGet:    "GET",
	MethodPost:   "POST",
	MethodPut:    "PUT",
	MethodPatch:  "PATCH",
	MethodDelete: "DELETE",
}

func (m HttpMethod) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return "UNKNOWN"
	}
	return methodNames[m]
}

// HasBody reports whether requests with this method carry a request body
func (m HttpMethod) HasBody() bool {
	return m == MethodPost || m == MethodPut || m == MethodPatch
}

// ParseMethod maps a method name to its HttpMethod, case-insensitively
func ParseMethod(name string) (HttpMethod, bool) {
	for m, n := range methodNames {
		if strings.EqualFold(n, name) {
			return HttpMethod(m), true
		}
	}
	return 0, false
}

// HttpHeader represents an HTTP header key-value pair
type HttpHeader struct {
	Key   string
	Value string
}

// Headers is an insertion-ordered header list. Names compare
// case-insensitively; setting an existing name replaces its value in place.
type Headers struct {
	list []HttpHeader
}

// Set adds or replaces a header
func (h *Headers) Set(key, value string) {
	for i := range h.list {
		if strings.EqualFold(h.list[i].Key, key) {
			h.list[i].Value = value
			return
		}
	}
	h.list = append(h.list, HttpHeader{Key: key, Value: value})
}

// Get returns the value stored for key
func (h *Headers) Get(key string) (string, bool) {
	for _, hdr := range h.list {
		if strings.EqualFold(hdr.Key, key) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Del removes key if present
func (h *Headers) Del(key string) {
	for i := range h.list {
		if strings.EqualFold(h.list[i].Key, key) {
			h.list = append(h.list[:i], h.list[i+1:]...)
			return
		}
	}
}

// Len returns the number of headers
func (h *Headers) Len() int {
	return len(h.list)
}

// All returns the headers in insertion order
func (h *Headers) All() []HttpHeader {
	return h.list
}

// Merge applies every header of other on top of h
func (h *Headers) Merge(other Headers) {
	for _, hdr := range other.list {
		h.Set(hdr.Key, hdr.Value)
	}
}

// Clone returns an independent copy
func (h Headers) Clone() Headers {
	return Headers{list: append([]HttpHeader(nil), h.list...)}
}

// Lines renders each header as "Name: value"
func (h *Headers) Lines() []string {
	lines := make([]string, 0, len(h.list))
	for _, hdr := range h.list {
		lines = append(lines, hdr.Key+": "+hdr.Value)
	}
	return lines
}

// HttpRequest represents an HTTP request as written on the wire
type HttpRequest struct {
	Method  string
	Target  string
	Host    string
	Headers []HttpHeader
	// ContentLength is the body size; -1 selects chunked transfer coding
	// and 0 omits the body headers unless ForceLength is set.
	ContentLength int64
	ForceLength   bool
}
