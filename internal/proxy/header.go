package proxy

import (
	"bytes"
	"io"
	"strings"
)

// HeaderField is one request header as received.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered header list. Names keep the case they arrived in and
// are matched case-insensitively. A repeated name overwrites the earlier
// value in its original position.
type Header struct {
	fields []HeaderField
}

// ParseHeaderLine splits "Name: value" at the first colon. Leading spaces
// and tabs are trimmed from the value. ok is false if the line has no colon.
func ParseHeaderLine(line string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return name, strings.TrimLeft(value, " \t"), true
}

func (h *Header) index(name string) int {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value for name.
func (h *Header) Get(name string) (string, bool) {
	if i := h.index(name); i >= 0 {
		return h.fields[i].Value, true
	}
	return "", false
}

// Set replaces the value for name in place, or appends it.
func (h *Header) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].Value = value
		return
	}
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Del removes name.
func (h *Header) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.fields = append(h.fields[:i], h.fields[i+1:]...)
	}
}

func (h *Header) Len() int {
	return len(h.fields)
}

// Fields returns a copy of the header list in order.
func (h *Header) Fields() []HeaderField {
	return append([]HeaderField(nil), h.fields...)
}

// WriteTo writes each field as "Name: Value\r\n", without the terminating
// blank line.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	var b bytes.Buffer
	for _, f := range h.fields {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	return b.WriteTo(w)
}
