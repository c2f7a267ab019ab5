// Package cookie merges backend Set-Cookie directives into a forwarded
// Cookie header.
//
// Values are relayed verbatim. net/http's cookie parsers validate and
// rewrite values, which the proxy must not do for a credential it does not
// own.
package cookie

import (
	"net/http"
	"strings"
)

// Jar is a name→value view of a Cookie header. Names are unique; setting an
// existing name replaces its value in place.
type Jar struct {
	names  []string
	values map[string]string
}

// Parse splits a Cookie header into a Jar. Segments without '=' or with an
// empty name are dropped; a repeated name keeps its last value.
func Parse(header string) *Jar {
	j := &Jar{values: make(map[string]string)}
	for _, seg := range strings.Split(header, ";") {
		if name, value, ok := splitPair(seg); ok {
			j.Set(name, value)
		}
	}
	return j
}

// Set upserts name=value.
func (j *Jar) Set(name, value string) {
	if _, ok := j.values[name]; !ok {
		j.names = append(j.names, name)
	}
	j.values[name] = value
}

// Get returns the value for name.
func (j *Jar) Get(name string) (string, bool) {
	v, ok := j.values[name]
	return v, ok
}

// Len returns the number of distinct names.
func (j *Jar) Len() int {
	return len(j.names)
}

// Apply upserts the name/value pair of every directive. Attributes after
// the first ';' are ignored.
func (j *Jar) Apply(directives []string) {
	for _, d := range directives {
		first, _, _ := strings.Cut(d, ";")
		if name, value, ok := splitPair(first); ok {
			j.Set(name, value)
		}
	}
}

// String serializes the jar as a Cookie header.
func (j *Jar) String() string {
	var b strings.Builder
	for i, name := range j.names {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(j.values[name])
	}
	return b.String()
}

// Merge applies Set-Cookie directives to the current Cookie header and
// returns the header to send on the next request.
func Merge(current string, directives []string) string {
	j := Parse(current)
	j.Apply(directives)
	return j.String()
}

// Directives returns every Set-Cookie directive in h. Header values holding
// several comma-joined directives are split, so both representations yield
// the same list.
func Directives(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Set-Cookie") {
		out = append(out, Split(v)...)
	}
	return out
}

// Split breaks a combined Set-Cookie value into individual directives. A
// comma starts a new directive only when it is followed by a name=, so the
// comma inside an Expires date is kept.
func Split(value string) []string {
	var out []string
	start := 0
	for i := 0; i < len(value); i++ {
		if value[i] != ',' || !startsDirective(value[i+1:]) {
			continue
		}
		if d := strings.TrimSpace(value[start:i]); d != "" {
			out = append(out, d)
		}
		start = i + 1
	}
	if d := strings.TrimSpace(value[start:]); d != "" {
		out = append(out, d)
	}
	return out
}

func startsDirective(s string) bool {
	s = strings.TrimLeft(s, " \t")
	eq := strings.IndexByte(s, '=')
	if eq <= 0 {
		return false
	}
	return !strings.ContainsAny(s[:eq], " \t;,")
}

func splitPair(s string) (name, value string, ok bool) {
	s = strings.TrimSpace(s)
	eq := strings.IndexByte(s, '=')
	if eq <= 0 {
		return "", "", false
	}
	name = strings.TrimSpace(s[:eq])
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(s[eq+1:]), true
}
