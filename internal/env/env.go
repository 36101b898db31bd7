// Package env composes the environment handed to the engine: the
// supervisor's own environment with a small overlay on top.
package env

import (
	"os"
	"runtime"
	"slices"
	"strings"
)

// Overlay is a set of K=V overrides applied over a base environment.
type Overlay map[string]string

// Env holds the base environment and the overlay applied to it.
type Env struct {
	Overlay Overlay
	base    []string
}

// New returns an Env based on the current process environment.
func New() *Env {
	return &Env{Overlay: make(Overlay), base: os.Environ()}
}

// WithBase replaces the base environment. Entries are "K=V".
func (e *Env) WithBase(base []string) *Env {
	e.base = slices.Clone(base)
	return e
}

// WithSet adds one override and returns e for chaining. Empty keys are ignored.
func (e *Env) WithSet(k, v string) *Env {
	if k == "" {
		return e
	}
	if e.Overlay == nil {
		e.Overlay = make(Overlay)
	}
	e.Overlay[k] = v
	return e
}

// Merge returns base, then the overlay, then extra ("K=V") as a sorted
// K=V list. Later layers win. ${VAR} and $VAR references in values are
// expanded once against the merged map; unknown names expand to "". Base
// values are passed through untouched.
// Keys compare case-insensitively on Windows, where the first spelling seen
// is kept.
func (e *Env) Merge(extra []string) []string {
	m := make(map[string]string)
	names := make(map[string]string)
	expand := make(map[string]bool)
	put := func(k, v string, layered bool) {
		if k == "" {
			return
		}
		id := k
		if runtime.GOOS == "windows" {
			id = strings.ToUpper(k)
		}
		if _, ok := names[id]; !ok {
			names[id] = k
		}
		m[id] = v
		expand[id] = layered
	}
	for _, kv := range e.base {
		if k, v, ok := split(kv); ok {
			put(k, v, false)
		}
	}
	for k, v := range e.Overlay {
		put(k, v, true)
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			put(k, v, true)
		}
	}

	lookup := func(name string) string {
		if runtime.GOOS == "windows" {
			name = strings.ToUpper(name)
		}
		return m[name]
	}
	out := make([]string, 0, len(m))
	for id, v := range m {
		if expand[id] && strings.ContainsRune(v, '$') {
			v = os.Expand(v, lookup)
		}
		out = append(out, names[id]+"="+v)
	}
	slices.Sort(out)
	return out
}

// Lookup returns the value of k in a K=V list.
func Lookup(list []string, k string) (string, bool) {
	for _, kv := range list {
		key, v, ok := split(kv)
		if !ok {
			continue
		}
		if key == k || (runtime.GOOS == "windows" && strings.EqualFold(key, k)) {
			return v, true
		}
	}
	return "", false
}

func split(kv string) (string, string, bool) {
	// Windows keeps per-drive cwd entries like "=C:=C:\"; skip them.
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
