package pipeline

import (
	"fmt"
	"sort"
)

const redactedValue = "[redacted]"

// Context is the key/value store shared by the stages of a single run.
//
// It is created empty when the pipeline starts, populated incrementally by
// the stage currently executing, and discarded when the run terminates. The
// sequential execution model means no locking is needed: only one stage ever
// mutates it at a time.
type Context struct {
	keys       []string
	values     map[string]string
	secrets    map[string]struct{}
	fallbacks  map[string]string
	advisories []Advisory
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithFallbackValues supplies externally configured defaults consulted by
// Resolve when no stage produced the requested key.
func WithFallbackValues(values map[string]string) ContextOption {
	return func(c *Context) {
		for k, v := range values {
			c.fallbacks[k] = v
		}
	}
}

// NewContext creates an empty Context.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		values:    map[string]string{},
		secrets:   map[string]struct{}{},
		fallbacks: map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Set writes a key. Later writes update the value in place; the key keeps its
// original position in the diagnostic listing.
func (c *Context) Set(key, value string) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// SetSecret writes a key whose value must never appear in logs or snapshots.
// The raw value remains available through Get and Resolve.
func (c *Context) SetSecret(key, value string) {
	c.Set(key, value)
	c.secrets[key] = struct{}{}
}

// Get returns the value for key and whether it was present.
func (c *Context) Get(key string) (string, bool) {
	v, ok := c.values[key]

	return v, ok
}

// MustGet returns the value for key, or a *MissingContextValueError naming
// the requesting stage. Unlike Resolve it does not consult fallback values.
func (c *Context) MustGet(key, stage string) (string, error) {
	if v, ok := c.values[key]; ok {
		return v, nil
	}

	return "", &MissingContextValueError{Key: key, Stage: stage}
}

// Resolve returns the value for key written by an earlier stage, falling back
// to an externally configured default. If neither is present it returns a
// *MissingContextValueError naming the key and the requesting stage.
//
// Resolution is a pure lookup: deterministic and side-effect free.
func (c *Context) Resolve(key, stage string) (string, error) {
	if v, ok := c.values[key]; ok {
		return v, nil
	}
	if v, ok := c.fallbacks[key]; ok {
		return v, nil
	}

	return "", &MissingContextValueError{Key: key, Stage: stage}
}

// Has reports whether key is satisfiable, either from a stage write or a
// fallback value.
func (c *Context) Has(key string) bool {
	if _, ok := c.values[key]; ok {
		return true
	}
	_, ok := c.fallbacks[key]

	return ok
}

// Keys lists the written keys in insertion order.
func (c *Context) Keys() []string {
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)

	return keys
}

// FallbackKeys lists the configured fallback keys, sorted for stable output.
func (c *Context) FallbackKeys() []string {
	keys := make([]string, 0, len(c.fallbacks))
	for k := range c.fallbacks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// Snapshot returns a copy of the written keys and values for diagnostics.
// Secret values are redacted.
func (c *Context) Snapshot() map[string]string {
	snap := make(map[string]string, len(c.values))
	for k, v := range c.values {
		if _, secret := c.secrets[k]; secret {
			snap[k] = redactedValue

			continue
		}
		snap[k] = v
	}

	return snap
}

// Advise records a non-fatal sub-step failure. Advisories never halt the run
// but always appear in the final report.
func (c *Context) Advise(stage string, err error) {
	c.advisories = append(c.advisories, Advisory{
		Stage:   stage,
		Message: fmt.Sprintf("%v", err),
	})
}

// Advisories returns the advisories recorded so far, in order.
func (c *Context) Advisories() []Advisory {
	out := make([]Advisory, len(c.advisories))
	copy(out, c.advisories)

	return out
}
