// Package filter implements the entry filter chain: a left-to-right
// sequence of stateless transforms, each free to drop or rewrite an entry.
// A dropped entry short-circuits the rest of the chain. No inheritance
// hierarchy is used; a pass-through filter is simply the zero-op
// implementer of the interface.
package filter

import "github.com/riverbank-data/wal-tailer/pkg/types"

// Filter inspects (and may rewrite) a single Entry, returning the entry to
// keep and true, or the zero value and false to drop it. Implementations
// must not depend on the order entries are seen across calls; any ordering
// state belongs to the caller, not the filter.
type Filter interface {
	Apply(e types.Entry) (types.Entry, bool)
}

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(types.Entry) (types.Entry, bool)

// Apply implements Filter.
func (f FilterFunc) Apply(e types.Entry) (types.Entry, bool) {
	return f(e)
}

// Chain composes filters left-to-right; the first filter to drop an entry
// stops evaluation of the rest.
type Chain struct {
	filters []Filter
}

// NewChain builds a Chain from the given filters, applied in order.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Apply implements Filter, running every filter in the chain in order.
func (c *Chain) Apply(e types.Entry) (types.Entry, bool) {
	cur := e
	for _, f := range c.filters {
		next, keep := f.Apply(cur)
		if !keep {
			return types.Entry{}, false
		}
		cur = next
	}
	return cur, true
}

// TableAllowList keeps only entries whose Table is in the configured set;
// every other entry is dropped.
type TableAllowList struct {
	allowed map[string]struct{}
}

// NewTableAllowList builds a TableAllowList permitting exactly the given
// table names.
func NewTableAllowList(tables ...string) *TableAllowList {
	allowed := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		allowed[t] = struct{}{}
	}
	return &TableAllowList{allowed: allowed}
}

// Apply implements Filter.
func (f *TableAllowList) Apply(e types.Entry) (types.Entry, bool) {
	_, ok := f.allowed[e.Table]
	return e, ok
}

// ScopeAllowList keeps only entries whose Scope carries at least one
// key/value pair present in the configured allow-set (e.g. a column-family
// name mapped to itself), dropping every other entry. This is the
// column-family filter referenced by the reader's scenario tests.
type ScopeAllowList struct {
	allowed map[string]string
}

// NewScopeAllowList builds a ScopeAllowList from a set of allowed
// key/value pairs.
func NewScopeAllowList(allowed map[string]string) *ScopeAllowList {
	cp := make(map[string]string, len(allowed))
	for k, v := range allowed {
		cp[k] = v
	}
	return &ScopeAllowList{allowed: cp}
}

// Apply implements Filter.
func (f *ScopeAllowList) Apply(e types.Entry) (types.Entry, bool) {
	for k, v := range e.Scope {
		if want, ok := f.allowed[k]; ok && want == v {
			return e, true
		}
	}
	return types.Entry{}, false
}
