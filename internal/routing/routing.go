// Package routing holds the route table built while scripts load and the
// matcher the dispatcher uses to pick a handler.
package routing

import (
	"fmt"
	"strings"

	"github.com/cryguy/scriptd/internal/core"
)

// Segment is one "/"-separated piece of a path pattern.
type Segment struct {
	Literal string
	Param   string // non-empty for a parameter segment
}

// Pattern is a parsed path pattern such as /users/{id}/posts/:post.
type Pattern struct {
	raw      string
	segments []Segment
}

// ParsePattern parses a path pattern. Parameter segments are written
// {name} or :name. Parameter names must be unique within a pattern.
func ParsePattern(raw string) (Pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return Pattern{}, fmt.Errorf("pattern %q must start with /", raw)
	}
	parts := splitPath(raw)
	segs := make([]Segment, 0, len(parts))
	seen := make(map[string]bool)
	for _, p := range parts {
		var name string
		switch {
		case strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") && len(p) > 2:
			name = p[1 : len(p)-1]
		case strings.HasPrefix(p, ":") && len(p) > 1:
			name = p[1:]
		case strings.ContainsAny(p, "{}"):
			return Pattern{}, fmt.Errorf("pattern %q: malformed segment %q", raw, p)
		}
		if name != "" {
			if strings.ContainsAny(name, "{}:/") {
				return Pattern{}, fmt.Errorf("pattern %q: invalid parameter name %q", raw, name)
			}
			if seen[name] {
				return Pattern{}, fmt.Errorf("pattern %q: duplicate parameter %q", raw, name)
			}
			seen[name] = true
			segs = append(segs, Segment{Param: name})
			continue
		}
		segs = append(segs, Segment{Literal: p})
	}
	return Pattern{raw: raw, segments: segs}, nil
}

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// Segments returns the parsed segments.
func (p Pattern) Segments() []Segment { return p.segments }

// key is the canonical form used for duplicate detection: parameter names
// do not distinguish patterns.
func (p Pattern) key() string {
	var b strings.Builder
	for _, s := range p.segments {
		b.WriteByte('/')
		if s.Param != "" {
			b.WriteString("{}")
		} else {
			b.WriteString(s.Literal)
		}
	}
	return b.String()
}

// Match binds path against the pattern. Segment counts must be equal and
// literal segments must be equal; parameters bind the corresponding segment.
func (p Pattern) Match(path string) (map[string]string, bool) {
	parts := splitPath(path)
	if len(parts) != len(p.segments) {
		return nil, false
	}
	var params map[string]string
	for i, s := range p.segments {
		if s.Param == "" {
			if s.Literal != parts[i] {
				return nil, false
			}
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[s.Param] = parts[i]
	}
	if params == nil {
		params = map[string]string{}
	}
	return params, true
}

// splitPath trims surrounding slashes and splits on "/". The root path has
// zero segments.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Route is one registered handler. Handler is the index of the handler in
// every isolate's handler table.
type Route struct {
	Method  string
	Pattern Pattern
	Handler int
	Kind    core.ResponseKind
}

// Signature identifies a route for cross-isolate consistency checks.
func (r Route) Signature() string {
	return fmt.Sprintf("%s %s %s #%d", r.Method, r.Pattern.String(), r.Kind, r.Handler)
}

// Registration is the raw form of an addRoute call.
type Registration struct {
	Method  string
	Pattern string
	Kind    string
	Handler int
}

// Registry is an immutable, ordered route table.
type Registry struct {
	routes []Route
}

// Build validates registrations in order and returns the table. A repeated
// (method, pattern) pair or an invalid pattern is a ConfigurationError.
func Build(regs []Registration) (*Registry, error) {
	seen := make(map[string]int, len(regs))
	routes := make([]Route, 0, len(regs))
	for i, reg := range regs {
		method := strings.ToUpper(strings.TrimSpace(reg.Method))
		if method == "" {
			return nil, &core.ConfigurationError{Phase: "register", Err: fmt.Errorf("route %d: empty method", i)}
		}
		pat, err := ParsePattern(reg.Pattern)
		if err != nil {
			return nil, &core.ConfigurationError{Phase: "register", Err: err}
		}
		kind, err := core.ParseResponseKind(reg.Kind)
		if err != nil {
			return nil, &core.ConfigurationError{Phase: "register", Err: fmt.Errorf("route %s %s: %w", method, reg.Pattern, err)}
		}
		k := method + " " + pat.key()
		if prev, dup := seen[k]; dup {
			return nil, &core.ConfigurationError{
				Phase: "register",
				Err: fmt.Errorf("duplicate route %s %s (already registered as %s)",
					method, reg.Pattern, routes[prev].Pattern.String()),
			}
		}
		seen[k] = len(routes)
		routes = append(routes, Route{Method: method, Pattern: pat, Handler: reg.Handler, Kind: kind})
	}
	return &Registry{routes: routes}, nil
}

// Routes returns the table in registration order.
func (r *Registry) Routes() []Route {
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Len returns the number of routes.
func (r *Registry) Len() int { return len(r.routes) }

// Match scans routes in registration order and returns the first whose
// method and pattern match.
func (r *Registry) Match(method, path string) (Route, map[string]string, bool) {
	method = strings.ToUpper(method)
	for _, rt := range r.routes {
		if rt.Method != method {
			continue
		}
		if params, ok := rt.Pattern.Match(path); ok {
			return rt, params, true
		}
	}
	return Route{}, nil, false
}

// Equal reports whether two tables hold the same routes in the same order.
func (r *Registry) Equal(o *Registry) bool {
	if len(r.routes) != len(o.routes) {
		return false
	}
	for i := range r.routes {
		if r.routes[i].Signature() != o.routes[i].Signature() {
			return false
		}
	}
	return true
}
