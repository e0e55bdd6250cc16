// Package address implements the Address Resolver & Dispatcher from
// SPEC_FULL.md §4.7: symbolic `[project:]agent` addressing over the
// Terminal Registry, plus the typing-aware SendBuffer that gates
// delivery on a target session's idle/composing state.
package address

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ehrlich-b/tower/internal/registry"
)

// Addr is the parsed form of a `[project:]agent` target.
type Addr struct {
	Project string // lowercased; "" means unset
	Agent   string // lowercased
}

// ParseAddress splits s on the first ':'; both halves are lowercased.
// An address with no ':' has an unset Project.
func ParseAddress(s string) Addr {
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return Addr{Project: strings.ToLower(s[:idx]), Agent: strings.ToLower(s[idx+1:])}
	}
	return Addr{Agent: strings.ToLower(s)}
}

// Format is the inverse of ParseAddress, used by the round-trip law in
// SPEC_FULL.md §8: parseAddress(format(project, agent)) == {project, agent}.
func Format(project, agent string) string {
	if project == "" {
		return agent
	}
	return project + ":" + agent
}

// stripLeadingZeros normalizes a numeric agent tail for matching, e.g.
// "007" -> "7". Non-numeric input is returned unchanged.
func stripLeadingZeros(s string) string {
	if s == "" {
		return s
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0" // all zeros collapses to a single zero, never the empty string
	}
	if _, err := strconv.Atoi(trimmed); err != nil {
		return s
	}
	return trimmed
}

// ErrorCode is one of the resolver's tagged failure kinds.
type ErrorCode string

const (
	NotFound  ErrorCode = "NOT_FOUND"
	Ambiguous ErrorCode = "AMBIGUOUS"
	NoContext ErrorCode = "NO_CONTEXT"
)

// ResolveError carries a code and the candidates that made the
// decision ambiguous, when applicable.
type ResolveError struct {
	Code       ErrorCode
	Detail     string
	Candidates []string
}

func (e *ResolveError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Detail) }

// Resolved identifies a terminal a message can be delivered to.
type Resolved struct {
	SessionID string
	Workspace string
	Role      string
	RoleKey   string
}

// Resolver resolves `[project:]agent` targets against a Registry.
// It is a pure function of registry state for a given call, satisfying
// SPEC_FULL.md §8's "address resolver determinism" property.
type Resolver struct {
	reg *registry.Registry
}

// New constructs a Resolver over reg.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// ResolveTarget implements spec.md §4.7's five-step resolution:
// project lookup (if set) or fallback workspace, then role/key
// matching, then numeric-tail matching against builder keys.
func (r *Resolver) ResolveTarget(target, fallbackWorkspace string) (*Resolved, error) {
	addr := ParseAddress(target)

	var workspace string
	if addr.Project != "" {
		matches := r.workspacesByBasename(addr.Project)
		switch len(matches) {
		case 0:
			return nil, &ResolveError{Code: NotFound, Detail: fmt.Sprintf("no workspace named %q", addr.Project)}
		case 1:
			workspace = matches[0]
		default:
			return nil, &ResolveError{Code: Ambiguous, Detail: fmt.Sprintf("%d workspaces named %q", len(matches), addr.Project), Candidates: matches}
		}
	} else {
		if fallbackWorkspace == "" {
			return nil, &ResolveError{Code: NoContext, Detail: "no project specified and no fallback workspace"}
		}
		workspace = fallbackWorkspace
	}

	entry, err := r.reg.GetOrCreateEntry(workspace)
	if err != nil {
		return nil, fmt.Errorf("address: load workspace entry: %w", err)
	}

	if addr.Agent == "architect" || addr.Agent == "arch" {
		if entry.Architect == "" {
			return nil, &ResolveError{Code: NotFound, Detail: "no architect session in " + workspace}
		}
		return &Resolved{SessionID: entry.Architect, Workspace: workspace, Role: registry.RoleArchitect}, nil
	}

	if id, ok := lookupCaseInsensitive(entry.Builders, addr.Agent); ok {
		return &Resolved{SessionID: id, Workspace: workspace, Role: registry.RoleBuilder, RoleKey: addr.Agent}, nil
	}
	if id, ok := lookupCaseInsensitive(entry.Shells, addr.Agent); ok {
		return &Resolved{SessionID: id, Workspace: workspace, Role: registry.RoleShell, RoleKey: addr.Agent}, nil
	}

	stripped := stripLeadingZeros(addr.Agent)
	var tailMatches []string
	var tailIDs []string
	for key, id := range entry.Builders {
		if strings.HasSuffix(key, "-"+stripped) {
			tailMatches = append(tailMatches, key)
			tailIDs = append(tailIDs, id)
		}
	}
	switch len(tailMatches) {
	case 0:
		return nil, &ResolveError{Code: NotFound, Detail: fmt.Sprintf("no agent matching %q in %s", addr.Agent, workspace)}
	case 1:
		return &Resolved{SessionID: tailIDs[0], Workspace: workspace, Role: registry.RoleBuilder, RoleKey: tailMatches[0]}, nil
	default:
		return nil, &ResolveError{Code: Ambiguous, Detail: fmt.Sprintf("%d agents match tail %q", len(tailMatches), stripped), Candidates: tailMatches}
	}
}

func lookupCaseInsensitive(m map[string]string, key string) (string, bool) {
	if id, ok := m[key]; ok {
		return id, true
	}
	for k, id := range m {
		if strings.EqualFold(k, key) {
			return id, true
		}
	}
	return "", false
}

func (r *Resolver) workspacesByBasename(basename string) []string {
	var out []string
	for _, ws := range r.reg.Workspaces() {
		if strings.EqualFold(filepath.Base(ws), basename) {
			out = append(out, ws)
		}
	}
	return out
}
