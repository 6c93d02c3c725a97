// Package guard holds the role to domain permission matrix that every
// dispatch must pass, and the audit trail of denied attempts.
//
// A Registry is built once and never changes afterwards. Authorize is a pure
// lookup, so a pair that is denied once is denied on every call.
package guard

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// Wildcard grants every domain.
	Wildcard = "*"

	// ActionDispatch is the action checked before a worker is invoked.
	ActionDispatch = "dispatch"
)

// ErrDenied is matched by every *DeniedError.
var ErrDenied = errors.New("guard: denied")

// DeniedError carries what was attempted and why it was refused.
type DeniedError struct {
	Role   string
	Domain string
	Action string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("guard: %s denied for role %q on domain %q: %s", e.Action, e.Role, e.Domain, e.Reason)
}

// Is lets errors.Is match ErrDenied.
func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Authorization is the proof of a successful check.
type Authorization struct {
	Role   string
	Domain string
	Action string
}

// Matrix maps a role to the domains it may enter.
type Matrix map[string][]string

// Clone returns a deep copy of m with each domain list sorted and
// de-duplicated.
func (m Matrix) Clone() Matrix {
	out := make(Matrix, len(m))
	for role, domains := range m {
		out[role] = dedup(domains)
	}
	return out
}

// Merge unions matrices. A role present in several inputs is granted the
// union of its domains.
func Merge(ms ...Matrix) Matrix {
	out := make(Matrix)
	for _, m := range ms {
		for role, domains := range m {
			out[role] = append(out[role], domains...)
		}
	}
	return out.Clone()
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, d := range in {
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Registry is an immutable permission matrix.
type Registry struct {
	roles map[string]map[string]struct{}
}

// NewRegistry freezes a copy of m. Later changes to m have no effect.
func NewRegistry(m Matrix) *Registry {
	roles := make(map[string]map[string]struct{}, len(m))
	for role, domains := range m {
		set := make(map[string]struct{}, len(domains))
		for _, d := range domains {
			if d != "" {
				set[d] = struct{}{}
			}
		}
		roles[role] = set
	}
	return &Registry{roles: roles}
}

// Authorize checks whether role may perform action on domain. A denial is
// always a *DeniedError.
func (r *Registry) Authorize(role, domain, action string) (Authorization, error) {
	deny := func(format string, args ...any) (Authorization, error) {
		return Authorization{}, &DeniedError{Role: role, Domain: domain, Action: action, Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case role == "":
		return deny("no role")
	case domain == "":
		return deny("no domain")
	case action == "":
		return deny("no action")
	}

	domains, ok := r.roles[role]
	if !ok {
		return deny("role has no permissions")
	}
	if _, ok := domains[Wildcard]; !ok {
		if _, ok := domains[domain]; !ok {
			return deny("domain not permitted for role")
		}
	}
	return Authorization{Role: role, Domain: domain, Action: action}, nil
}

// Matrix returns a copy of the frozen matrix.
func (r *Registry) Matrix() Matrix {
	out := make(Matrix, len(r.roles))
	for role, set := range r.roles {
		domains := make([]string, 0, len(set))
		for d := range set {
			domains = append(domains, d)
		}
		sort.Strings(domains)
		out[role] = domains
	}
	return out
}
