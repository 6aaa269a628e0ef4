// Package identity answers who is driving the session and which roles they
// hold. Tokens are decoded for their claims only; signatures are the identity
// provider's concern, not ours.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RoleAdmin gates resource edits.
const RoleAdmin = "admin"

// ErrUnauthenticated means no usable identity is available.
var ErrUnauthenticated = errors.New("identity: not signed in (run `vmdeck login`)")

// User is the signed-in principal.
type User struct {
	Subject string
	Name    string
	Email   string
}

// Display picks the most readable identifier.
func (u *User) Display() string {
	if u == nil {
		return ""
	}
	for _, v := range []string{u.Name, u.Email, u.Subject} {
		if v != "" {
			return v
		}
	}
	return ""
}

// Provider is the identity collaborator consumed by the dispatcher and CLI.
type Provider interface {
	EnsureAuthenticated(ctx context.Context) error
	User(ctx context.Context) (*User, error)
	Roles(ctx context.Context) (RoleSet, error)
}

// RoleSet is an ordered, de-duplicated list of role names.
type RoleSet []string

// Has compares case-insensitively.
func (r RoleSet) Has(role string) bool {
	for _, candidate := range r {
		if strings.EqualFold(candidate, role) {
			return true
		}
	}
	return false
}

// HasRole is a convenience over Provider.Roles.
func HasRole(ctx context.Context, p Provider, role string) (bool, error) {
	roles, err := p.Roles(ctx)
	if err != nil {
		return false, err
	}
	return roles.Has(role), nil
}

const microsoftRoleClaim = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"

// RolesFromClaims collects role names from every claim location identity
// providers are known to use.
func RolesFromClaims(claims map[string]any) RoleSet {
	var out RoleSet
	seen := make(map[string]struct{})
	add := func(v any) {
		switch val := v.(type) {
		case nil:
		case []any:
			for _, item := range val {
				addOne(item, seen, &out)
			}
		case []string:
			for _, item := range val {
				addOne(item, seen, &out)
			}
		default:
			addOne(val, seen, &out)
		}
	}

	for _, key := range []string{"roles", "role", microsoftRoleClaim} {
		add(claims[key])
	}
	for _, nested := range []string{"app_metadata", "user_metadata"} {
		if meta, ok := claims[nested].(map[string]any); ok {
			add(meta["roles"])
		}
	}

	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		lower := strings.ToLower(key)
		val := claims[key]
		if strings.Contains(lower, "role") {
			add(val)
			continue
		}
		if _, isList := val.([]any); isList &&
			(strings.Contains(lower, "permissions") || strings.Contains(lower, "groups")) {
			add(val)
		}
	}
	return out
}

func addOne(v any, seen map[string]struct{}, out *RoleSet) {
	if v == nil {
		return
	}
	if _, isMap := v.(map[string]any); isMap {
		return
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return
	}
	if _, dup := seen[s]; dup {
		return
	}
	seen[s] = struct{}{}
	*out = append(*out, s)
}

// Static is a fixed identity, used for development and scripted runs.
type Static struct {
	Name     string
	RoleList []string
}

var _ Provider = (*Static)(nil)

func (s *Static) EnsureAuthenticated(context.Context) error { return nil }

func (s *Static) User(context.Context) (*User, error) {
	name := s.Name
	if name == "" {
		name = "local"
	}
	return &User{Subject: name, Name: name}, nil
}

func (s *Static) Roles(context.Context) (RoleSet, error) {
	out := make(RoleSet, 0, len(s.RoleList))
	seen := make(map[string]struct{})
	for _, r := range s.RoleList {
		addOne(r, seen, &out)
	}
	return out, nil
}
