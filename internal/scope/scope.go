// Package scope defines the identifier hierarchy that rate limits and rest
// periods attach to. Scopes form a strict chain: account -> group -> app.
package scope

import (
	"fmt"
	"strings"
)

// Kind identifies the level of a scope in the limiting hierarchy
type Kind string

const (
	// KindApp is the topmost scope covering the whole installation
	KindApp Kind = "app"
	// KindGroup covers one account group
	KindGroup Kind = "group"
	// KindAccount covers a single connected social account
	KindAccount Kind = "account"
)

// AppScopeID is the fixed identifier of the single app-level scope
const AppScopeID = "global"

// Scope is a tagged identifier at one level of the hierarchy
type Scope struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// App returns the singleton app-level scope
func App() Scope {
	return Scope{Kind: KindApp, ID: AppScopeID}
}

// Group returns a group-level scope
func Group(id string) Scope {
	return Scope{Kind: KindGroup, ID: id}
}

// Account returns an account-level scope
func Account(id string) Scope {
	return Scope{Kind: KindAccount, ID: id}
}

// Key returns the canonical string form used in storage keys, e.g. "account:42"
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

// String implements fmt.Stringer
func (s Scope) String() string {
	return s.Key()
}

// Validate checks that the scope is well formed
func (s Scope) Validate() error {
	switch s.Kind {
	case KindApp, KindGroup, KindAccount:
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	if s.ID == "" {
		return fmt.Errorf("scope id cannot be empty")
	}
	if strings.ContainsAny(s.ID, ": \t\n") {
		return fmt.Errorf("invalid scope id %q: must not contain colons or whitespace", s.ID)
	}
	return nil
}

// Parse converts a canonical key back into a Scope
func Parse(key string) (Scope, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return Scope{}, fmt.Errorf("invalid scope key %q", key)
	}
	s := Scope{Kind: Kind(kind), ID: id}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Chain returns the scope chain for an account in a group, ordered bottom-up:
// account, then group, then app. Limiting decisions walk this chain and the
// tightest applicable limit wins.
func Chain(accountID, groupID string) []Scope {
	chain := make([]Scope, 0, 3)
	if accountID != "" {
		chain = append(chain, Account(accountID))
	}
	if groupID != "" {
		chain = append(chain, Group(groupID))
	}
	return append(chain, App())
}
