// Package governor is the evaluation core: it drains the due-post feed,
// decides per post whether posting is allowed right now and on which account,
// reserves limit usage, and hands approved posts to the dispatcher.
package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/formula"
	"github.com/postflow/governor/internal/limits"
)

var (
	// ErrGroupNotFound is returned for unknown group ids
	ErrGroupNotFound = errors.New("account group not found")
	// ErrFormulaNotFound is returned for unknown formula ids
	ErrFormulaNotFound = errors.New("posting formula not found")
)

// GroupAccount is one account's membership row inside a group, carrying the
// per-account adjustments layered on the group's formula
type GroupAccount struct {
	AccountID string            `json:"account_id"`
	Enabled   bool              `json:"enabled"`
	Overrides formula.Overrides `json:"overrides"`
}

// Group is one account group pointing at a shared formula
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FormulaID string `json:"formula_id"`
	// Weight scales every member account's effective selection weight
	Weight   float64        `json:"weight"`
	Enabled  bool           `json:"enabled"`
	Accounts []GroupAccount `json:"accounts"`
}

// Validate checks a group document decoded from the catalog
func (g *Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("group id cannot be empty")
	}
	if g.FormulaID == "" {
		return fmt.Errorf("group %s references no formula", g.ID)
	}
	if g.Weight < 0 {
		return fmt.Errorf("group weight cannot be negative")
	}
	for _, a := range g.Accounts {
		if a.AccountID == "" {
			return fmt.Errorf("group %s has a member with an empty account id", g.ID)
		}
	}
	return nil
}

// Catalog is the read side of the policy store: groups, the formulas they
// point at, and the installation-wide caps. The CRUD layer owns writes; the
// governor only ever reads, so a stale read is at worst one tick behind.
type Catalog interface {
	Group(ctx context.Context, id string) (*Group, error)
	Formula(ctx context.Context, id string) (*formula.Formula, error)
	AppCaps(ctx context.Context) (map[limits.Window]int64, error)
}

// RedisCatalog reads policy documents the CRUD layer writes into Redis as
// JSON. Documents are validated on every load so a malformed write can never
// reach core logic.
type RedisCatalog struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCatalog creates a catalog on an existing Redis client
func NewRedisCatalog(client *redis.Client, keyPrefix string) *RedisCatalog {
	return &RedisCatalog{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCatalog) groupKey(id string) string   { return c.keyPrefix + "group:" + id }
func (c *RedisCatalog) formulaKey(id string) string { return c.keyPrefix + "formula:" + id }
func (c *RedisCatalog) appCapsKey() string          { return c.keyPrefix + "appcaps" }

// Group loads and validates one group document
func (c *RedisCatalog) Group(ctx context.Context, id string) (*Group, error) {
	data, err := c.client.Get(ctx, c.groupKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", id, err)
	}
	var g Group
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal group %s: %w", id, err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid group %s: %w", id, err)
	}
	return &g, nil
}

// Formula loads and validates one formula document
func (c *RedisCatalog) Formula(ctx context.Context, id string) (*formula.Formula, error) {
	data, err := c.client.Get(ctx, c.formulaKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrFormulaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load formula %s: %w", id, err)
	}
	var f formula.Formula
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal formula %s: %w", id, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid formula %s: %w", id, err)
	}
	return &f, nil
}

// AppCaps loads the installation-wide caps; absent means uncapped
func (c *RedisCatalog) AppCaps(ctx context.Context) (map[limits.Window]int64, error) {
	data, err := c.client.Get(ctx, c.appCapsKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load app caps: %w", err)
	}
	caps := make(map[limits.Window]int64)
	if err := json.Unmarshal([]byte(data), &caps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal app caps: %w", err)
	}
	for w := range caps {
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("invalid app cap window: %w", err)
		}
	}
	return caps, nil
}

// PutGroup writes a group document. Exposed for the operator API and tests;
// the production writer is the CRUD layer.
func (c *RedisCatalog) PutGroup(ctx context.Context, g *Group) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid group: %w", err)
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal group: %w", err)
	}
	if err := c.client.Set(ctx, c.groupKey(g.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store group: %w", err)
	}
	return nil
}

// PutFormula writes a formula document
func (c *RedisCatalog) PutFormula(ctx context.Context, f *formula.Formula) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid formula: %w", err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal formula: %w", err)
	}
	if err := c.client.Set(ctx, c.formulaKey(f.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store formula: %w", err)
	}
	return nil
}

// SetAppCaps writes the installation-wide caps
func (c *RedisCatalog) SetAppCaps(ctx context.Context, caps map[limits.Window]int64) error {
	for w := range caps {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("invalid app cap window: %w", err)
		}
	}
	data, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("failed to marshal app caps: %w", err)
	}
	if err := c.client.Set(ctx, c.appCapsKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store app caps: %w", err)
	}
	return nil
}
