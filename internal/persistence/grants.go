package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/google/uuid"
)

// Grant is a scoped, time-bounded capability. Unique per
// (grantee_group, provider, scope); an empty scope matches any requested
// scope.
type Grant struct {
	GrantID        string    `json:"grant_id"`
	Group          string    `json:"group"`
	Provider       string    `json:"provider"`
	AccessLevel    int       `json:"access_level"`
	AllowedActions []string  `json:"allowed_actions,omitempty"`
	DeniedActions  []string  `json:"denied_actions,omitempty"`
	Scope          string    `json:"scope,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
	GrantedBy      string    `json:"granted_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// Expired reports whether the grant's expiry has passed. A grant with no
// expiry never expires (only L0/L1 may be created that way).
func (g Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

func joinActions(actions []string) string {
	cleaned := make([]string, 0, len(actions))
	for _, a := range actions {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			cleaned = append(cleaned, a)
		}
	}
	return strings.Join(cleaned, ",")
}

func splitActions(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

// PutGrant creates or replaces the grant for (group, provider, scope).
func (s *Store) PutGrant(ctx context.Context, g Grant) (*Grant, error) {
	if g.GrantID == "" {
		g.GrantID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		var expires any
		if !g.ExpiresAt.IsZero() {
			expires = g.ExpiresAt.UTC()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO grants (grant_id, grantee_group, provider, access_level, allowed_actions, denied_actions, scope, expires_at, granted_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(grantee_group, provider, scope) DO UPDATE SET
				grant_id = excluded.grant_id,
				access_level = excluded.access_level,
				allowed_actions = excluded.allowed_actions,
				denied_actions = excluded.denied_actions,
				expires_at = excluded.expires_at,
				granted_by = excluded.granted_by,
				created_at = CURRENT_TIMESTAMP;
		`, g.GrantID, g.Group, g.Provider, g.AccessLevel,
			joinActions(g.AllowedActions), joinActions(g.DeniedActions),
			g.Scope, expires, g.GrantedBy)
		if err != nil {
			return fmt.Errorf("upsert grant: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicGrantChanged, g)
	stored, err := s.LookupGrant(ctx, g.Group, g.Provider, g.Scope)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// LookupGrant resolves the grant for (group, provider, scope). A grant with a
// NULL scope matches any requested scope; an exact scope match wins over the
// NULL-scope fallback.
func (s *Store) LookupGrant(ctx context.Context, group, provider, scope string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT grant_id, grantee_group, provider, access_level, allowed_actions, denied_actions,
			scope, expires_at, granted_by, created_at
		FROM grants
		WHERE grantee_group = ? AND provider = ? AND (scope = ? OR scope = '')
		ORDER BY scope DESC
		LIMIT 1;
	`, group, provider, scope)
	return scanGrant(row.Scan)
}

func scanGrant(scanFn func(dest ...any) error) (*Grant, error) {
	var g Grant
	var allowed, denied string
	var expires sql.NullTime
	if err := scanFn(
		&g.GrantID,
		&g.Group,
		&g.Provider,
		&g.AccessLevel,
		&allowed,
		&denied,
		&g.Scope,
		&expires,
		&g.GrantedBy,
		&g.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan grant: %w", err)
	}
	g.AllowedActions = splitActions(allowed)
	g.DeniedActions = splitActions(denied)
	if expires.Valid {
		g.ExpiresAt = expires.Time
	}
	return &g, nil
}

// RevokeGrant deletes the grant for (group, provider, scope).
func (s *Store) RevokeGrant(ctx context.Context, group, provider, scope string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM grants
			WHERE grantee_group = ? AND provider = ? AND scope = ?;
		`, group, provider, scope)
		if err != nil {
			return fmt.Errorf("revoke grant: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("revoke rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		s.publish(bus.TopicGrantChanged, Grant{Group: group, Provider: provider, Scope: scope})
		return nil
	})
}

// ListGrants returns all grants for a group, or all grants when group is empty.
func (s *Store) ListGrants(ctx context.Context, group string) ([]Grant, error) {
	where := "1=1"
	args := []any{}
	if group != "" {
		where = "grantee_group = ?"
		args = append(args, group)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT grant_id, grantee_group, provider, access_level, allowed_actions, denied_actions,
			scope, expires_at, granted_by, created_at
		FROM grants
		WHERE `+where+`
		ORDER BY grantee_group, provider, scope;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}
