package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/shared"
)

// GrantRequest describes a capability to create or replace.
type GrantRequest struct {
	Group          string    `json:"group"`
	Provider       string    `json:"provider"`
	AccessLevel    int       `json:"access_level"`
	AllowedActions []string  `json:"allowed_actions,omitempty"`
	DeniedActions  []string  `json:"denied_actions,omitempty"`
	Scope          string    `json:"scope,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
}

// Grant creates or replaces a capability grant. Only the administrative
// group may manage grants. L2 and L3 grants must carry an expiry no further
// out than MaxGrantTTL; unbounded grants exist only at the read and low-risk
// write levels.
func (b *Broker) Grant(ctx context.Context, actorGroup string, req GrantRequest) (*persistence.Grant, error) {
	if !b.gates.IsAdmin(actorGroup) {
		return nil, shared.Deny(shared.CodeNotAuthorized, "grant management requires group %s", b.gates.AdminGroup())
	}
	if strings.TrimSpace(req.Group) == "" || strings.TrimSpace(req.Provider) == "" {
		return nil, fmt.Errorf("grant requires group and provider")
	}
	if req.AccessLevel < LevelRead || req.AccessLevel > LevelCritical {
		return nil, fmt.Errorf("access level %d out of range 0..3", req.AccessLevel)
	}
	if req.AccessLevel >= LevelTaskWrite {
		if req.ExpiresAt.IsZero() {
			return nil, fmt.Errorf("level %d grant requires an expiry", req.AccessLevel)
		}
		if until := time.Until(req.ExpiresAt); until > MaxGrantTTL {
			return nil, fmt.Errorf("level %d grant expiry exceeds %s", req.AccessLevel, MaxGrantTTL)
		}
	}

	stored, err := b.store.PutGrant(ctx, persistence.Grant{
		Group:          req.Group,
		Provider:       strings.ToLower(strings.TrimSpace(req.Provider)),
		AccessLevel:    req.AccessLevel,
		AllowedActions: req.AllowedActions,
		DeniedActions:  req.DeniedActions,
		Scope:          strings.TrimSpace(req.Scope),
		ExpiresAt:      req.ExpiresAt,
		GrantedBy:      actorGroup,
	})
	if err != nil {
		return nil, err
	}
	if err := audit.Record(ctx, audit.DecisionAllow, persistence.Activity{
		ActorGroup:    actorGroup,
		Action:        persistence.ActionOverride,
		Reason:        fmt.Sprintf("grant %s->%s level=%d scope=%q", req.Group, stored.Provider, req.AccessLevel, stored.Scope),
		PolicyVersion: b.gates.Version(),
	}); err != nil {
		return nil, err
	}
	b.logger.Info("grant stored",
		"group", req.Group, "provider", stored.Provider,
		"level", req.AccessLevel, "scope", stored.Scope, "granted_by", actorGroup)
	return stored, nil
}

// Revoke removes the grant for (group, provider, scope).
func (b *Broker) Revoke(ctx context.Context, actorGroup, group, providerName, scope string) error {
	if !b.gates.IsAdmin(actorGroup) {
		return shared.Deny(shared.CodeNotAuthorized, "grant management requires group %s", b.gates.AdminGroup())
	}
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	if err := b.store.RevokeGrant(ctx, group, providerName, strings.TrimSpace(scope)); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return shared.Deny(shared.CodeNotFound, "no grant for %s on %s scope %q", group, providerName, scope)
		}
		return err
	}
	if err := audit.Record(ctx, audit.DecisionAllow, persistence.Activity{
		ActorGroup:    actorGroup,
		Action:        persistence.ActionOverride,
		Reason:        fmt.Sprintf("revoke %s->%s scope=%q", group, providerName, scope),
		PolicyVersion: b.gates.Version(),
	}); err != nil {
		return err
	}
	b.logger.Info("grant revoked", "group", group, "provider", providerName, "scope", scope, "revoked_by", actorGroup)
	return nil
}

// Grants lists grants for a group, or all grants when group is empty.
func (b *Broker) Grants(ctx context.Context, group string) ([]persistence.Grant, error) {
	return b.store.ListGrants(ctx, group)
}
