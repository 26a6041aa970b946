// Package access decides whether an identity may subscribe to a channel.
//
// Authorize has no side effects and, apart from list channels, no I/O: list
// ownership is confirmed through a ListOwnership collaborator bounded by a
// timeout, and any lookup failure denies.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/timeline-streaming-go/auth"
	"github.com/ggoodman/timeline-streaming-go/channel"
)

// Denial reasons surfaced to clients in error frames.
const (
	ReasonAuthRequired      = "Missing access token"
	ReasonMissingScope      = "Access token does not have the required scopes"
	ReasonNotOwner          = "Channel belongs to another account"
	ReasonListNotFound      = "List not found"
	ReasonListLookupFailure = "List could not be verified"
	ReasonUnknownChannel    = "Unknown channel"
)

// ListOwnership confirms that an account owns a list.
type ListOwnership interface {
	OwnsList(ctx context.Context, accountID, listID string) (bool, error)
}

// ListOwnershipFunc adapts a function to ListOwnership.
type ListOwnershipFunc func(ctx context.Context, accountID, listID string) (bool, error)

func (f ListOwnershipFunc) OwnsList(ctx context.Context, accountID, listID string) (bool, error) {
	return f(ctx, accountID, listID)
}

// Policy captures deployment switches.
type Policy struct {
	// AllowAnonymousPublic permits unauthenticated subscriptions to public and
	// hashtag channels.
	AllowAnonymousPublic bool
}

// Decision is the outcome of Authorize. On Allow, Target is the channel the
// subscription binds to: unbound account-scoped channels are bound to the
// identity's account.
type Decision struct {
	Allowed bool
	Target  channel.ID
	Reason  string
	Status  int
}

func allow(target channel.ID) Decision {
	return Decision{Allowed: true, Target: target, Status: http.StatusOK}
}

func deny(target channel.ID, reason string) Decision {
	return Decision{Target: target, Reason: reason, Status: http.StatusUnauthorized}
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithListOwnership installs the list ownership collaborator. Without one,
// every list subscription is denied.
func WithListOwnership(l ListOwnership) Option {
	return func(a *Authorizer) { a.lists = l }
}

// WithLookupTimeout bounds list ownership lookups. Defaults to 2s.
func WithLookupTimeout(d time.Duration) Option {
	return func(a *Authorizer) {
		if d > 0 {
			a.lookupTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authorizer) { a.log = l }
}

// Authorizer is safe for concurrent use.
type Authorizer struct {
	policy        Policy
	lists         ListOwnership
	lookupTimeout time.Duration
	log           *slog.Logger
}

// New creates an Authorizer.
func New(policy Policy, opts ...Option) *Authorizer {
	a := &Authorizer{policy: policy, lookupTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a
}

// Policy returns the deployment policy in effect.
func (a *Authorizer) Policy() Policy { return a.policy }

// requiredScopes lists the scopes of which at least one must be granted.
func requiredScopes(f channel.Family) []string {
	switch f {
	case channel.FamilyNotification, channel.FamilyNotificationUnfiltered:
		return []string{auth.ScopeRead, auth.ScopeReadNotifications}
	case channel.FamilyList:
		return []string{auth.ScopeRead, auth.ScopeReadLists}
	default:
		return []string{auth.ScopeRead, auth.ScopeReadStatuses}
	}
}

// Authorize decides whether id may subscribe to ch.
func (a *Authorizer) Authorize(ctx context.Context, ch channel.ID, id auth.Identity) Decision {
	fam := ch.Family()
	if fam == channel.FamilyUnknown {
		return Decision{Target: ch, Reason: ReasonUnknownChannel, Status: http.StatusBadRequest}
	}

	if id.Anonymous() {
		if fam.Public() && a.policy.AllowAnonymousPublic {
			return allow(ch)
		}
		return deny(ch, ReasonAuthRequired)
	}

	if !id.Scopes.HasAny(requiredScopes(fam)...) {
		return deny(ch, ReasonMissingScope)
	}

	switch {
	case fam.AccountScoped():
		target := ch.BindOwner(id.AccountID)
		if !target.OwnedBy(id.AccountID) {
			return deny(ch, ReasonNotOwner)
		}
		return allow(target)
	case fam == channel.FamilyList:
		return a.authorizeList(ctx, ch, id)
	}
	return allow(ch)
}

func (a *Authorizer) authorizeList(ctx context.Context, ch channel.ID, id auth.Identity) Decision {
	if a.lists == nil {
		return deny(ch, ReasonListLookupFailure)
	}
	ctx, cancel := context.WithTimeout(ctx, a.lookupTimeout)
	defer cancel()

	owned, err := a.lists.OwnsList(ctx, id.AccountID, ch.ListID())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("list lookup timed out after %s: %w", a.lookupTimeout, err)
		}
		a.log.WarnContext(ctx, "access.list.lookup.fail",
			slog.String("list_id", ch.ListID()),
			slog.String("err", err.Error()),
		)
		return deny(ch, ReasonListLookupFailure)
	}
	if !owned {
		return deny(ch, ReasonListNotFound)
	}
	return allow(ch)
}
