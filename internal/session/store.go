// Package session holds the checkout flow's session-scoped markers: flags
// that must outlive a single request but are not part of the server cart
// state. Markers have a documented lifecycle (set on event, cleared on cart
// change or never) and are always accessed through the Store interface so
// tests can substitute an in-memory fake.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSessionUnavailable indicates the backing store cannot be reached.
var ErrSessionUnavailable = errors.New("session: store unavailable")

const (
	// KeyOrderCompleted blocks payment-step re-entry once a checkout has
	// succeeded. Set on success, never cleared within the session.
	KeyOrderCompleted = "order_completed"

	// LoyaltyToastPrefix prefixes the per-cart loyalty toast markers; used
	// with DeletePrefix when the cart identifier changes.
	LoyaltyToastPrefix = "loyaltyToastShown_"
)

// LoyaltyToastKey builds the per-cart marker preventing duplicate loyalty
// redemption notifications. The marker is scoped to one cart identifier and
// becomes irrelevant as soon as the cart changes.
func LoyaltyToastKey(cartID string) string {
	return LoyaltyToastPrefix + strings.TrimSpace(cartID)
}

// IsLoyaltyToastKey reports whether key is a loyalty toast marker, and if so
// for which cart.
func IsLoyaltyToastKey(key string) (string, bool) {
	if !strings.HasPrefix(key, LoyaltyToastPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, LoyaltyToastPrefix), true
}

// Store is a session-scoped key-value store for checkout markers.
type Store interface {
	Get(ctx context.Context, sessionID, key string) (string, bool, error)
	Set(ctx context.Context, sessionID, key, value string) error
	Delete(ctx context.Context, sessionID, key string) error
	// DeletePrefix removes every marker whose key starts with prefix,
	// returning the number removed. Used to drop stale per-cart markers
	// when the cart identifier changes.
	DeletePrefix(ctx context.Context, sessionID, prefix string) (int, error)
}

// Flag reads a marker as a boolean; missing markers read as false.
func Flag(ctx context.Context, store Store, sessionID, key string) (bool, error) {
	if store == nil {
		return false, ErrSessionUnavailable
	}
	value, ok, err := store.Get(ctx, sessionID, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return strings.EqualFold(strings.TrimSpace(value), "true"), nil
}

// SetFlag writes a boolean marker.
func SetFlag(ctx context.Context, store Store, sessionID, key string, value bool) error {
	if store == nil {
		return ErrSessionUnavailable
	}
	return store.Set(ctx, sessionID, key, fmt.Sprintf("%t", value))
}
