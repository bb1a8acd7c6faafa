// Package aggregator bridges checkout to payment aggregator SDKs. Every
// bridge normalises its aggregator's outcome into the shared ChargeResult
// shape so the payment state machine renders failures identically regardless
// of which aggregator processed the charge.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/threadline/checkout/internal/domain"
)

// ErrUnsupportedAggregator is returned when no bridge is registered for the
// aggregator routed by the payment option.
var ErrUnsupportedAggregator = errors.New("aggregator: unsupported aggregator")

// ChargeRequest carries everything a bridge needs to run one charge. Only the
// selection field matching Method is consulted.
type ChargeRequest struct {
	CartID      string
	OrderID     string
	AmountMinor int64
	Currency    string
	Method      domain.MethodKind
	Route       domain.AggregatorRoute
	Card        *domain.CardDetails
	SavedCard   *domain.SavedCardRef
	UPI         *domain.UPISelection
	ReturnURL   string
	CancelURL   string
	JourneyID   string
	Meta        map[string]string
}

// Bridge is the contract aggregator SDK adapters implement. Charge returns a
// normalised result for business outcomes (including declines); an error
// return means the attempt itself could not be made.
type Bridge interface {
	Charge(ctx context.Context, req ChargeRequest) (domain.ChargeResult, error)
}

// Registry routes charges to the bridge registered under the aggregator name
// carried by the payment option's route metadata.
type Registry struct {
	bridges       map[string]Bridge
	defaultBridge string
}

// RegistryOption configures optional Registry behaviour.
type RegistryOption func(*Registry)

// WithDefaultBridge overrides the fallback bridge used when the routed
// aggregator has no registration.
func WithDefaultBridge(name string) RegistryOption {
	return func(r *Registry) {
		r.defaultBridge = strings.ToLower(strings.TrimSpace(name))
	}
}

// NewRegistry constructs a Registry over the supplied bridges.
func NewRegistry(bridges map[string]Bridge, opts ...RegistryOption) (*Registry, error) {
	if len(bridges) == 0 {
		return nil, errors.New("aggregator: at least one bridge is required")
	}
	copyMap := make(map[string]Bridge, len(bridges))
	for name, bridge := range bridges {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || bridge == nil {
			return nil, fmt.Errorf("aggregator: invalid bridge registration for key %q", name)
		}
		copyMap[key] = bridge
	}
	r := &Registry{bridges: copyMap}
	if _, ok := copyMap["stripe"]; ok {
		r.defaultBridge = "stripe"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *Registry) resolve(name string) (string, Bridge, error) {
	if r == nil || len(r.bridges) == 0 {
		return "", nil, errors.New("aggregator: no bridges registered")
	}
	if key := strings.ToLower(strings.TrimSpace(name)); key != "" {
		if bridge, ok := r.bridges[key]; ok {
			return key, bridge, nil
		}
	}
	if r.defaultBridge != "" {
		if bridge, ok := r.bridges[r.defaultBridge]; ok {
			return r.defaultBridge, bridge, nil
		}
	}
	if len(r.bridges) == 1 {
		for key, bridge := range r.bridges {
			return key, bridge, nil
		}
	}
	return "", nil, ErrUnsupportedAggregator
}

// Supports reports whether a bridge would handle the named aggregator.
func (r *Registry) Supports(name string) bool {
	_, _, err := r.resolve(name)
	return err == nil
}

// Charge dispatches the request to the bridge resolved from the route's
// aggregator name.
func (r *Registry) Charge(ctx context.Context, req ChargeRequest) (domain.ChargeResult, error) {
	_, bridge, err := r.resolve(req.Route.Aggregator)
	if err != nil {
		return domain.ChargeResult{}, err
	}
	return bridge.Charge(ctx, req)
}
