// Package subscription manages the platform notification permission and
// the single push subscription a user may hold.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"k9notify/internal/model"
)

// PermissionState mirrors the platform permission tri-state.
type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// ErrPermissionDenied is returned when the user has refused alerting.
// A denied permission is persistent: the registry never re-prompts.
var ErrPermissionDenied = errors.New("notification permission denied")

// Prompter asks the user for permission. The call may block on user
// interaction, so it always takes a context.
type Prompter interface {
	RequestPermission(ctx context.Context) (PermissionState, error)
}

// Platform is the push service integration the host environment
// provides. Subscribe hands over the application server key and gets
// back endpoint plus key material.
type Platform interface {
	Subscription(ctx context.Context) (*model.PushSubscription, error)
	Subscribe(ctx context.Context, serverKey []byte) (*model.PushSubscription, error)
	Unsubscribe(ctx context.Context) error
}

// Registry caches the permission outcome and the current subscription.
type Registry struct {
	prompter Prompter
	platform Platform
	logger   *zap.Logger

	mu         sync.Mutex
	permission PermissionState
	current    *model.PushSubscription
}

func NewRegistry(prompter Prompter, platform Platform, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		prompter:   prompter,
		platform:   platform,
		logger:     logger,
		permission: PermissionDefault,
	}
}

// EnsurePermission prompts the user unless a definitive answer is
// already cached. It returns the resulting state either way.
func (r *Registry) EnsurePermission(ctx context.Context) (PermissionState, error) {
	r.mu.Lock()
	cached := r.permission
	r.mu.Unlock()

	if cached != PermissionDefault {
		return cached, nil
	}

	state, err := r.prompter.RequestPermission(ctx)
	if err != nil {
		return PermissionDefault, fmt.Errorf("permission prompt: %w", err)
	}

	r.mu.Lock()
	r.permission = state
	r.mu.Unlock()

	if state == PermissionDenied {
		r.logger.Info("notification permission denied by user")
	}
	return state, nil
}

// Permission returns the cached permission state without prompting.
func (r *Registry) Permission() PermissionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permission
}

// Subscribe returns the live subscription, creating one when none
// exists. It requires a granted permission and is idempotent: calling
// it again returns the same subscription.
func (r *Registry) Subscribe(ctx context.Context, serverKey []byte) (*model.PushSubscription, error) {
	state, err := r.EnsurePermission(ctx)
	if err != nil {
		return nil, err
	}
	if state != PermissionGranted {
		return nil, ErrPermissionDenied
	}

	r.mu.Lock()
	if r.current != nil {
		sub := *r.current
		r.mu.Unlock()
		return &sub, nil
	}
	r.mu.Unlock()

	// Reuse whatever the platform already holds before creating a new
	// subscription, so a reinstalled client does not orphan endpoints.
	sub, err := r.platform.Subscription(ctx)
	if err != nil {
		return nil, fmt.Errorf("query existing subscription: %w", err)
	}
	if sub == nil {
		sub, err = r.platform.Subscribe(ctx, serverKey)
		if err != nil {
			return nil, fmt.Errorf("create subscription: %w", err)
		}
	}

	r.mu.Lock()
	r.current = sub
	copied := *sub
	r.mu.Unlock()

	return &copied, nil
}

// Unsubscribe clears the local subscription. Platform failures are
// logged but not returned: local state always wins.
func (r *Registry) Unsubscribe(ctx context.Context) {
	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	if err := r.platform.Unsubscribe(ctx); err != nil {
		r.logger.Warn("platform unsubscribe failed", zap.Error(err))
	}
}

// Current returns the cached subscription or nil.
func (r *Registry) Current() *model.PushSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	sub := *r.current
	return &sub
}
