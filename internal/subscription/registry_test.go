package subscription

import (
	"context"
	"errors"
	"testing"

	"k9notify/internal/model"
)

type fakePrompter struct {
	state PermissionState
	err   error
	calls int
}

func (p *fakePrompter) RequestPermission(ctx context.Context) (PermissionState, error) {
	p.calls++
	return p.state, p.err
}

type fakePlatform struct {
	existing       *model.PushSubscription
	created        *model.PushSubscription
	subscribeCalls int
	unsubErr       error
	unsubCalls     int
}

func (p *fakePlatform) Subscription(ctx context.Context) (*model.PushSubscription, error) {
	return p.existing, nil
}

func (p *fakePlatform) Subscribe(ctx context.Context, serverKey []byte) (*model.PushSubscription, error) {
	p.subscribeCalls++
	return p.created, nil
}

func (p *fakePlatform) Unsubscribe(ctx context.Context) error {
	p.unsubCalls++
	return p.unsubErr
}

func TestSubscribeCreatesWhenNoneExists(t *testing.T) {
	platform := &fakePlatform{
		created: &model.PushSubscription{Endpoint: "https://push.example/ep1", P256dh: "pk", Auth: "a"},
	}
	r := NewRegistry(&fakePrompter{state: PermissionGranted}, platform, nil)

	sub, err := r.Subscribe(context.Background(), []byte("server-key"))
	if err != nil {
		t.Fatal(err)
	}
	if sub.Endpoint != "https://push.example/ep1" {
		t.Errorf("endpoint = %q", sub.Endpoint)
	}
	if platform.subscribeCalls != 1 {
		t.Errorf("subscribeCalls = %d, want 1", platform.subscribeCalls)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	platform := &fakePlatform{
		created: &model.PushSubscription{Endpoint: "https://push.example/ep1"},
	}
	r := NewRegistry(&fakePrompter{state: PermissionGranted}, platform, nil)

	first, err := r.Subscribe(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Subscribe(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Endpoint != second.Endpoint {
		t.Errorf("endpoints differ: %q vs %q", first.Endpoint, second.Endpoint)
	}
	if platform.subscribeCalls != 1 {
		t.Errorf("subscribeCalls = %d, want 1", platform.subscribeCalls)
	}
}

func TestSubscribeReusesPlatformSubscription(t *testing.T) {
	platform := &fakePlatform{
		existing: &model.PushSubscription{Endpoint: "https://push.example/existing"},
	}
	r := NewRegistry(&fakePrompter{state: PermissionGranted}, platform, nil)

	sub, err := r.Subscribe(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Endpoint != "https://push.example/existing" {
		t.Errorf("endpoint = %q", sub.Endpoint)
	}
	if platform.subscribeCalls != 0 {
		t.Error("created a new subscription despite an existing one")
	}
}

func TestSubscribeDeniedPermission(t *testing.T) {
	r := NewRegistry(&fakePrompter{state: PermissionDenied}, &fakePlatform{}, nil)

	_, err := r.Subscribe(context.Background(), nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if r.Current() != nil {
		t.Error("denied permission must not leave a subscription behind")
	}
}

func TestEnsurePermissionCachesOutcome(t *testing.T) {
	prompter := &fakePrompter{state: PermissionDenied}
	r := NewRegistry(prompter, &fakePlatform{}, nil)

	for i := 0; i < 3; i++ {
		state, err := r.EnsurePermission(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if state != PermissionDenied {
			t.Fatalf("state = %v", state)
		}
	}
	if prompter.calls != 1 {
		t.Errorf("prompter called %d times, want 1", prompter.calls)
	}
}

func TestUnsubscribeBestEffort(t *testing.T) {
	platform := &fakePlatform{
		created:  &model.PushSubscription{Endpoint: "https://push.example/ep1"},
		unsubErr: errors.New("push service unreachable"),
	}
	r := NewRegistry(&fakePrompter{state: PermissionGranted}, platform, nil)

	if _, err := r.Subscribe(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	r.Unsubscribe(context.Background())

	if r.Current() != nil {
		t.Error("local subscription must be cleared even when the platform call fails")
	}
	if platform.unsubCalls != 1 {
		t.Errorf("unsubCalls = %d", platform.unsubCalls)
	}
}
