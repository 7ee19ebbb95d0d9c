package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

var testSecret = []byte("unit-test-signing-secret")

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(testSecret, 30*time.Minute, store), store
}

func TestIssueAndValidate_Once(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, expiry, err := svc.Issue(ctx, "member-1")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if time.Until(expiry) <= 0 {
		t.Error("expiry should be in the future")
	}

	memberID, err := svc.Validate(ctx, tok, true)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if memberID != "member-1" {
		t.Errorf("Validate() member = %q, want member-1", memberID)
	}
}

func TestValidate_ReplayRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, _, err := svc.Issue(ctx, "member-2")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if _, err := svc.Validate(ctx, tok, true); err != nil {
		t.Fatalf("first Validate() error: %v", err)
	}

	_, err = svc.Validate(ctx, tok, true)
	if !errors.Is(err, ErrReplayed) {
		t.Errorf("second Validate() = %v, want ErrReplayed", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(testSecret, time.Hour, store)
	ctx := context.Background()

	// Issue at a fixed point in the past, validate at real time: the
	// signature is genuine and the nonce unused, but the clock has moved
	// past the expiry.
	past := time.Now().Add(-2 * time.Hour)
	svc.now = func() time.Time { return past }
	store.now = svc.now

	tok, _, err := svc.Issue(ctx, "member-3")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	svc.now = time.Now
	store.now = time.Now
	_, err = svc.Validate(ctx, tok, true)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("Validate() = %v, want ErrExpired", err)
	}
}

func TestValidate_TamperedToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, _, err := svc.Issue(ctx, "member-4")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	// Flip a character in the signature segment.
	parts := strings.Split(tok, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = svc.Validate(ctx, tampered, true)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate(tampered) = %v, want ErrInvalid", err)
	}

	_, err = svc.Validate(ctx, "not-a-token", true)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate(garbage) = %v, want ErrInvalid", err)
	}
}

func TestValidate_ChallengeFailedClosed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, _, err := svc.Issue(ctx, "member-5")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	_, err = svc.Validate(ctx, tok, false)
	if !errors.Is(err, ErrChallengeFailed) {
		t.Errorf("Validate(proof=false) = %v, want ErrChallengeFailed", err)
	}

	// The failed attempt must not consume the session.
	if _, err := svc.Validate(ctx, tok, true); err != nil {
		t.Errorf("Validate() after failed challenge = %v, want success", err)
	}
}

func TestIssue_SupersedesPriorSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, _, err := svc.Issue(ctx, "member-6")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	second, _, err := svc.Issue(ctx, "member-6")
	if err != nil {
		t.Fatalf("re-Issue() error: %v", err)
	}

	_, err = svc.Validate(ctx, first, true)
	if !errors.Is(err, ErrSuperseded) {
		t.Errorf("Validate(old token) = %v, want ErrSuperseded", err)
	}
	if _, err := svc.Validate(ctx, second, true); err != nil {
		t.Errorf("Validate(new token) = %v, want success", err)
	}
}

func TestValidate_ConcurrentSingleUse(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, _, err := svc.Issue(ctx, "member-7")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Validate(ctx, tok, true)
		}(i)
	}
	wg.Wait()

	ok, replayed := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrReplayed):
			replayed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d validations succeeded, want exactly 1", ok)
	}
	if replayed != attempts-1 {
		t.Errorf("%d replays rejected, want %d", replayed, attempts-1)
	}
}
