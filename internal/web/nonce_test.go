package web

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNonceIssueAndConsume(t *testing.T) {
	t.Parallel()
	store := NewMemoryNonceStore(time.Minute)

	token, issueErr := store.Issue(context.Background())
	if issueErr != nil {
		t.Fatalf("Issue: %v", issueErr)
	}
	if token == "" {
		t.Fatal("expected a token")
	}
	if consumeErr := store.Consume(context.Background(), token); consumeErr != nil {
		t.Fatalf("Consume: %v", consumeErr)
	}
	if consumeErr := store.Consume(context.Background(), token); !errors.Is(consumeErr, ErrNonceNotFound) {
		t.Fatalf("second consume error = %v", consumeErr)
	}
}

func TestNonceUnknownToken(t *testing.T) {
	t.Parallel()
	store := NewMemoryNonceStore(time.Minute)

	if consumeErr := store.Consume(context.Background(), "never-issued"); !errors.Is(consumeErr, ErrNonceNotFound) {
		t.Fatalf("error = %v", consumeErr)
	}
}

func TestNonceExpiry(t *testing.T) {
	t.Parallel()

	current := time.Unix(1700000000, 0)
	store := &memoryNonceStore{
		entries:   make(map[string]time.Time),
		ttl:       time.Minute,
		now:       func() time.Time { return current },
		tokenSize: 32,
	}

	token, issueErr := store.Issue(context.Background())
	if issueErr != nil {
		t.Fatalf("Issue: %v", issueErr)
	}

	current = current.Add(2 * time.Minute)
	if consumeErr := store.Consume(context.Background(), token); !errors.Is(consumeErr, ErrNonceExpired) {
		t.Fatalf("error = %v", consumeErr)
	}
	if consumeErr := store.Consume(context.Background(), token); !errors.Is(consumeErr, ErrNonceNotFound) {
		t.Fatalf("expired token must be gone, error = %v", consumeErr)
	}
}
