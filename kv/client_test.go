package kv_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jrife/lagopus/kv"
	"github.com/jrife/lagopus/transport"
)

// scripted returns a DropFunc that consumes one decision per message
// in order and delivers everything once the script runs out.
func scripted(drops ...bool) transport.DropFunc {
	var mu sync.Mutex
	next := 0

	return func(transport.Direction) bool {
		mu.Lock()
		defer mu.Unlock()

		if next >= len(drops) {
			return false
		}

		drop := drops[next]
		next++

		return drop
	}
}

// droppingService is a Service that fails with ErrDropped a fixed
// number of times before delegating, recording every Put it sees.
type droppingService struct {
	mu       sync.Mutex
	next     kv.Service
	failures int
	requests []kv.PutRequest
}

func (service *droppingService) Get(ctx context.Context, req *kv.GetRequest) (*kv.GetResponse, error) {
	service.mu.Lock()

	if service.failures > 0 {
		service.failures--
		service.mu.Unlock()

		return nil, kv.ErrDropped
	}

	service.mu.Unlock()

	return service.next.Get(ctx, req)
}

func (service *droppingService) Put(ctx context.Context, req *kv.PutRequest) (*kv.PutResponse, error) {
	service.mu.Lock()
	service.requests = append(service.requests, *req)

	if service.failures > 0 {
		service.failures--
		service.mu.Unlock()

		return nil, kv.ErrDropped
	}

	service.mu.Unlock()

	return service.next.Put(ctx, req)
}

func fastClerk(service kv.Service) *kv.Clerk {
	return kv.NewClerk(service, kv.ClerkConfig{
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestClerkReliable(t *testing.T) {
	server := kv.NewServer(kv.ServerConfig{})
	clerk := kv.NewClerk(server, kv.ClerkConfig{})
	ctx := context.Background()

	if err := clerk.Put(ctx, "x", "a", 0); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	value, version, err := clerk.Get(ctx, "x")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if value != "a" || version != 1 {
		t.Fatalf("expected (a, 1), got (%s, %d)", value, version)
	}

	if err := clerk.Put(ctx, "x", "b", 1); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if err := clerk.Put(ctx, "x", "c", 1); err != kv.ErrVersion {
		t.Fatalf("expected err to be %v, got %v", kv.ErrVersion, err)
	}

	if err := clerk.Put(ctx, "y", "v", 7); err != kv.ErrNoKey {
		t.Fatalf("expected err to be %v, got %v", kv.ErrNoKey, err)
	}

	if _, _, err := clerk.Get(ctx, "missing"); err != kv.ErrNoKey {
		t.Fatalf("expected err to be %v, got %v", kv.ErrNoKey, err)
	}
}

func TestClerkConditionalHelpers(t *testing.T) {
	server := kv.NewServer(kv.ServerConfig{})
	clerk := kv.NewClerk(server, kv.ClerkConfig{})
	ctx := context.Background()

	created, err := clerk.CreateIfMissing(ctx, "x", "a")

	if err != nil || !created {
		t.Fatalf("expected (true, nil), got (%v, %v)", created, err)
	}

	created, err = clerk.CreateIfMissing(ctx, "x", "b")

	if err != nil || created {
		t.Fatalf("expected (false, nil), got (%v, %v)", created, err)
	}

	swapped, err := clerk.ConditionalPut(ctx, "x", "c", 1)

	if err != nil || !swapped {
		t.Fatalf("expected (true, nil), got (%v, %v)", swapped, err)
	}

	swapped, err = clerk.ConditionalPut(ctx, "x", "d", 1)

	if err != nil || swapped {
		t.Fatalf("expected (false, nil), got (%v, %v)", swapped, err)
	}

	value, version, err := clerk.Get(ctx, "x")

	if err != nil || value != "c" || version != 2 {
		t.Fatalf("expected (c, 2, nil), got (%s, %d, %v)", value, version, err)
	}
}

// TestClerkDedupUnderReplyDrop covers the classic redelivery case: the
// server applies the put but the reply is lost. The retry carries the
// same identity, so the server answers from its session cache and the
// caller observes a plain success with exactly one store mutation.
func TestClerkDedupUnderReplyDrop(t *testing.T) {
	server := kv.NewServer(kv.ServerConfig{})
	unreliable := transport.NewUnreliable(server, transport.Config{
		Drop: scripted(
			false, true, // attempt 1: delivered, reply dropped
			false, false, // attempt 2: delivered both ways
		),
	})
	clerk := fastClerk(unreliable)
	ctx := context.Background()

	if err := clerk.Put(ctx, "y", "1", 0); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	res, err := server.Get(ctx, &kv.GetRequest{Key: "y"})

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if diff := cmp.Diff(&kv.GetResponse{Value: "1", Version: 1}, res); diff != "" {
		t.Fatalf("get response mismatch (-want +got):\n%s", diff)
	}
}

// TestClerkMaybe reproduces a genuinely ambiguous outcome. Clerk A's
// first delivery is dropped en route; while A backs off, clerk B
// creates the key. A's retry is rejected with a version mismatch,
// which A cannot distinguish from its own earlier success, so A must
// surface ErrMaybe. A follow-up read disambiguates.
func TestClerkMaybe(t *testing.T) {
	server := kv.NewServer(kv.ServerConfig{})
	clerkB := kv.NewClerk(server, kv.ClerkConfig{})
	ctx := context.Background()

	var interleave sync.Once

	drop := func(transport.Direction) bool {
		dropped := false

		interleave.Do(func() {
			if err := clerkB.Put(ctx, "k", "b", 0); err != nil {
				t.Errorf("expected err to be nil, got %v", err)
			}

			dropped = true
		})

		return dropped
	}

	clerkA := fastClerk(transport.NewUnreliable(server, transport.Config{Drop: drop}))

	if err := clerkA.Put(ctx, "k", "a", 0); err != kv.ErrMaybe {
		t.Fatalf("expected err to be %v, got %v", kv.ErrMaybe, err)
	}

	value, version, err := clerkA.Get(ctx, "k")

	if err != nil || value != "b" || version != 1 {
		t.Fatalf("expected (b, 1, nil), got (%s, %d, %v)", value, version, err)
	}
}

func TestClerkTotalLoss(t *testing.T) {
	server := kv.NewServer(kv.ServerConfig{})
	unreliable := transport.NewUnreliable(server, transport.Config{
		Unreliable: true,
		DropRate:   1.0,
	})
	clerk := fastClerk(unreliable)
	ctx := context.Background()

	// Every request is dropped before reaching the server. Get is
	// read-only so this is a plain timeout; Put cannot rule out that a
	// reply was the leg that was lost, so it reports ambiguity.
	if _, _, err := clerk.Get(ctx, "x"); err != kv.ErrTimeout {
		t.Fatalf("expected err to be %v, got %v", kv.ErrTimeout, err)
	}

	if err := clerk.Put(ctx, "x", "a", 0); err != kv.ErrMaybe {
		t.Fatalf("expected err to be %v, got %v", kv.ErrMaybe, err)
	}

	if server.Stats().NumKeys != 0 {
		t.Fatalf("expected store to be untouched, got %d keys", server.Stats().NumKeys)
	}
}

func TestClerkSeqReuseAcrossRetries(t *testing.T) {
	server := kv.NewServer(kv.ServerConfig{})
	service := &droppingService{next: server, failures: 3}
	clerk := fastClerk(service)
	ctx := context.Background()

	if err := clerk.Put(ctx, "x", "a", 0); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	service.mu.Lock()
	requests := service.requests
	service.mu.Unlock()

	if len(requests) != 4 {
		t.Fatalf("expected 4 put attempts, got %d", len(requests))
	}

	for i, req := range requests {
		if req.ClientID != clerk.ClientID() || req.Seq != requests[0].Seq {
			t.Fatalf("attempt %d changed identity: (%s, %d)", i, req.ClientID, req.Seq)
		}

		if diff := cmp.Diff(requests[0], req); diff != "" {
			t.Fatalf("attempt %d differs from the first (-want +got):\n%s", i, diff)
		}
	}

	// A new logical operation takes a fresh sequence number.
	if err := clerk.Put(ctx, "x", "b", 1); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	service.mu.Lock()
	last := service.requests[len(service.requests)-1]
	service.mu.Unlock()

	if last.Seq != requests[0].Seq+1 {
		t.Fatalf("expected seq %d, got %d", requests[0].Seq+1, last.Seq)
	}
}

func TestClerkBackoffCancellation(t *testing.T) {
	server := kv.NewServer(kv.ServerConfig{})
	unreliable := transport.NewUnreliable(server, transport.Config{
		Unreliable: true,
		DropRate:   1.0,
	})
	clerk := kv.NewClerk(unreliable, kv.ClerkConfig{
		MaxRetries: 1000,
		RetryDelay: 50 * time.Millisecond,
		MaxDelay:   time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()

	if err := clerk.Put(ctx, "x", "a", 0); err != kv.ErrMaybe {
		t.Fatalf("expected err to be %v, got %v", kv.ErrMaybe, err)
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected cancellation to cut the backoff short, took %s", elapsed)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, _, err := clerk.Get(ctx, "x"); err != kv.ErrTimeout {
		t.Fatalf("expected err to be %v, got %v", kv.ErrTimeout, err)
	}
}

func TestClerkOrdering(t *testing.T) {
	server := kv.NewServer(kv.ServerConfig{})
	clerk := kv.NewClerk(server, kv.ClerkConfig{})
	ctx := context.Background()

	for i := uint64(0); i < 10; i++ {
		if err := clerk.Put(ctx, "x", "v", i); err != nil {
			t.Fatalf("put %d: expected err to be nil, got %v", i, err)
		}
	}

	_, version, err := clerk.Get(ctx, "x")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if version != 10 {
		t.Fatalf("expected version 10, got %d", version)
	}
}
