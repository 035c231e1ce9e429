package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratus-framework/scopebroker/internal/core"
)

func testHandle(user, client string) *Handle {
	return NewHandle(
		core.ServiceIdentity{ExternalUserID: user, IdentityHandle: "sp-" + user, ApplicationID: "AIDA" + strings.ToUpper(user)},
		client,
		core.IssuedCredential{ClientIDValue: "AKIA" + strings.ToUpper(user), SecretValue: "secret-" + user},
		"us-east-1",
	)
}

func TestHandleNeverSerializesSecret(t *testing.T) {
	h := testHandle("alice", "acme-corp")

	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "secret-alice") {
		t.Errorf("secret leaked into JSON: %s", data)
	}
	if strings.Contains(h.String(), "secret-alice") || strings.Contains(h.Status(), "secret-alice") {
		t.Error("secret leaked into String or Status")
	}
	if h.Credential().SecretValue != "secret-alice" {
		t.Error("Credential should expose the secret to the owner")
	}
	if h.Status() != "credentials set for user alice with client acme-corp" {
		t.Errorf("Status = %q", h.Status())
	}
}

func TestHandleAWSConfig(t *testing.T) {
	h := testHandle("alice", "acme-corp")
	cfg := h.AWSConfig()
	if cfg.Region != "us-east-1" {
		t.Errorf("region = %s", cfg.Region)
	}
	creds, err := cfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if creds.AccessKeyID != "AKIAALICE" || creds.SecretAccessKey != "secret-alice" {
		t.Errorf("unexpected credentials %s", creds.AccessKeyID)
	}
}

func TestCachePutReplaces(t *testing.T) {
	c := NewCache(0)
	first := testHandle("alice", "acme-corp")
	second := testHandle("alice", "globex")

	if err := c.Put("alice", first); err != nil {
		t.Fatal(err)
	}
	if err := c.Put("alice", second); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Get("alice")
	if !ok || got != second {
		t.Errorf("expected latest handle, got %v", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCacheCapacity(t *testing.T) {
	c := NewCache(2)
	c.Put("alice", testHandle("alice", "a"))
	c.Put("bob", testHandle("bob", "b"))

	if err := c.Put("carol", testHandle("carol", "c")); !errors.Is(err, ErrCacheFull) {
		t.Errorf("expected ErrCacheFull, got %v", err)
	}
	if err := c.Put("alice", testHandle("alice", "z")); err != nil {
		t.Errorf("overwriting existing user must succeed at capacity: %v", err)
	}
	c.Delete("bob")
	if err := c.Put("carol", testHandle("carol", "c")); err != nil {
		t.Errorf("put after delete: %v", err)
	}
}

func TestCacheGetMissing(t *testing.T) {
	if _, ok := NewCache(0).Get("nobody"); ok {
		t.Error("expected miss")
	}
}

func TestKeyedLockerSerializesSameKey(t *testing.T) {
	k := NewKeyedLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "alice")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
	if k.Len() != 0 {
		t.Errorf("lock entries leaked: %d", k.Len())
	}
}

func TestKeyedLockerDistinctKeysDoNotBlock(t *testing.T) {
	k := NewKeyedLocker()
	unlockA, err := k.Lock(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "bob")
	if err != nil {
		t.Fatalf("bob blocked behind alice: %v", err)
	}
	unlockB()
}

func TestKeyedLockerHonorsContext(t *testing.T) {
	k := NewKeyedLocker()
	unlock, _ := k.Lock(context.Background(), "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op
	if k.Len() != 0 {
		t.Errorf("lock entries leaked: %d", k.Len())
	}
}
