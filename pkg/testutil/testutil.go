// Package testutil provides common testing utilities and mock
// implementations shared by the provider test suites.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/securestore"
)

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

// DecodeEnvelope parses a raw response body into the shared envelope and
// fails the test on malformed JSON.
func DecodeEnvelope(t *testing.T, body []byte) provider.Envelope {
	t.Helper()
	var env provider.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("malformed envelope: %v (%s)", err, body)
	}
	return env
}

// DecodeData unmarshals an envelope's data payload into dest.
func DecodeData(t *testing.T, env provider.Envelope, dest interface{}) {
	t.Helper()
	if !env.Success {
		t.Fatalf("envelope is a failure: %v", env.Error)
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		t.Fatalf("decode envelope data: %v", err)
	}
}

// FlakyStore wraps a secure store and fails the next N operations. It
// exercises the paths where persistence is unavailable.
type FlakyStore struct {
	mu        sync.Mutex
	inner     securestore.Store
	remaining int
	err       error
}

// NewFlakyStore creates a store that fails the next failures operations
// with err, then behaves normally.
func NewFlakyStore(inner securestore.Store, failures int, err error) *FlakyStore {
	return &FlakyStore{inner: inner, remaining: failures, err: err}
}

func (f *FlakyStore) step() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining > 0 {
		f.remaining--
		return f.err
	}
	return nil
}

func (f *FlakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return f.inner.Get(ctx, key)
}

func (f *FlakyStore) Set(ctx context.Context, key string, value []byte) error {
	if err := f.step(); err != nil {
		return err
	}
	return f.inner.Set(ctx, key, value)
}

func (f *FlakyStore) Delete(ctx context.Context, key string) error {
	if err := f.step(); err != nil {
		return err
	}
	return f.inner.Delete(ctx, key)
}
