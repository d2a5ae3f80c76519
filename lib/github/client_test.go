// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trestle-bridge/trestle/lib/clock"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		BaseURL:    server.URL,
		Token:      "test-token",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, server
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{Token: "t", BaseURL: "http://api.github.com"}); err == nil {
		t.Error("plain HTTP base URL accepted")
	}
	if _, err := NewClient(Config{BaseURL: "https://api.github.com"}); err == nil {
		t.Error("missing token accepted")
	}
}

func TestRequestHeaders(t *testing.T) {
	var gotAuth, gotAccept, gotVersion string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotVersion = r.Header.Get("X-GitHub-Api-Version")
		json.NewEncoder(w).Encode(Repository{Name: "repo"})
	}))

	if _, err := client.GetRepository(context.Background(), "octo", "repo"); err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "application/vnd.github+json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotVersion != apiVersion {
		t.Errorf("X-GitHub-Api-Version = %q", gotVersion)
	}
}

func TestCollaboratorPermission(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/octo/repo/collaborators/alice/permission" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"permission": "write"})
	}))

	permission, err := client.CollaboratorPermission(context.Background(), "octo", "repo", "alice")
	if err != nil {
		t.Fatalf("CollaboratorPermission: %v", err)
	}
	if permission != "write" {
		t.Errorf("permission = %q", permission)
	}
	if !HasWriteAccess(permission) {
		t.Error("write should have write access")
	}
	if HasWriteAccess("read") || HasWriteAccess("none") || HasWriteAccess("triage") {
		t.Error("read-level permissions must not count as write access")
	}
}

func TestAPIErrorParsing(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"message":           "Not Found",
			"documentation_url": "https://docs.github.com/rest",
		})
	}))

	_, err := client.GetRepository(context.Background(), "octo", "missing")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want a 404 APIError", err)
	}
}

func TestRateLimitedRequestRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"message": "API rate limit exceeded"})
			return
		}
		json.NewEncoder(w).Encode(Repository{Name: "repo"})
	})

	server := httptest.NewTLSServer(handler)
	defer server.Close()
	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	client, err := NewClient(Config{
		BaseURL:    server.URL,
		Token:      "test-token",
		HTTPClient: server.Client(),
		Clock:      fakeClock,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	type result struct {
		repo *Repository
		err  error
	}
	done := make(chan result, 1)
	go func() {
		repo, err := client.GetRepository(context.Background(), "octo", "repo")
		done <- result{repo, err}
	}()

	// The client must be sleeping out the server-indicated backoff.
	deadline := time.Now().Add(5 * time.Second)
	for fakeClock.WaiterCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never entered the backoff sleep")
		}
		time.Sleep(time.Millisecond)
	}
	fakeClock.Advance(2 * time.Second)

	got := <-done
	if got.err != nil {
		t.Fatalf("GetRepository after retry: %v", got.err)
	}
	if calls.Load() != 2 {
		t.Errorf("requests = %d, want 2", calls.Load())
	}
}

func TestPersistentRateLimitSurfacesError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"message": "rate limit exceeded"})
	})
	// No Retry-After and no reset header: the client cannot compute a
	// backoff and must surface the error instead of retrying.
	client, _ := newTestClient(t, handler)

	_, err := client.GetRepository(context.Background(), "octo", "repo")
	var apiError *APIError
	if !errors.As(err, &apiError) || apiError.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want a 429 APIError", err)
	}
}
