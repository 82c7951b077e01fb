package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/burstgate/internal/bus"
)

func TestDeliver_PostsPayload(t *testing.T) {
	var (
		gotMethod string
		gotHeader http.Header
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("s3cret"), WithHeaders(map[string]string{"X-Env": "test"}))
	p := bus.NewFlushPayload("u1", "t1", []string{"hi", "there"})
	p.FlushID = "flush-1"

	if err := c.Deliver(context.Background(), p); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s", gotMethod)
	}
	if got := gotHeader.Get("Authorization"); got != "Bearer s3cret" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotHeader.Get("X-Env"); got != "test" {
		t.Errorf("X-Env = %q", got)
	}
	if got := gotHeader.Get(FlushIDHeader); got != "flush-1" {
		t.Errorf("%s = %q", FlushIDHeader, got)
	}
	if got := gotHeader.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if gotBody["fromId"] != "u1" || gotBody["key"] != "t1" {
		t.Errorf("body = %v", gotBody)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 || msgs[0] != "hi" || msgs[1] != "there" {
		t.Errorf("messages = %v", gotBody["messages"])
	}
	// Original field names are kept for existing receivers.
	if gotBody["uidFrom"] != "u1" || gotBody["threadId"] != "t1" {
		t.Errorf("compat fields missing: %v", gotBody)
	}
}

func TestDeliver_Non2xx(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"server error", http.StatusInternalServerError},
		{"not found", http.StatusNotFound},
		{"redirect without location", http.StatusMultipleChoices},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("  boom " + strings.Repeat("x", 2000)))
			}))
			defer srv.Close()

			err := New(srv.URL).Deliver(context.Background(), bus.NewFlushPayload("u", "k", []string{"m"}))
			if !errors.Is(err, ErrDelivery) {
				t.Fatalf("err = %v, want ErrDelivery", err)
			}
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *StatusError", err)
			}
			if se.Status != tt.status {
				t.Errorf("status = %d, want %d", se.Status, tt.status)
			}
			if len(se.Body) > maxErrorBody || !strings.HasPrefix(se.Body, "boom") {
				t.Errorf("body not trimmed/truncated: len=%d", len(se.Body))
			}
		})
	}
}

func TestDeliver_AcceptsAny2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := New(srv.URL).Deliver(context.Background(), bus.NewFlushPayload("u", "k", []string{"m"})); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestDeliver_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, WithTimeout(50*time.Millisecond))
	err := c.Deliver(context.Background(), bus.NewFlushPayload("u", "k", []string{"m"}))
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
}

func TestDeliver_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:1/hook", WithTimeout(time.Second))
	err := c.Deliver(context.Background(), bus.NewFlushPayload("u", "k", []string{"m"}))
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
}

func TestReconfigure_SwitchesTarget(t *testing.T) {
	type hit struct {
		auth, env string
	}
	record := func(ch chan<- hit) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ch <- hit{auth: r.Header.Get("Authorization"), env: r.Header.Get("X-Env")}
		}
	}
	hitsA, hitsB := make(chan hit, 1), make(chan hit, 1)
	a := httptest.NewServer(record(hitsA))
	defer a.Close()
	b := httptest.NewServer(record(hitsB))
	defer b.Close()

	c := New(a.URL, WithToken("old"), WithHeaders(map[string]string{"X-Env": "a"}))
	p := bus.NewFlushPayload("u", "k", []string{"m"})
	if err := c.Deliver(context.Background(), p); err != nil {
		t.Fatalf("Deliver to a: %v", err)
	}
	if got := <-hitsA; got.auth != "Bearer old" || got.env != "a" {
		t.Errorf("a got %+v", got)
	}

	c.Reconfigure(b.URL, WithToken("new"))
	if c.URL() != b.URL {
		t.Errorf("URL() = %q, want %q", c.URL(), b.URL)
	}
	if err := c.Deliver(context.Background(), p); err != nil {
		t.Fatalf("Deliver to b: %v", err)
	}
	if got := <-hitsB; got.auth != "Bearer new" || got.env != "" {
		t.Errorf("b got %+v, want new token and no stale headers", got)
	}
	if len(hitsA) != 0 {
		t.Error("old endpoint received a delivery after Reconfigure")
	}
}
