package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/burstgate/internal/bus"
	"github.com/nextlevelbuilder/burstgate/internal/debounce"
	"github.com/nextlevelbuilder/burstgate/pkg/protocol"
)

type fakeFlusher struct {
	pending []string
	flushed []string
	res     bus.FlushResult
	err     error
}

func (f *fakeFlusher) Pending() []string { return f.pending }

func (f *fakeFlusher) FlushNow(key string) (bus.FlushResult, error) {
	f.flushed = append(f.flushed, key)
	res := f.res
	res.Key = key
	return res, f.err
}

func serveAdmin(h *AdminHandler, method, path string, header ...string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_Pending(t *testing.T) {
	f := &fakeFlusher{pending: []string{"a", "b"}}
	rec := serveAdmin(NewAdminHandler(f, ""), http.MethodGet, "/v1/pending")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 2 || len(out.Keys) != 2 || out.Keys[0] != "a" {
		t.Errorf("out = %+v", out)
	}
}

func TestAdmin_Flush(t *testing.T) {
	tests := []struct {
		name string
		res  bus.FlushResult
		err  error
		want int
	}{
		{"delivered", bus.FlushResult{Status: protocol.FlushDelivered, Messages: []string{"x"}}, nil, http.StatusOK},
		{"empty", bus.FlushResult{Status: protocol.FlushEmpty}, nil, http.StatusOK},
		{"delivery failed", bus.FlushResult{Status: protocol.FlushDeliveryFailed, Err: errors.New("502")}, nil, http.StatusBadGateway},
		{"stopped", bus.FlushResult{}, debounce.ErrStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFlusher{res: tt.res, err: tt.err}
			rec := serveAdmin(NewAdminHandler(f, ""), http.MethodPost, "/v1/conversations/c%201/flush")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if len(f.flushed) != 1 || f.flushed[0] != "c 1" {
				t.Errorf("flushed = %v", f.flushed)
			}
		})
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := &fakeFlusher{}
	if rec := serveAdmin(NewAdminHandler(f, "tok"), http.MethodGet, "/v1/pending"); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if rec := serveAdmin(NewAdminHandler(f, "tok"), http.MethodGet, "/v1/pending", "Authorization", "Bearer tok"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec := serveAdmin(NewAdminHandler(f, "tok"), http.MethodPost, "/v1/conversations/k/flush"); rec.Code != http.StatusUnauthorized {
		t.Errorf("flush status = %d, want 401", rec.Code)
	}
	if len(f.flushed) != 0 {
		t.Error("flush ran without auth")
	}
}
