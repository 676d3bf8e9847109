package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"computeruse/internal/resilience"
)

func TestClientDecide(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/decide" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req decideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
			return
		}
		png, _ := base64.StdEncoding.DecodeString(req.Screenshot)
		if string(png) != "frame" || req.Goal != "open settings" {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(Result{
			Decision:   Decision{Action: "click", X: 10, Y: 20, Button: "left"},
			Confidence: 0.92,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", "secret", "m", 5*time.Second)
	res, err := c.Decide(context.Background(), Request{Goal: "open settings", Screenshot: []byte("frame"), Width: 100, Height: 100})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Decision.Action != "click" || res.Decision.X != 10 || res.Confidence != 0.92 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"throttled", http.StatusTooManyRequests, "slow down", true},
		{"unavailable", http.StatusServiceUnavailable, "", true},
		{"bad request", http.StatusBadRequest, "bad goal", false},
		{"malformed body", http.StatusOK, "{not json", false},
		{"empty action", http.StatusOK, `{"decision":{},"confidence":0.5}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(server.URL, "", "", 5*time.Second)
			_, err := c.Decide(context.Background(), Request{Goal: "g"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := resilience.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v (err=%v)", got, tt.retryable, err)
			}
			var se *resilience.StatusError
			if tt.status != http.StatusOK && !errors.As(err, &se) {
				t.Errorf("expected StatusError, got %T", err)
			}
		})
	}
}

func TestSimulatedDecide(t *testing.T) {
	ctx := context.Background()
	res, err := Simulated{}.Decide(ctx, Request{Goal: "Type hello world", Width: 800, Height: 600})
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Action != "type" || res.Decision.Text != "hello world" {
		t.Errorf("unexpected decision %+v", res.Decision)
	}

	res, _ = Simulated{}.Decide(ctx, Request{Goal: "find the button", Width: 800, Height: 600})
	if res.Decision.Action != "click" || res.Decision.X != 400 || res.Decision.Y != 300 {
		t.Errorf("unexpected decision %+v", res.Decision)
	}

	res, _ = Simulated{}.Decide(ctx, Request{Goal: "hover over the menu", Width: 800, Height: 600})
	if res.Decision.Action != "move" || res.Decision.X != 400 {
		t.Errorf("unexpected decision %+v", res.Decision)
	}
}
