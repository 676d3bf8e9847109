package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"computeruse/internal/compute"
	"computeruse/internal/resilience"
)

func TestSimulatedDesktopReflectsInput(t *testing.T) {
	d := NewSimulatedDesktop(800, 600)
	ctx := context.Background()

	before, err := d.Capture(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if before.Width != 800 || before.Height != 600 {
		t.Fatalf("unexpected resolution %dx%d", before.Width, before.Height)
	}
	if _, err := png.Decode(bytes.NewReader(before.PNG)); err != nil {
		t.Fatalf("capture is not a PNG: %v", err)
	}

	if err := d.Click(ctx, 400, 300, "left"); err != nil {
		t.Fatal(err)
	}
	after, _ := d.Capture(ctx)
	if bytes.Equal(before.PNG, after.PNG) {
		t.Error("click should change the rendered frame")
	}

	d.Close()
	if _, err := d.Capture(ctx); !errors.Is(err, ErrDesktopClosed) {
		t.Errorf("capture after close: %v", err)
	}
}

func TestLiveDesktop(t *testing.T) {
	sample := NewSimulatedDesktop(320, 200)
	frame, _ := sample.Capture(context.Background())

	var mu sync.Mutex
	calls := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls[r.URL.Path] = body
		mu.Unlock()

		switch r.URL.Path {
		case "/vnc/screenshot":
			json.NewEncoder(w).Encode(map[string]any{
				"success":    true,
				"screenshot": base64.StdEncoding.EncodeToString(frame.PNG),
				"resolution": map[string]int{"width": 320, "height": 200},
			})
		case "/vnc/scroll":
			http.Error(w, "busy", http.StatusServiceUnavailable)
		default:
			json.NewEncoder(w).Encode(map[string]any{"success": true})
		}
	}))
	defer srv.Close()

	factory, err := NewDesktopFactory("live", DesktopConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	d, err := factory.Open(context.Background(), compute.Handle{ID: "u1", Endpoint: srv.URL + "/"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	got, err := d.Capture(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.PNG, frame.PNG) || got.Width != 320 || got.Height != 200 {
		t.Errorf("unexpected frame %dx%d", got.Width, got.Height)
	}

	if err := d.Click(ctx, 10, 20, ""); err != nil {
		t.Fatal(err)
	}
	if err := d.KeyCombination(ctx, []string{"ctrl", "s"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Move(ctx, 30, 40); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	click := calls["/vnc/click"]
	keys := calls["/vnc/key_combination"]
	move := calls["/vnc/move"]
	mu.Unlock()
	if click["x"] != float64(10) || click["button"] != "left" {
		t.Errorf("click payload %v", click)
	}
	// agent 的 keys 字段是 "+" 拼接的字符串
	if keys["keys"] != "ctrl+s" {
		t.Errorf("key combination payload %v", keys)
	}
	if move["x"] != float64(30) || move["y"] != float64(40) {
		t.Errorf("move payload %v", move)
	}

	err = d.Scroll(ctx, "down", 3)
	var se *resilience.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status error, got %v", err)
	}
	if !resilience.IsRetryable(err) {
		t.Error("503 from the desktop agent should be retryable")
	}

	if _, err := factory.Open(ctx, compute.Handle{ID: "u2"}); err == nil {
		t.Error("expected error for handle without endpoint")
	}
}

func TestUnknownDesktopMode(t *testing.T) {
	if _, err := NewDesktopFactory("vnc", DesktopConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error")
	}
}

func TestArtifactStore(t *testing.T) {
	store, err := NewArtifactStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	a, err := store.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("not really a png")
	sum1, err := a.SaveFrame(content)
	if err != nil {
		t.Fatal(err)
	}
	sum2, _ := a.SaveFrame(content)
	if sum1 != sum2 || len(sum1) != 64 {
		t.Fatalf("content addressing broken: %q %q", sum1, sum2)
	}
	if data, err := os.ReadFile(store.FramePath("s1", sum1)); err != nil || !bytes.Equal(data, content) {
		t.Fatalf("frame not stored: %v", err)
	}

	a.Record(JournalEntry{ConnID: "c1", Intent: Intent{Type: TypeClick, X: 1, Y: 2}, Frame: sum1, Outcome: "ok"})
	a.Record(JournalEntry{ConnID: "c1", Intent: Intent{Type: TypeType, Text: "hi"}, Outcome: "error", ErrorMsg: "boom"})
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	// 重新打开后追加新的 zstd frame
	b, _ := store.Open("s1")
	b.Record(JournalEntry{ConnID: "c2", Intent: Intent{Type: TypeRefresh}, Outcome: "ok"})
	b.Close()

	entries, err := store.ReadJournal("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 journal entries, got %d", len(entries))
	}
	if entries[0].Intent.X != 1 || entries[1].ErrorMsg != "boom" || entries[2].ConnID != "c2" {
		t.Errorf("unexpected journal %+v", entries)
	}

	if missing, err := store.ReadJournal("nope"); err != nil || missing != nil {
		t.Errorf("missing journal: %v %v", missing, err)
	}
}
