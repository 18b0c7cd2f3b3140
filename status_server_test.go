package fieldsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestStatusServer(t *testing.T) (*StatusServer, *Scheduler) {
	t.Helper()
	sched := NewScheduler(&scriptedRunner{}, SchedulerConfig{
		BaseInterval: time.Hour,
		MaxInterval:  3 * time.Hour,
	}, zerolog.Nop())
	return NewStatusServer(DefaultStatusServerConfig(), sched, zerolog.Nop()), sched
}

func TestStatusHealthz(t *testing.T) {
	status, _ := newTestStatusServer(t)
	srv := httptest.NewServer(status.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected ok, got %v", body)
	}
}

func TestStatusSnapshot(t *testing.T) {
	status, _ := newTestStatusServer(t)
	srv := httptest.NewServer(status.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	defer resp.Body.Close()

	var stats SchedulerStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.State != SchedulerStopped {
		t.Errorf("expected stopped scheduler, got %s", stats.State)
	}
	if stats.Wait != time.Hour {
		t.Errorf("expected the base wait, got %v", stats.Wait)
	}
}

func TestStatusStream(t *testing.T) {
	status, sched := newTestStatusServer(t)
	srv := httptest.NewServer(status.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	// The handler subscribes after the upgrade; wait for it before
	// publishing so the event cannot slip past.
	waitFor(t, 2*time.Second, func() bool {
		sched.feed.mu.Lock()
		defer sched.feed.mu.Unlock()
		return len(sched.feed.subs) == 1
	})

	sched.feed.publish(CycleEvent{
		At:       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Report:   &CycleReport{RecordsUploaded: 9},
		NextWait: time.Minute,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev CycleEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if ev.Report == nil || ev.Report.RecordsUploaded != 9 {
		t.Errorf("expected the published report, got %+v", ev)
	}
	if ev.NextWait != time.Minute {
		t.Errorf("expected the next wait forwarded, got %v", ev.NextWait)
	}
}

func TestStatusStreamClientGone(t *testing.T) {
	status, sched := newTestStatusServer(t)
	srv := httptest.NewServer(status.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	resp.Body.Close()

	waitFor(t, 2*time.Second, func() bool {
		sched.feed.mu.Lock()
		defer sched.feed.mu.Unlock()
		return len(sched.feed.subs) == 1
	})

	// Dropping the client unsubscribes the stream.
	conn.Close()
	waitFor(t, 2*time.Second, func() bool {
		sched.feed.mu.Lock()
		defer sched.feed.mu.Unlock()
		return len(sched.feed.subs) == 0
	})
}

func TestStatusServerStartClose(t *testing.T) {
	sched := NewScheduler(&scriptedRunner{}, SchedulerConfig{
		BaseInterval: time.Hour,
		MaxInterval:  3 * time.Hour,
	}, zerolog.Nop())

	server := NewStatusServer(StatusServerConfig{Enabled: true, Port: 18617}, sched, zerolog.Nop())
	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://127.0.0.1:18617/healthz")
	if err != nil {
		t.Fatalf("healthz over the bound port failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	// The port stays held until Close.
	dup := NewStatusServer(StatusServerConfig{Enabled: true, Port: 18617}, sched, zerolog.Nop())
	if err := dup.Start(); err == nil {
		dup.Close()
		t.Error("expected second bind to fail")
	}

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestStatusServerCloseWithoutStart(t *testing.T) {
	status, _ := newTestStatusServer(t)
	if err := status.Close(); err != nil {
		t.Errorf("expected Close without Start to be harmless, got %v", err)
	}
}
