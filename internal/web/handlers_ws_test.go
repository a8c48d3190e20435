package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"zcl-gateway/internal/coordinator"
	"zcl-gateway/internal/hal"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	if count != 1 {
		t.Errorf("after register: count = %d, want 1", count)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count = len(hub.clients)
	hub.mu.RUnlock()
	if count != 0 {
		t.Errorf("after unregister: count = %d, want 0", count)
	}
}

func TestWSHubBroadcastFilter(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	all := &wsClient{send: make(chan []byte, 16)}
	lock := &wsClient{send: make(chan []byte, 16), filter: wsFilter{device: 0x00158D00012A3B4C}}
	alarms := &wsClient{send: make(chan []byte, 16), filter: wsFilter{types: map[string]bool{coordinator.EventAlarm: true}}}
	hub.register <- all
	hub.register <- lock
	hub.register <- alarms
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(coordinator.Event{Type: coordinator.EventLockState, Device: 0x00158D00012A3B4C, Endpoint: 1})
	hub.Broadcast(coordinator.Event{Type: coordinator.EventAlarm, Device: 0x42})
	time.Sleep(20 * time.Millisecond)

	tests := []struct {
		name   string
		client *wsClient
		want   []string
	}{
		{"unfiltered", all, []string{coordinator.EventLockState, coordinator.EventAlarm}},
		{"device", lock, []string{coordinator.EventLockState}},
		{"types", alarms, []string{coordinator.EventAlarm}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for len(tt.client.send) > 0 {
				var e struct{ Type string }
				if err := json.Unmarshal(<-tt.client.send, &e); err != nil {
					t.Fatal(err)
				}
				got = append(got, e.Type)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("received %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(coordinator.Event{Type: "a"})
	time.Sleep(10 * time.Millisecond)
	// The slow client's buffer is full now.
	hub.Broadcast(coordinator.Event{Type: "b"})
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	// Not running: nothing drains the queue.
	for i := 0; i < 256; i++ {
		hub.Broadcast(coordinator.Event{Type: "fill"})
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(coordinator.Event{Type: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestParseWSFilter(t *testing.T) {
	tests := []struct {
		query   string
		device  hal.EUI64
		types   int
		wantErr bool
	}{
		{"", 0, 0, false},
		{"device=00158D00012A3B4C", 0x00158D00012A3B4C, 0, false},
		{"types=alarm,+lock_state,", 0, 2, false},
		{"device=nope", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws?"+tt.query, nil)
			f, err := parseWSFilter(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if f.device != tt.device || len(f.types) != tt.types {
				t.Errorf("filter = %+v", f)
			}
		})
	}
}

func TestWSEventStream(t *testing.T) {
	env := newTestEnv(t, "")
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?types=" + coordinator.EventPermitJoin
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Registration happens on the hub goroutine; keep emitting until the
	// client is in.
	go func() {
		for ctx.Err() == nil {
			env.coord.Events().Emit(coordinator.Event{Type: coordinator.EventDeviceSeen})
			env.coord.Events().Emit(coordinator.Event{Type: coordinator.EventPermitJoin, Data: map[string]any{"duration": 30}})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var e struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != coordinator.EventPermitJoin || e.Data["duration"] != float64(30) {
		t.Errorf("event = %s", data)
	}
}
