package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/coordinator"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/hal/haltest"
	"zcl-gateway/internal/store"
	"zcl-gateway/internal/subsystem"
	"zcl-gateway/internal/zcl"
)

const (
	lockIEEE  = "00158D00012A3B4C"
	sirenIEEE = "00158D0001AABBCC"
)

type testEnv struct {
	srv   *Server
	coord *coordinator.Coordinator
	radio *haltest.Radio
	store *store.BoltStore
}

func newTestEnv(t *testing.T, apiKey string, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	registry := zcl.NewRegistry(logger)
	for _, def := range cluster.Definitions() {
		registry.Register(def)
	}

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"), store.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	radio := haltest.New(0x00124B0000000001)
	sub := subsystem.New(radio, registry, logger, subsystem.Config{ResponseTimeout: 500 * time.Millisecond})
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(radio, sub, db, registry, nil, events, coordinator.Config{
		Network:      hal.NetworkConfig{Channel: 15, PanID: 0x1A62},
		AlarmTimeout: time.Second,
		RadioType:    "zboss",
		RadioPort:    "/dev/ttyACM0",
	}, logger)

	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(coord, logger, opts...)
	t.Cleanup(func() {
		srv.Stop()
		coord.Stop()
		sub.Close()
		radio.Close()
		db.Close()
	})
	return &testEnv{srv: srv, coord: coord, radio: radio, store: db}
}

func mustAddr(t *testing.T, s string) hal.EUI64 {
	t.Helper()
	addr, err := hal.ParseEUI64(s)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

// seedDevice stores a discovered device hosting the given server clusters
// on endpoint 1.
func seedDevice(t *testing.T, env *testEnv, ieee string, clusters ...uint16) {
	t.Helper()
	addr := mustAddr(t, ieee)
	ep := capability.EndpointDetails{ID: 1, ProfileID: hal.ProfileHA}
	for _, id := range clusters {
		ep.Servers = append(ep.Servers, capability.ClusterDetails{ID: id, Server: true})
	}
	err := env.store.SaveDevice(&store.Device{
		Address:    addr,
		Configured: true,
		Details: &capability.DeviceDetails{
			Address:      addr,
			Manufacturer: "Test",
			Model:        "TestModel",
			Endpoints:    []capability.EndpointDetails{ep},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

// start runs the coordinator so seeded devices are registered.
func (env *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.coord.Start(ctx); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	return w
}

func TestAPIListDevices(t *testing.T) {
	env := newTestEnv(t, "")
	seedDevice(t, env, lockIEEE, cluster.DoorLockClusterID)
	seedDevice(t, env, sirenIEEE, cluster.IASWDClusterID)

	w := env.do("GET", "/api/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var devices []store.Device
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Errorf("device count = %d, want 2", len(devices))
	}
}

func TestAPIGetDevice(t *testing.T) {
	env := newTestEnv(t, "")
	seedDevice(t, env, lockIEEE, cluster.DoorLockClusterID)

	tests := []struct {
		path string
		want int
	}{
		{"/api/devices/" + lockIEEE, http.StatusOK},
		{"/api/devices/00:15:8D:00:01:2A:3B:4C", http.StatusOK},
		{"/api/devices/FFFFFFFFFFFFFFFF", http.StatusNotFound},
		{"/api/devices/kitchen", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := env.do("GET", tt.path, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var dev store.Device
			if err := json.NewDecoder(w.Body).Decode(&dev); err != nil {
				t.Fatal(err)
			}
			if dev.Address != mustAddr(t, lockIEEE) || dev.Details.Model != "TestModel" {
				t.Errorf("device = %+v", dev)
			}
		})
	}
}

func TestAPIRenameDevice(t *testing.T) {
	env := newTestEnv(t, "")
	seedDevice(t, env, lockIEEE, cluster.DoorLockClusterID)

	w := env.do("PATCH", "/api/devices/"+lockIEEE, map[string]string{"friendly_name": "Front door"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	dev, _ := env.store.GetDevice(mustAddr(t, lockIEEE))
	if dev.FriendlyName != "Front door" {
		t.Errorf("friendly name = %q", dev.FriendlyName)
	}

	if w := env.do("PATCH", "/api/devices/FFFFFFFFFFFFFFFF", map[string]string{"friendly_name": "x"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown device: status = %d", w.Code)
	}
	req := httptest.NewRequest("PATCH", "/api/devices/"+lockIEEE, bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d", rec.Code)
	}
}

func TestAPIDeleteDevice(t *testing.T) {
	env := newTestEnv(t, "")
	seedDevice(t, env, lockIEEE, cluster.DoorLockClusterID)
	env.start(t)

	if w := env.do("DELETE", "/api/devices/"+lockIEEE, nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	if _, err := env.store.GetDevice(mustAddr(t, lockIEEE)); err == nil {
		t.Error("device still stored")
	}
	if w := env.do("DELETE", "/api/devices/"+lockIEEE, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d", w.Code)
	}
}

func TestAPIPermitJoin(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do("POST", "/api/network/permit-join", map[string]int{"duration": 90})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	calls := env.radio.Calls()
	if len(calls) == 0 || calls[len(calls)-1] != "permit 90" {
		t.Errorf("calls = %v", calls)
	}
}

func TestAPIReadAttributes(t *testing.T) {
	env := newTestEnv(t, "")
	seedDevice(t, env, lockIEEE, cluster.BasicClusterID)
	dev := haltest.NewDevice()
	dev.Set(cluster.BasicClusterID, cluster.BasicAttrModel, zcl.TypeCharStr, []byte{3, 'L', 'K', '1'})
	env.radio.SetResponder(dev.Respond)

	w := env.do("POST", "/api/devices/"+lockIEEE+"/read", readAttributesRequest{
		Endpoint: 1, ClusterID: cluster.BasicClusterID, AttrIDs: []uint16{cluster.BasicAttrModel},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var results []coordinator.AttributeResult
	if err := json.NewDecoder(w.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].AttrName != "ModelIdentifier" || results[0].Value != "LK1" {
		t.Errorf("results = %+v", results)
	}
}

func TestAPIReadAttributesValidation(t *testing.T) {
	env := newTestEnv(t, "")
	seedDevice(t, env, lockIEEE, cluster.BasicClusterID)

	many := make([]uint16, 51)
	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"empty", "/api/devices/" + lockIEEE + "/read", readAttributesRequest{Endpoint: 1}, http.StatusBadRequest},
		{"too many", "/api/devices/" + lockIEEE + "/read", readAttributesRequest{Endpoint: 1, AttrIDs: many}, http.StatusBadRequest},
		{"unknown device", "/api/devices/FFFFFFFFFFFFFFFF/read", readAttributesRequest{AttrIDs: []uint16{0}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do("POST", tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPIBindings(t *testing.T) {
	env := newTestEnv(t, "")
	seedDevice(t, env, lockIEEE, cluster.DoorLockClusterID)
	path := "/api/devices/" + lockIEEE + "/bindings"

	if w := env.do("POST", path, bindRequest{Endpoint: 1, ClusterID: cluster.DoorLockClusterID}); w.Code != http.StatusOK {
		t.Fatalf("bind: status = %d: %s", w.Code, w.Body)
	}
	w := env.do("GET", path, nil)
	var entries []hal.BindingEntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ClusterID != cluster.DoorLockClusterID {
		t.Fatalf("bindings = %+v", entries)
	}

	if w := env.do("POST", "/api/devices/"+lockIEEE+"/unbind", bindRequest{Endpoint: 1, ClusterID: cluster.DoorLockClusterID}); w.Code != http.StatusOK {
		t.Fatalf("unbind: status = %d", w.Code)
	}
	w = env.do("GET", path, nil)
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("bindings after unbind = %s", body)
	}
}

func TestAPINetworkInfo(t *testing.T) {
	env := newTestEnv(t, "")
	seedDevice(t, env, lockIEEE, cluster.DoorLockClusterID)

	w := env.do("GET", "/api/network", nil)
	var info map[string]any
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info["pan_id"] != "0x1A62" || info["radio_type"] != "zboss" || info["device_count"] != float64(1) {
		t.Errorf("info = %v", info)
	}
}

func TestAPIListClusters(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do("GET", "/api/clusters", nil)
	var defs []zcl.ClusterDef
	if err := json.NewDecoder(w.Body).Decode(&defs); err != nil {
		t.Fatal(err)
	}
	if len(defs) != len(cluster.Definitions()) {
		t.Errorf("clusters = %d, want %d", len(defs), len(cluster.Definitions()))
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "secret")
	tests := []struct {
		name string
		key  string
		path string
		want int
	}{
		{"valid key", "secret", "/api/version", http.StatusOK},
		{"missing key", "", "/api/version", http.StatusUnauthorized},
		{"wrong key", "guess", "/api/version", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			env.srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, "", WithAllowedOrigins([]string{"http://panel.local"}))

	req := httptest.NewRequest("OPTIONS", "/api/devices", nil)
	req.Header.Set("Origin", "http://panel.local")
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://panel.local" {
		t.Errorf("preflight: status = %d, headers = %v", w.Code, w.Header())
	}

	req = httptest.NewRequest("POST", "/api/network/permit-join", bytes.NewBufferString(`{"duration":0}`))
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status = %d", w.Code)
	}
}
