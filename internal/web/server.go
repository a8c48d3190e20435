// Package web serves the gateway's HTTP API and the /ws event stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/coordinator"
	"zcl-gateway/internal/correlate"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/subsystem"
	"zcl-gateway/internal/zcl"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed cross-origin and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the gateway API.
type Server struct {
	coord          *coordinator.Coordinator
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts forwarding coordinator events to
// WebSocket clients.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = coord.Events().OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{ieee}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{ieee}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("POST /api/devices/{ieee}/read", s.handleAPIReadAttributes)
	s.mux.HandleFunc("GET /api/devices/{ieee}/bindings", s.handleAPIListBindings)
	s.mux.HandleFunc("POST /api/devices/{ieee}/bindings", s.handleAPIBind)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}/bindings", s.handleAPIClearBindings)
	s.mux.HandleFunc("POST /api/devices/{ieee}/unbind", s.handleAPIUnbind)

	// Driver operations
	s.mux.HandleFunc("GET /api/devices/{ieee}/lock", s.handleAPILockState)
	s.mux.HandleFunc("POST /api/devices/{ieee}/lock", s.handleAPILock)
	s.mux.HandleFunc("POST /api/devices/{ieee}/unlock", s.handleAPIUnlock)
	s.mux.HandleFunc("PUT /api/devices/{ieee}/pins/{user}", s.handleAPISetPIN)
	s.mux.HandleFunc("GET /api/devices/{ieee}/pins/{user}", s.handleAPIGetPIN)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}/pins/{user}", s.handleAPIClearPIN)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}/pins", s.handleAPIClearAllPINs)
	s.mux.HandleFunc("GET /api/devices/{ieee}/alarms", s.handleAPIReadAlarms)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}/alarms", s.handleAPIResetAlarms)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}/alarms/{cluster}/{code}", s.handleAPIResetAlarm)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}/alarm-log", s.handleAPIResetAlarmLog)
	s.mux.HandleFunc("GET /api/devices/{ieee}/battery", s.handleAPIBattery)
	s.mux.HandleFunc("POST /api/devices/{ieee}/reboot", s.handleAPIReboot)
	s.mux.HandleFunc("POST /api/devices/{ieee}/factory-reset", s.handleAPIFactoryReset)
	s.mux.HandleFunc("POST /api/devices/{ieee}/siren", s.handleAPIStartWarning)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}/siren", s.handleAPIStopWarning)
	s.mux.HandleFunc("POST /api/devices/{ieee}/squawk", s.handleAPISquawk)

	s.mux.HandleFunc("GET /api/network", s.handleAPINetworkInfo)
	s.mux.HandleFunc("POST /api/network/permit-join", s.handleAPIPermitJoin)
	s.mux.HandleFunc("GET /api/clusters", s.handleAPIListClusters)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot send custom headers on a WebSocket upgrade, so only
	// /api/ is key protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// deviceAddr parses the {ieee} path value, answering 400 when it is not
// an address.
func (s *Server) deviceAddr(w http.ResponseWriter, r *http.Request) (hal.EUI64, bool) {
	addr, err := hal.ParseEUI64(r.PathValue("ieee"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device address"})
		return 0, false
	}
	return addr, true
}

// decodeJSON reads a request body of at most 1 MB into v.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// errorStatus maps gateway errors to HTTP status codes.
func errorStatus(err error) int {
	var se *zcl.StatusError
	switch {
	case coordinator.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, cluster.ErrCapability):
		return http.StatusUnprocessableEntity
	case errors.Is(err, correlate.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, subsystem.ErrNoResponse),
		errors.Is(err, correlate.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &se), errors.Is(err, zcl.ErrMalformed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError answers with the status errorStatus picks. Internal errors
// are logged and not echoed.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.logger.Debug(op, "err", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeOK(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
