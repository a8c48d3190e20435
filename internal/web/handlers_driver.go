package web

import (
	"context"
	"net/http"
	"strconv"

	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

// deviceAction runs fn for the {ieee} device and answers {"status":"ok"}.
func (s *Server) deviceAction(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, addr hal.EUI64) error) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), addr); err != nil {
		s.writeError(w, op, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPILock(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, "lock", s.coord.Lock)
}

func (s *Server) handleAPIUnlock(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, "unlock", s.coord.Unlock)
}

func (s *Server) handleAPILockState(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	locked, err := s.coord.IsLocked(r.Context(), addr)
	if err != nil {
		s.writeError(w, "lock state", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"locked": locked})
}

// pinUser parses the {user} path value.
func (s *Server) pinUser(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	id, err := strconv.ParseUint(r.PathValue("user"), 10, 16)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return 0, false
	}
	return uint16(id), true
}

type setPINRequest struct {
	Code string `json:"code"`
}

// PIN results arrive asynchronously as pin_* events, so these handlers
// answer 202.
func (s *Server) handleAPISetPIN(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	user, ok := s.pinUser(w, r)
	if !ok {
		return
	}
	var req setPINRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" || len(req.Code) > 8 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code must be 1 to 8 characters"})
		return
	}
	if err := s.coord.SetPIN(r.Context(), addr, user, req.Code); err != nil {
		s.writeError(w, "set pin", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleAPIGetPIN(w http.ResponseWriter, r *http.Request) {
	s.pinAction(w, r, "get pin", s.coord.GetPIN)
}

func (s *Server) handleAPIClearPIN(w http.ResponseWriter, r *http.Request) {
	s.pinAction(w, r, "clear pin", s.coord.ClearPIN)
}

func (s *Server) pinAction(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, hal.EUI64, uint16) error) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	user, ok := s.pinUser(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), addr, user); err != nil {
		s.writeError(w, op, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleAPIClearAllPINs(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	if err := s.coord.ClearAllPINs(r.Context(), addr); err != nil {
		s.writeError(w, "clear pins", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleAPIReadAlarms(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	entries, err := s.coord.ReadAlarms(r.Context(), addr)
	if err != nil {
		s.writeError(w, "read alarms", err)
		return
	}
	if entries == nil {
		entries = []zcl.AlarmEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAPIResetAlarms(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, "reset alarms", s.coord.ResetAlarms)
}

// handleAPIResetAlarm resets one alarm. {cluster} and {code} accept
// decimal or 0x-prefixed hex.
func (s *Server) handleAPIResetAlarm(w http.ResponseWriter, r *http.Request) {
	clusterID, err := strconv.ParseUint(r.PathValue("cluster"), 0, 16)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cluster id"})
		return
	}
	code, err := strconv.ParseUint(r.PathValue("code"), 0, 8)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid alarm code"})
		return
	}
	s.deviceAction(w, r, "reset alarm", func(ctx context.Context, addr hal.EUI64) error {
		return s.coord.ResetAlarm(ctx, addr, uint8(code), uint16(clusterID))
	})
}

func (s *Server) handleAPIResetAlarmLog(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, "reset alarm log", s.coord.ResetAlarmLog)
}

func (s *Server) handleAPIBattery(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	mv, err := s.coord.BatteryVoltage(r.Context(), addr)
	if err != nil {
		s.writeError(w, "battery voltage", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint16{"voltage_mv": mv})
}

func (s *Server) handleAPIReboot(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, "reboot", s.coord.Reboot)
}

func (s *Server) handleAPIFactoryReset(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, "factory reset", s.coord.FactoryReset)
}

type warningRequest struct {
	Mode        uint8  `json:"mode"`
	Strobe      bool   `json:"strobe"`
	Level       uint8  `json:"level"`
	Duration    uint16 `json:"duration"`
	StrobeDuty  uint8  `json:"strobe_duty"`
	StrobeLevel uint8  `json:"strobe_level"`
}

func (s *Server) handleAPIStartWarning(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	req := warningRequest{Mode: cluster.WarningBurglar, Duration: 10}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Mode > 15 || req.Level > 3 || req.StrobeLevel > 3 || req.StrobeDuty > 100 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "warning field out of range"})
		return
	}
	err := s.coord.StartWarning(r.Context(), addr, cluster.Warning{
		Mode:        req.Mode,
		Strobe:      req.Strobe,
		SirenLevel:  req.Level,
		Duration:    req.Duration,
		StrobeDuty:  req.StrobeDuty,
		StrobeLevel: req.StrobeLevel,
	})
	if err != nil {
		s.writeError(w, "start warning", err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIStopWarning(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, "stop warning", s.coord.StopWarning)
}

type squawkRequest struct {
	Mode   uint8 `json:"mode"`
	Strobe bool  `json:"strobe"`
	Level  uint8 `json:"level"`
}

func (s *Server) handleAPISquawk(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	var req squawkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Mode > 15 || req.Level > 3 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "squawk field out of range"})
		return
	}
	if err := s.coord.Squawk(r.Context(), addr, cluster.Squawk{Mode: req.Mode, Strobe: req.Strobe, Level: req.Level}); err != nil {
		s.writeError(w, "squawk", err)
		return
	}
	s.writeOK(w)
}
