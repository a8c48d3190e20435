package web

import (
	"net/http"

	"zcl-gateway/internal/hal"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.ListDevices()
	if err != nil {
		s.writeError(w, "list devices", err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	dev, err := s.coord.GetDevice(addr)
	if err != nil {
		s.writeError(w, "get device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	var req renameDeviceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.coord.RenameDevice(addr, req.FriendlyName); err != nil {
		s.writeError(w, "rename device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	if err := s.coord.RemoveDevice(r.Context(), addr); err != nil {
		s.writeError(w, "delete device", err)
		return
	}
	s.writeOK(w)
}

type readAttributesRequest struct {
	Endpoint  uint8    `json:"endpoint"`
	ClusterID uint16   `json:"cluster_id"`
	MfgCode   uint16   `json:"mfg_code,omitempty"`
	AttrIDs   []uint16 `json:"attr_ids"`
}

func (s *Server) handleAPIReadAttributes(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	var req readAttributesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.AttrIDs) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "attr_ids must not be empty"})
		return
	}
	if len(req.AttrIDs) > 50 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "attr_ids limited to 50"})
		return
	}
	if _, err := s.coord.GetDevice(addr); err != nil {
		s.writeError(w, "read attributes", err)
		return
	}

	results, err := s.coord.ReadAttributes(r.Context(), addr, req.Endpoint, req.ClusterID, req.MfgCode, req.AttrIDs)
	if err != nil {
		s.writeError(w, "read attributes", err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAPIListBindings(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	entries, err := s.coord.Bindings(r.Context(), addr)
	if err != nil {
		s.writeError(w, "list bindings", err)
		return
	}
	if entries == nil {
		entries = []hal.BindingEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// bindRequest names a binding source cluster on the device and its
// destination. An omitted destination is the gateway.
type bindRequest struct {
	Endpoint     uint8     `json:"endpoint"`
	ClusterID    uint16    `json:"cluster_id"`
	Dest         hal.EUI64 `json:"dest,omitempty"`
	DestEndpoint uint8     `json:"dest_endpoint,omitempty"`
}

func (s *Server) handleAPIBind(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	var req bindRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.coord.Bind(r.Context(), addr, req.Endpoint, req.ClusterID, req.Dest, req.DestEndpoint); err != nil {
		s.writeError(w, "bind", err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIUnbind(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	var req bindRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.coord.Unbind(r.Context(), addr, req.Endpoint, req.ClusterID, req.Dest, req.DestEndpoint); err != nil {
		s.writeError(w, "unbind", err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIClearBindings(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	if err := s.coord.ClearBindings(r.Context(), addr); err != nil {
		s.writeError(w, "clear bindings", err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.coord.NetworkInfo()
	if devices, err := s.coord.ListDevices(); err == nil {
		info["device_count"] = len(devices)
	}
	s.writeJSON(w, http.StatusOK, info)
}

type permitJoinRequest struct {
	Duration uint8 `json:"duration"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.coord.PermitJoin(r.Context(), req.Duration); err != nil {
		s.writeError(w, "permit join", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duration": req.Duration})
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Registry().All())
}
