package subsystem

import (
	"fmt"
	"log/slog"
	"sync"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

// device is one registered node. Its cluster set is fixed at registration;
// inbound frames are handled one at a time by its worker.
type device struct {
	addr     hal.EUI64
	details  *capability.DeviceDetails
	clusters []cluster.Cluster
	inbox    chan hal.IncomingFrame
	done     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// enqueue never blocks: the caller is the radio goroutine.
func (d *device) enqueue(in hal.IncomingFrame) {
	in.Data = append([]byte(nil), in.Data...)
	select {
	case d.inbox <- in:
	default:
		d.logger.Warn("device inbox full, dropping frame", "cluster", fmt.Sprintf("0x%04X", in.ClusterID))
	}
}

func (d *device) stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (s *Subsystem) run(d *device) {
	defer s.wg.Done()
	for {
		select {
		case in := <-d.inbox:
			s.deliver(d, in)
		case <-d.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// deliver isolates handler panics to the offending frame.
func (s *Subsystem) deliver(d *device, in hal.IncomingFrame) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("cluster handler panic", "cluster", s.clusterName(in.ClusterID), "panic", r)
		}
	}()

	fr, err := zcl.DecodeFrame(in.Data)
	if err != nil {
		d.logger.Warn("drop undecodable frame", "err", err)
		return
	}
	fromServer := fr.Direction == zcl.ServerToClient
	var mfg uint16
	if fr.ManufacturerSpecific {
		mfg = fr.ManufacturerCode
	}

	switch fr.FrameType {
	case zcl.FrameTypeGlobal:
		if fr.CommandID != zcl.FoundationReportAttributes {
			d.logger.Debug("unsolicited global command", "cluster", s.clusterName(in.ClusterID),
				"cmd", fmt.Sprintf("0x%02X", fr.CommandID), "seq", fr.Sequence)
			return
		}
		r := &cluster.AttributeReport{
			Source:     in.Source,
			Endpoint:   in.SourceEndpoint,
			ClusterID:  in.ClusterID,
			MfgCode:    mfg,
			FromServer: fromServer,
			Payload:    fr.Payload,
		}
		handled := false
		for _, c := range d.clusters {
			h, ok := c.(cluster.ReportHandler)
			if !ok || !cluster.Matches(c, in.ClusterID, fromServer, mfg) {
				continue
			}
			if h.HandleAttributeReport(s.ctx, r) {
				handled = true
				break
			}
		}
		if !handled {
			d.logger.Debug("unhandled attribute report", "cluster", s.clusterName(in.ClusterID),
				"mfg", fmt.Sprintf("0x%04X", mfg))
		}
		if !fr.DisableDefaultResponse {
			s.sendDefaultResponse(in, fr, zcl.StatusSuccess)
		}

	case zcl.FrameTypeCluster:
		cmd := &cluster.Command{
			Source:     in.Source,
			Endpoint:   in.SourceEndpoint,
			ClusterID:  in.ClusterID,
			MfgCode:    mfg,
			FromServer: fromServer,
			CommandID:  fr.CommandID,
			Sequence:   fr.Sequence,
			Payload:    fr.Payload,
		}
		for _, c := range d.clusters {
			h, ok := c.(cluster.CommandHandler)
			if !ok || !cluster.Matches(c, in.ClusterID, fromServer, mfg) {
				continue
			}
			if h.HandleCommand(s.ctx, cmd) {
				return
			}
		}
		d.logger.Debug("unhandled cluster command", "cluster", s.clusterName(in.ClusterID),
			"cmd", fmt.Sprintf("0x%02X", fr.CommandID), "mfg", fmt.Sprintf("0x%04X", mfg))
		if !fr.DisableDefaultResponse {
			status := zcl.StatusUnsupClusterCommand
			if fr.ManufacturerSpecific {
				status = zcl.StatusUnsupMfgClusterCommand
			}
			s.sendDefaultResponse(in, fr, status)
		}
	}
}

func (s *Subsystem) sendDefaultResponse(in hal.IncomingFrame, fr zcl.Frame, status uint8) {
	dir := zcl.ClientToServer
	if fr.Direction == zcl.ClientToServer {
		dir = zcl.ServerToClient
	}
	h := zcl.Header{
		FrameType:              zcl.FrameTypeGlobal,
		ManufacturerSpecific:   fr.ManufacturerSpecific,
		ManufacturerCode:       fr.ManufacturerCode,
		Direction:              dir,
		DisableDefaultResponse: true,
		Sequence:               fr.Sequence,
		CommandID:              zcl.FoundationDefaultResponse,
	}
	payload := zcl.EncodeDefaultResponse(zcl.DefaultResponse{CommandID: fr.CommandID, Status: status})
	err := s.radio.Send(s.ctx, hal.OutgoingFrame{
		Dest:           in.Source,
		DestEndpoint:   in.SourceEndpoint,
		SourceEndpoint: s.cfg.LocalEndpoint,
		ProfileID:      hal.ProfileHA,
		ClusterID:      in.ClusterID,
		Data:           zcl.EncodeFrame(h, payload),
	})
	if err != nil {
		s.logger.Debug("default response", "addr", in.Source, "err", err)
	}
}
