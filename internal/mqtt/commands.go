//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/hal"
)

const commandTimeout = 10 * time.Second

// Command actions accepted on <prefix>/<eui64>/set.
const (
	actionLock      = "lock"
	actionUnlock    = "unlock"
	actionSiren     = "siren"
	actionStopSiren = "stop_siren"
	actionSquawk    = "squawk"
	actionReboot    = "reboot"
	actionSetPIN    = "set_pin"
	actionGetPIN    = "get_pin"
	actionClearPIN  = "clear_pin"
	actionClearPINs = "clear_pins"
)

var errInvalidCommand = errors.New("invalid command")

// command is the JSON body of a set message. Fields other than Action
// apply to the actions that take them.
type command struct {
	Action   string  `json:"action"`
	User     *uint16 `json:"user,omitempty"`
	Code     string  `json:"code,omitempty"`
	Mode     *uint8  `json:"mode,omitempty"`
	Level    uint8   `json:"level,omitempty"`
	Strobe   bool    `json:"strobe,omitempty"`
	Duration *uint16 `json:"duration,omitempty"`
}

// commandResult is published to <prefix>/<eui64>/set/result.
type commandResult struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// parseCommandTopic extracts the device address from <prefix>/<eui64>/set.
func parseCommandTopic(prefix, topic string) (hal.EUI64, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return 0, fmt.Errorf("%w: topic %q outside prefix", errInvalidCommand, topic)
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || strings.Contains(id, "/") {
		return 0, fmt.Errorf("%w: topic %q", errInvalidCommand, topic)
	}
	return hal.ParseEUI64(id)
}

// parseCommand decodes and validates a set payload. Home Assistant style
// bare payloads ("LOCK", "UNLOCK") are accepted too.
func parseCommand(payload []byte) (command, error) {
	var cmd command
	trimmed := strings.TrimSpace(string(payload))
	switch strings.ToUpper(trimmed) {
	case "LOCK":
		return command{Action: actionLock}, nil
	case "UNLOCK":
		return command{Action: actionUnlock}, nil
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %w", errInvalidCommand, err)
	}
	cmd.Action = strings.ToLower(cmd.Action)

	switch cmd.Action {
	case actionLock, actionUnlock, actionStopSiren, actionReboot, actionClearPINs:
	case actionSiren, actionSquawk:
		if cmd.Mode != nil && *cmd.Mode > 15 {
			return cmd, fmt.Errorf("%w: mode %d out of range", errInvalidCommand, *cmd.Mode)
		}
		if cmd.Level > 3 {
			return cmd, fmt.Errorf("%w: level %d out of range", errInvalidCommand, cmd.Level)
		}
	case actionSetPIN:
		if cmd.User == nil {
			return cmd, fmt.Errorf("%w: set_pin needs user", errInvalidCommand)
		}
		if cmd.Code == "" || len(cmd.Code) > 8 {
			return cmd, fmt.Errorf("%w: code must be 1 to 8 characters", errInvalidCommand)
		}
	case actionGetPIN, actionClearPIN:
		if cmd.User == nil {
			return cmd, fmt.Errorf("%w: %s needs user", errInvalidCommand, cmd.Action)
		}
	case "":
		return cmd, fmt.Errorf("%w: missing action", errInvalidCommand)
	default:
		return cmd, fmt.Errorf("%w: unknown action %q", errInvalidCommand, cmd.Action)
	}
	return cmd, nil
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	addr, err := parseCommandTopic(b.prefix, topic)
	if err != nil {
		b.logger.Warn("ignoring command", "topic", topic, "err", err)
		return
	}
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "device", addr, "err", err)
		b.publishResult(addr, commandResult{Action: cmd.Action, Status: "error", Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(b.gw.Context(), commandTimeout)
	defer cancel()
	res := commandResult{Action: cmd.Action, Status: "ok"}
	if err := b.execute(ctx, addr, cmd); err != nil {
		b.logger.Warn("command failed", "device", addr, "action", cmd.Action, "err", err)
		res.Status = "error"
		res.Error = err.Error()
	}
	b.publishResult(addr, res)
}

func (b *Bridge) execute(ctx context.Context, addr hal.EUI64, cmd command) error {
	switch cmd.Action {
	case actionLock:
		if err := b.gw.Lock(ctx, addr); err != nil {
			return err
		}
		b.updateAndPublishState(addr, map[string]any{"lock": "LOCKED"})
	case actionUnlock:
		if err := b.gw.Unlock(ctx, addr); err != nil {
			return err
		}
		b.updateAndPublishState(addr, map[string]any{"lock": "UNLOCKED"})
	case actionSiren:
		w := cluster.Warning{Mode: cluster.WarningBurglar, Strobe: cmd.Strobe, SirenLevel: cmd.Level, Duration: 10}
		if cmd.Mode != nil {
			w.Mode = *cmd.Mode
		}
		if cmd.Duration != nil {
			w.Duration = *cmd.Duration
		}
		return b.gw.StartWarning(ctx, addr, w)
	case actionStopSiren:
		return b.gw.StopWarning(ctx, addr)
	case actionSquawk:
		s := cluster.Squawk{Strobe: cmd.Strobe, Level: cmd.Level}
		if cmd.Mode != nil {
			s.Mode = *cmd.Mode
		}
		return b.gw.Squawk(ctx, addr, s)
	case actionReboot:
		return b.gw.Reboot(ctx, addr)
	case actionSetPIN:
		return b.gw.SetPIN(ctx, addr, *cmd.User, cmd.Code)
	case actionGetPIN:
		return b.gw.GetPIN(ctx, addr, *cmd.User)
	case actionClearPIN:
		return b.gw.ClearPIN(ctx, addr, *cmd.User)
	case actionClearPINs:
		return b.gw.ClearAllPINs(ctx, addr)
	}
	return nil
}

func (b *Bridge) publishResult(addr hal.EUI64, res commandResult) {
	b.publish(b.deviceTopic(addr, "set", "result"), mustJSON(res), false)
}
