package ndjson

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultControlAddr is where the bridge listens for control commands.
const DefaultControlAddr = "127.0.0.1:18081"

// Control command names.
const (
	CmdSetWorkMode    = "set_work_mode"
	CmdSetPatternMode = "set_pattern_mode"
	CmdSetFOV         = "set_fov"
	CmdSetIMUEnable   = "set_imu_enable"
	CmdSetTimeSync    = "set_time_sync"
)

// Command is one control message for the bridge.
type Command struct {
	Cmd     string          `json:"cmd"`
	LidarID string          `json:"lidar_id"`
	Params  json.RawMessage `json:"params"`
}

type workModeParams struct {
	Mode *string `json:"mode"`
}

type patternModeParams struct {
	Pattern *string `json:"pattern"`
}

type fovParams struct {
	FOVID      *int     `json:"fov_id"`
	YawStart   *float64 `json:"yaw_start"`
	YawStop    *float64 `json:"yaw_stop"`
	PitchStart *float64 `json:"pitch_start"`
	PitchStop  *float64 `json:"pitch_stop"`
}

type imuEnableParams struct {
	Enable *bool `json:"enable"`
}

type timeSyncParams struct {
	Enable *bool   `json:"enable"`
	Source *string `json:"source"`
}

var (
	workModes    = map[string]bool{"normal": true, "wakeup": true, "sleep": true}
	patternModes = map[string]bool{"non_repetitive": true, "repetitive": true, "low_frame_rate": true}
	syncSources  = map[string]bool{"ptp": true, "gptp": true, "pps": true, "gps": true}
)

// Validate checks the command name, target and parameters.
func (c Command) Validate() error {
	if c.LidarID == "" {
		return fmt.Errorf("%w: lidar_id is required", ErrInvalidCommand)
	}
	params := c.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	switch c.Cmd {
	case CmdSetWorkMode:
		var p workModeParams
		if err := decodeParams(params, &p); err != nil {
			return err
		}
		if p.Mode == nil || !workModes[*p.Mode] {
			return fmt.Errorf("%w: mode must be one of normal, wakeup, sleep", ErrInvalidCommand)
		}

	case CmdSetPatternMode:
		var p patternModeParams
		if err := decodeParams(params, &p); err != nil {
			return err
		}
		if p.Pattern == nil || !patternModes[*p.Pattern] {
			return fmt.Errorf("%w: pattern must be one of non_repetitive, repetitive, low_frame_rate", ErrInvalidCommand)
		}

	case CmdSetFOV:
		var p fovParams
		if err := decodeParams(params, &p); err != nil {
			return err
		}
		return p.validate()

	case CmdSetIMUEnable:
		var p imuEnableParams
		if err := decodeParams(params, &p); err != nil {
			return err
		}
		if p.Enable == nil {
			return fmt.Errorf("%w: enable must be a boolean", ErrInvalidCommand)
		}

	case CmdSetTimeSync:
		var p timeSyncParams
		if err := decodeParams(params, &p); err != nil {
			return err
		}
		if p.Enable == nil {
			return fmt.Errorf("%w: enable must be a boolean", ErrInvalidCommand)
		}
		if p.Source == nil || !syncSources[*p.Source] {
			return fmt.Errorf("%w: source must be one of ptp, gptp, pps, gps", ErrInvalidCommand)
		}

	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, c.Cmd)
	}
	return nil
}

func (p fovParams) validate() error {
	if p.FOVID == nil || (*p.FOVID != 0 && *p.FOVID != 1) {
		return fmt.Errorf("%w: fov_id must be 0 or 1", ErrInvalidCommand)
	}
	if p.YawStart == nil || p.YawStop == nil || p.PitchStart == nil || p.PitchStop == nil {
		return fmt.Errorf("%w: yaw_start, yaw_stop, pitch_start and pitch_stop are required", ErrInvalidCommand)
	}
	if *p.YawStart < 0 || *p.YawStop > 360 || *p.YawStart >= *p.YawStop {
		return fmt.Errorf("%w: yaw must satisfy 0 <= yaw_start < yaw_stop <= 360", ErrInvalidCommand)
	}
	if *p.PitchStart < -90 || *p.PitchStop > 90 || *p.PitchStart >= *p.PitchStop {
		return fmt.Errorf("%w: pitch must satisfy -90 <= pitch_start < pitch_stop <= 90", ErrInvalidCommand)
	}
	return nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: params: %v", ErrInvalidCommand, err)
	}
	return nil
}

// Controller sends commands to the bridge's control socket. No reply is
// read; a bridge acknowledgement arrives through the ingest channel.
type Controller struct {
	addr    string
	timeout time.Duration
}

// NewController creates a controller for addr. Empty addr uses
// DefaultControlAddr.
func NewController(addr string) *Controller {
	if addr == "" {
		addr = DefaultControlAddr
	}
	return &Controller{addr: addr, timeout: time.Second}
}

// Addr returns the control address.
func (c *Controller) Addr() string {
	return c.addr
}

// Send validates cmd and writes it as a single datagram.
func (c *Controller) Send(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if len(cmd.Params) == 0 {
		cmd.Params = json.RawMessage("{}")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing bridge control %s: %w", c.addr, err)
	}
	defer conn.Close() //nolint:errcheck // datagram already sent or failed

	if err := conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("sending %s to %s: %w", cmd.Cmd, c.addr, err)
	}
	return nil
}
