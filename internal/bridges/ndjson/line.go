package ndjson

import (
	"encoding/json"
	"fmt"
	"net/netip"
)

// Message types a bridge may emit.
const (
	TypeFrame = "frame"
	TypeIMU   = "imu"
	TypeInfo  = "info"
	TypeAck   = "ack"
	TypePush  = "push"
)

var knownTypes = map[string]bool{
	TypeFrame: true,
	TypeIMU:   true,
	TypeInfo:  true,
	TypeAck:   true,
	TypePush:  true,
}

// Line is the validated envelope of one bridge message.
type Line struct {
	Type     string
	DeviceID string
	// CaptureUS is the bridge capture time in microseconds.
	CaptureUS float64
}

// envelope mirrors the fields every line must carry. Pointer fields tell
// absent from zero; a value of the wrong JSON type fails Unmarshal.
type envelope struct {
	Type    *string  `json:"type"`
	LidarID *string  `json:"lidar_id"`
	Handle  *uint32  `json:"handle"`
	TsUS    *float64 `json:"ts_us"`
	Ts      *float64 `json:"ts"`
}

// Resolver maps bridge handles to device ids.
type Resolver struct {
	byIP map[string]string
}

// NewResolver creates a resolver from a lidar IP → device id table.
func NewResolver(devices map[string]string) *Resolver {
	byIP := make(map[string]string, len(devices))
	for ip, id := range devices {
		byIP[ip] = id
	}
	return &Resolver{byIP: byIP}
}

// HandleIP converts a bridge handle to the dotted IPv4 address it encodes.
// The handle stores the address in network order, first octet in the low byte.
func HandleIP(handle uint32) string {
	return netip.AddrFrom4([4]byte{
		byte(handle),
		byte(handle >> 8),
		byte(handle >> 16),
		byte(handle >> 24),
	}).String()
}

// Resolve returns the device id for handle: the configured id for its IP
// if known, else the IP itself.
func (r *Resolver) Resolve(handle uint32) string {
	ip := HandleIP(handle)
	if r != nil {
		if id, ok := r.byIP[ip]; ok {
			return id
		}
	}
	return ip
}

// ParseLine validates one line. An explicit non-empty lidar_id wins over
// the handle.
func ParseLine(raw []byte, r *Resolver) (Line, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Line{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	if env.Type == nil || !knownTypes[*env.Type] {
		return Line{}, ErrMissingType
	}

	var id string
	switch {
	case env.LidarID != nil && *env.LidarID != "":
		id = *env.LidarID
	case env.Handle != nil:
		id = r.Resolve(*env.Handle)
	default:
		return Line{}, ErrMissingIdentity
	}

	var ts float64
	switch {
	case env.TsUS != nil:
		ts = *env.TsUS
	case env.Ts != nil:
		ts = *env.Ts * 1e6
	default:
		return Line{}, ErrMissingTimestamp
	}

	return Line{Type: *env.Type, DeviceID: id, CaptureUS: ts}, nil
}
