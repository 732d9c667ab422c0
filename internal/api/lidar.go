package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sensorhub/internal/bridges/livox"
	"github.com/nerrad567/sensorhub/internal/bridges/ndjson"
	"github.com/nerrad567/sensorhub/internal/sensor"
)

// LidarController is the control surface of a lidar bridge adapter.
type LidarController interface {
	Info() livox.Info
	Config() json.RawMessage
	StartBridge() error
	StopBridge() error
	BridgeRunning() bool
	ResolveDevice(device string) (string, error)
	SendCommand(ctx context.Context, cmd ndjson.Command) error
}

// ControlRequest is the body of POST /lidar/{id}/control. LidarID may be
// omitted when the bridge serves a single lidar.
type ControlRequest struct {
	Cmd     string          `json:"cmd"`
	LidarID string          `json:"lidar_id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// lidar resolves the lidar adapter behind the {id} URL parameter, writing
// the error response when there is none.
func (s *Server) lidar(w http.ResponseWriter, r *http.Request) (LidarController, bool) {
	id := chi.URLParam(r, "id")
	adapter, err := s.sensors.Adapter(id)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	ctrl, ok := adapter.(LidarController)
	if !ok {
		writeNotFound(w, "sensor "+id+" is not a lidar bridge")
		return nil, false
	}
	return ctrl, true
}

func (s *Server) handleLidarInfo(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lidar(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Info())
}

// handleLidarConfig returns the bridge JSON config as loaded.
func (s *Server) handleLidarConfig(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lidar(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response
	w.Write(ctrl.Config())
}

func (s *Server) handleLidarStart(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lidar(w, r)
	if !ok {
		return
	}
	if err := ctrl.StartBridge(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "bridge_running": ctrl.BridgeRunning()})
}

func (s *Server) handleLidarStop(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lidar(w, r)
	if !ok {
		return
	}
	if err := ctrl.StopBridge(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "bridge_running": ctrl.BridgeRunning()})
}

// handleLidarLatest returns the newest frame line of a device.
func (s *Server) handleLidarLatest(w http.ResponseWriter, r *http.Request) {
	frames, ok := s.lidarFrames(w, r, 1)
	if !ok {
		return
	}
	if len(frames) == 0 {
		writeNotFound(w, "no frame yet")
		return
	}
	writeJSON(w, http.StatusOK, frames[0])
}

// handleLidarRecent returns up to count frame lines, newest first.
func (s *Server) handleLidarRecent(w http.ResponseWriter, r *http.Request) {
	count, err := intParam(r, "count", defaultRecentCount)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	frames, ok := s.lidarFrames(w, r, count)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, frames)
}

// lidarFrames returns up to limit frame samples of the device named by
// the "device" query parameter, newest first. The device's buffer also
// holds imu and status lines, which are skipped.
func (s *Server) lidarFrames(w http.ResponseWriter, r *http.Request, limit int) ([]sensor.Sample, bool) {
	ctrl, ok := s.lidar(w, r)
	if !ok {
		return nil, false
	}
	device, err := ctrl.ResolveDevice(r.URL.Query().Get("device"))
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}

	frames := []sensor.Sample{}
	if limit == 0 {
		return frames, true
	}

	st, err := s.sensors.Get(device)
	if errors.Is(err, sensor.ErrUnknownSensor) {
		// Children appear with the first line from the device.
		return frames, true
	}
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	samples, err := s.sensors.Recent(device, st.Capacity, sensor.NewestFirst)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}

	for _, smp := range samples {
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(smp.Payload, &head) != nil || head.Type != ndjson.TypeFrame {
			continue
		}
		frames = append(frames, smp)
		if len(frames) == limit {
			break
		}
	}
	return frames, true
}

// handleLidarControl validates a control command and sends it to the bridge.
func (s *Server) handleLidarControl(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lidar(w, r)
	if !ok {
		return
	}

	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	device, err := ctrl.ResolveDevice(req.LidarID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	cmd := ndjson.Command{Cmd: req.Cmd, LidarID: device, Params: req.Params}
	if err := cmd.Validate(); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := ctrl.SendCommand(r.Context(), cmd); err != nil {
		if errors.Is(err, livox.ErrUnknownDevice) || errors.Is(err, ndjson.ErrInvalidCommand) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Warn("lidar control send failed", "lidar_id", device, "cmd", cmd.Cmd, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
		return
	}

	s.logger.Info("lidar control sent", "lidar_id", device, "cmd", cmd.Cmd)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "cmd": cmd.Cmd, "lidar_id": device})
}
