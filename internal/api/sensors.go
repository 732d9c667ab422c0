package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sensorhub/internal/catalogue"
	"github.com/nerrad567/sensorhub/internal/sensor"
)

const (
	defaultRecentCount  = 10
	defaultHistoryLimit = 100
	defaultEventLimit   = 50
)

// handleListSensors returns the status of every registered sensor.
func (s *Server) handleListSensors(w http.ResponseWriter, _ *http.Request) {
	sensors := s.sensors.ListSensors()
	writeJSON(w, http.StatusOK, map[string]any{"sensors": sensors, "count": len(sensors)})
}

// handleGetSensor returns the status of one sensor.
func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	st, err := s.sensors.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDeleteSensor deregisters a sensor and its children.
func (s *Server) handleDeleteSensor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sensors.Deregister(id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("sensor deregistered via API", "sensor_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleLatest returns the newest sample, or 404 when the sensor has not
// produced one yet.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	smp, ok, err := s.sensors.Latest(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeNotFound(w, "no sample yet for sensor "+id)
		return
	}
	writeJSON(w, http.StatusOK, smp)
}

// handleRecent returns up to n recent samples. Query: n (default 10),
// order (oldest|newest, default oldest).
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := intParam(r, "n", defaultRecentCount)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	orderStr := r.URL.Query().Get("order")
	if orderStr != "" && orderStr != "oldest" && orderStr != "newest" {
		writeBadRequest(w, "order must be oldest or newest")
		return
	}
	order := sensor.ParseOrder(orderStr)

	samples, err := s.sensors.Recent(id, n, order)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if orderStr == "" {
		orderStr = "oldest"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sensor_id": id,
		"order":     orderStr,
		"samples":   nonNil(samples),
	})
}

// handleHistory returns up to limit samples in chronological order.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit, err := intParam(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	samples, err := s.sensors.Recent(id, limit, sensor.OldestFirst)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sensor_id": id,
		"samples":   nonNil(samples),
	})
}

// handleSensorEvents returns recorded health transitions, newest first.
// Removed sensors keep their history.
func (s *Server) handleSensorEvents(w http.ResponseWriter, r *http.Request) {
	if s.catalogue == nil {
		writeUnavailable(w, "catalogue not configured")
		return
	}
	id := chi.URLParam(r, "id")

	limit, err := intParam(r, "limit", defaultEventLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	if _, err := s.catalogue.GetSensor(ctx, id); err != nil {
		if errors.Is(err, catalogue.ErrSensorNotFound) {
			writeNotFound(w, "sensor not found: "+id)
			return
		}
		s.logger.Error("catalogue lookup failed", "sensor_id", id, "error", err)
		writeInternalError(w, "failed to read catalogue")
		return
	}

	events, err := s.catalogue.ListEvents(ctx, catalogue.EventFilter{SensorID: id, Limit: limit})
	if err != nil {
		s.logger.Error("listing health events failed", "sensor_id", id, "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	if events == nil {
		events = []catalogue.HealthEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sensor_id": id,
		"events":    events,
		"count":     len(events),
	})
}

// intParam parses a non-negative integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func nonNil(samples []sensor.Sample) []sensor.Sample {
	if samples == nil {
		return []sensor.Sample{}
	}
	return samples
}
