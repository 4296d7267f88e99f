package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"plantnode/internal/cloud"
	"plantnode/internal/events"
	"plantnode/internal/metrics"
	"plantnode/internal/sensors"
)

const maxReadingsBody = 4 << 10

// PropertyHandler serves registered properties
type PropertyHandler struct {
	cloud    *cloud.Client
	metrics  *metrics.Metrics
	events   *events.Store
	clientIP clientIPFunc
	logger   *zap.Logger
}

// NewPropertyHandler creates new property handler
func NewPropertyHandler(c *cloud.Client, m *metrics.Metrics, e *events.Store, clientIP clientIPFunc, logger *zap.Logger) *PropertyHandler {
	return &PropertyHandler{cloud: c, metrics: m, events: e, clientIP: clientIP, logger: logger}
}

// PropertyInfo describes one property binding
type PropertyInfo struct {
	Name       string     `json:"name"`
	Permission string     `json:"permission"`
	Interval   int        `json:"interval"` // seconds
	Value      float64    `json:"value"`
	Unit       string     `json:"unit,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	LastSent   *time.Time `json:"lastSent,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func describe(p *cloud.Property) PropertyInfo {
	return PropertyInfo{
		Name:       p.Name(),
		Permission: p.Permission().String(),
		Interval:   int(p.Interval() / time.Second),
		Value:      p.Value(),
		Unit:       sensors.Ranges[p.Name()].Unit,
		UpdatedAt:  timePtr(p.Variable().UpdatedAt()),
		LastSent:   timePtr(p.LastSent()),
	}
}

// List handles GET /api/properties
func (h *PropertyHandler) List(w http.ResponseWriter, r *http.Request) {
	props := h.cloud.Properties()
	list := make([]PropertyInfo, 0, len(props))
	for _, p := range props {
		list = append(list, describe(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"properties": list})
}

// SampleResponse is one history point
type SampleResponse struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// History handles GET /api/properties/{name}/history?limit=N
func (h *PropertyHandler) History(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.cloud.Property(name); !ok {
		writeError(w, http.StatusNotFound, "unknown property")
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = l
	}

	samples, err := h.cloud.History(name, limit)
	if err != nil {
		h.logger.Error("failed to read history", zap.String("property", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	out := make([]SampleResponse, 0, len(samples))
	for _, s := range samples {
		out = append(out, SampleResponse{Value: s.Value, Timestamp: s.Timestamp})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"property": name,
		"samples":  out,
	})
}

// Readings handles POST /api/readings with a body like
// {"temperature": 21.5, "soilPercent": 40}. Either every reading is applied
// or none is.
func (h *PropertyHandler) Readings(w http.ResponseWriter, r *http.Request) {
	var body map[string]float64
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReadingsBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object of property names to numbers")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "no readings")
		return
	}

	names := make([]string, 0, len(body))
	for name := range body {
		names = append(names, name)
	}
	sort.Strings(names)

	targets := make(map[string]*cloud.Property, len(body))
	for _, name := range names {
		p, ok := h.cloud.Property(name)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown property %q", name))
			return
		}
		value := body[name]
		if math.IsNaN(value) || math.IsInf(value, 0) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid value for %q", name))
			return
		}
		targets[name] = p
	}

	var warnings []string
	for _, name := range names {
		value := body[name]
		targets[name].Variable().Set(value)
		h.metrics.ObserveReading(name)
		if rng, ok := sensors.Ranges[name]; ok && !rng.Contains(value) {
			warnings = append(warnings, fmt.Sprintf("%s=%g outside %g..%g", name, value, rng.Min, rng.Max))
		}
	}

	h.events.Add(events.EventReadingsIngested, strings.Join(names, ","), h.clientIP(r), true, strings.Join(warnings, "; "))

	resp := map[string]interface{}{"accepted": names}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	writeJSON(w, http.StatusOK, resp)
}
