package api

import (
	"net/http"
	"os"
	"time"

	"plantnode/internal/cloud"
	"plantnode/internal/connection"
)

// HealthHandler reports node status
type HealthHandler struct {
	cloud   *cloud.Client
	network NetworkStatus
	started time.Time
}

// NewHealthHandler creates new health handler
func NewHealthHandler(c *cloud.Client, network NetworkStatus) *HealthHandler {
	return &HealthHandler{cloud: c, network: network, started: time.Now()}
}

// HealthResponse is returned by GET /api/health
type HealthResponse struct {
	Status  string `json:"status"`
	Network string `json:"network"`
	SSID    string `json:"ssid,omitempty"`
	Cloud   bool   `json:"cloud"`
	ThingID string `json:"thingId,omitempty"`
	Uptime  string `json:"uptime"`
}

// Health handles GET /api/health. Status is "ok" when both the network and
// the cloud are connected, "degraded" otherwise.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Network: connection.StateInit.String(),
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	}

	networkUp := true
	if h.network != nil {
		state := h.network.State()
		resp.Network = state.String()
		resp.SSID = h.network.SSID()
		networkUp = state == connection.StateConnected
	}
	if h.cloud != nil {
		resp.Cloud = h.cloud.Connected()
		resp.ThingID = h.cloud.Identity().ThingID
	}
	if !networkUp || !resp.Cloud {
		resp.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, resp)
}

// NodeResponse is returned by GET /api/node
type NodeResponse struct {
	Hostname   string   `json:"hostname"`
	ThingID    string   `json:"thingId,omitempty"`
	BoardID    string   `json:"boardId,omitempty"`
	SSID       string   `json:"ssid,omitempty"`
	Network    string   `json:"network"`
	IPs        []string `json:"ips"`
	Properties int      `json:"properties"`
}

// Node handles GET /api/node
func (h *HealthHandler) Node(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	resp := NodeResponse{
		Hostname: hostname,
		Network:  connection.StateInit.String(),
		IPs:      connection.LocalIPs(),
	}
	if resp.IPs == nil {
		resp.IPs = []string{}
	}
	if h.network != nil {
		resp.SSID = h.network.SSID()
		resp.Network = h.network.State().String()
	}
	if h.cloud != nil {
		id := h.cloud.Identity()
		resp.ThingID = id.ThingID
		resp.BoardID = id.BoardID
		resp.Properties = len(h.cloud.Properties())
	}
	writeJSON(w, http.StatusOK, resp)
}
