package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/endpoint"
	"github.com/mir00r/region-router/internal/errors"
	"github.com/mir00r/region-router/internal/middleware"
	"github.com/mir00r/region-router/internal/service"
	"github.com/mir00r/region-router/internal/transport"
	"github.com/mir00r/region-router/pkg/logger"
)

// refreshTimeout bounds a topology refresh requested through the API
const refreshTimeout = 15 * time.Second

// AdminHandler exposes the routing state of a client and lets operators
// steer it: refresh the topology, mark endpoints down, drop partition
// overrides, invalidate cached metadata and inject faults.
type AdminHandler struct {
	client    *service.Client
	faults    *transport.FaultInjectionTransport
	logger    *logger.Logger
	startTime time.Time
	now       func() time.Time
}

// NewAdminHandler creates a new admin handler. faults may be nil when fault
// injection is disabled.
func NewAdminHandler(client *service.Client, faults *transport.FaultInjectionTransport, log *logger.Logger) *AdminHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &AdminHandler{
		client:    client,
		faults:    faults,
		logger:    log.AdminLogger(),
		startTime: time.Now(),
		now:       time.Now,
	}
}

// RegisterRoutes mounts the admin endpoints under /admin
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	admin := r.PathPrefix("/admin").Subrouter()

	admin.HandleFunc("/diagnostics", h.DiagnosticsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/config", h.GetConfigHandler).Methods(http.MethodGet)

	admin.HandleFunc("/endpoints", h.ListEndpointsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/endpoints/unavailable", h.MarkUnavailableHandler).Methods(http.MethodPost)
	admin.HandleFunc("/refresh", h.RefreshHandler).Methods(http.MethodPost)

	admin.HandleFunc("/partitions", h.ListPartitionsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/partitions/failback", h.FailbackHandler).Methods(http.MethodPost)

	admin.HandleFunc("/containers", h.ListContainersHandler).Methods(http.MethodGet)
	admin.HandleFunc("/containers/{link:.+}/route", h.RouteHandler).Methods(http.MethodGet)
	admin.HandleFunc("/containers/{link:.+}", h.InvalidateContainerHandler).Methods(http.MethodDelete)

	admin.HandleFunc("/faults", h.ListFaultsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/faults", h.AddFaultHandler).Methods(http.MethodPost)
	admin.HandleFunc("/faults/{id}", h.DeleteFaultHandler).Methods(http.MethodDelete)
}

// MarkUnavailableRequest marks an endpoint unavailable by hand
type MarkUnavailableRequest struct {
	URL       string `json:"url"`
	Operation string `json:"operation"` // read, write or all
}

// FaultRequest is the API form of a fault rule
type FaultRequest struct {
	ID          string   `json:"id"`
	Endpoint    string   `json:"endpoint,omitempty"`
	Operations  []string `json:"operations,omitempty"`
	LinkPrefix  string   `json:"link_prefix,omitempty"`
	StatusCode  int      `json:"status_code,omitempty"`
	SubStatus   int      `json:"sub_status,omitempty"`
	RetryAfter  string   `json:"retry_after,omitempty"`
	Delay       string   `json:"delay,omitempty"`
	Duration    string   `json:"duration,omitempty"`
	HitLimit    int      `json:"hit_limit,omitempty"`
	Probability float64  `json:"probability,omitempty"`
}

// FaultResponse describes an installed fault rule
type FaultResponse struct {
	ID   string `json:"id"`
	Hits int    `json:"hits"`
}

// StatsResponse summarises the routing state
type StatsResponse struct {
	Uptime               string              `json:"uptime"`
	PreferredRegions     []domain.RegionName `json:"preferred_regions"`
	Endpoints            int                 `json:"endpoints"`
	UnavailableEndpoints int                 `json:"unavailable_endpoints"`
	PartitionOverrides   int                 `json:"partition_overrides"`
	CachedContainers     int                 `json:"cached_containers"`
	LastTopologyRefresh  *time.Time          `json:"last_topology_refresh,omitempty"`
	FaultRules           int                 `json:"fault_rules"`
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// DiagnosticsHandler handles GET /admin/diagnostics
func (h *AdminHandler) DiagnosticsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Diagnostics())
}

// StatsHandler handles GET /admin/stats
func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	manager := h.client.Manager()
	endpoints := manager.Snapshot()

	unavailable := 0
	for _, ep := range endpoints {
		if ep.UnavailableUntil != nil {
			unavailable++
		}
	}

	response := StatsResponse{
		Uptime:               time.Since(h.startTime).Round(time.Second).String(),
		PreferredRegions:     manager.PreferredRegions(),
		Endpoints:            len(endpoints),
		UnavailableEndpoints: unavailable,
		PartitionOverrides:   len(h.client.PartitionFailover().Overrides()),
		CachedContainers:     len(h.client.Containers().Links()),
	}
	if last := manager.LastRefresh(); !last.IsZero() {
		response.LastTopologyRefresh = &last
	}
	if h.faults != nil {
		response.FaultRules = len(h.faults.Rules())
	}

	writeJSON(w, http.StatusOK, response)
}

// GetConfigHandler handles GET /admin/config
func (h *AdminHandler) GetConfigHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Config())
}

// ListEndpointsHandler handles GET /admin/endpoints
func (h *AdminHandler) ListEndpointsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Manager().Snapshot())
}

// MarkUnavailableHandler handles POST /admin/endpoints/unavailable
func (h *AdminHandler) MarkUnavailableHandler(w http.ResponseWriter, r *http.Request) {
	var req MarkUnavailableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		h.writeErrorResponse(w, "url is required", http.StatusBadRequest)
		return
	}

	manager := h.client.Manager()
	if manager.RegionOf(req.URL) == "" {
		h.writeErrorResponse(w, fmt.Sprintf("endpoint '%s' is not part of the account topology", req.URL), http.StatusNotFound)
		return
	}

	switch strings.ToLower(req.Operation) {
	case "read":
		manager.MarkEndpointUnavailableForRead(req.URL)
	case "write":
		manager.MarkEndpointUnavailableForWrite(req.URL)
	case "", "all":
		manager.MarkEndpointUnavailableForRead(req.URL)
		manager.MarkEndpointUnavailableForWrite(req.URL)
	default:
		h.writeErrorResponse(w, fmt.Sprintf("unknown operation '%s'", req.Operation), http.StatusBadRequest)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"actor":     actor(r),
		"action":    "mark_unavailable",
		"endpoint":  req.URL,
		"operation": req.Operation,
	}).Warn("Endpoint marked unavailable by operator")

	writeJSON(w, http.StatusOK, manager.Snapshot())
}

// RefreshHandler handles POST /admin/refresh
func (h *AdminHandler) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	if err := h.client.Manager().Refresh(ctx); err != nil {
		h.writeErrorResponse(w, err.Error(), http.StatusBadGateway)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"actor":  actor(r),
		"action": "refresh",
	}).Info("Topology refreshed by operator")
	writeJSON(w, http.StatusOK, h.client.Diagnostics())
}

// ListPartitionsHandler handles GET /admin/partitions
func (h *AdminHandler) ListPartitionsHandler(w http.ResponseWriter, r *http.Request) {
	overrides := h.client.PartitionFailover().Overrides()
	if overrides == nil {
		overrides = []endpoint.PartitionOverride{}
	}
	writeJSON(w, http.StatusOK, overrides)
}

// FailbackHandler handles POST /admin/partitions/failback. Every override
// is dropped regardless of its age.
func (h *AdminHandler) FailbackHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.client.Config().CircuitBreaker
	horizon := h.now().Add(cfg.FailbackAfter + cfg.CounterResetWindow)
	dropped := h.client.PartitionFailover().Failback(horizon)

	h.logger.WithFields(logrus.Fields{
		"actor":   actor(r),
		"action":  "failback",
		"dropped": dropped,
	}).Info("Partition overrides dropped by operator")

	writeJSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}

// ListContainersHandler handles GET /admin/containers
func (h *AdminHandler) ListContainersHandler(w http.ResponseWriter, r *http.Request) {
	links := h.client.Containers().Links()
	if links == nil {
		links = []string{}
	}
	writeJSON(w, http.StatusOK, links)
}

// InvalidateContainerHandler handles DELETE /admin/containers/{link}
func (h *AdminHandler) InvalidateContainerHandler(w http.ResponseWriter, r *http.Request) {
	link := mux.Vars(r)["link"]
	h.client.Containers().Invalidate(link)
	h.client.PartitionKeyRanges().Invalidate(link)

	h.logger.WithFields(logrus.Fields{
		"actor":     actor(r),
		"action":    "invalidate_container",
		"container": link,
	}).Info("Container metadata invalidated")

	w.WriteHeader(http.StatusNoContent)
}

// RouteHandler handles GET /admin/containers/{link}/route?pk=<epk>&op=<operation>
// and reports where such an item operation would be sent.
func (h *AdminHandler) RouteHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	op := domain.OperationRead
	if name := query.Get("op"); name != "" {
		parsed, ok := domain.ParseOperationType(name)
		if !ok {
			h.writeErrorResponse(w, fmt.Sprintf("unknown operation '%s'", name), http.StatusBadRequest)
			return
		}
		op = parsed
	}

	var excluded []domain.RegionName
	for _, region := range query["exclude"] {
		excluded = append(excluded, domain.RegionName(region))
	}

	location, err := h.client.Locate(r.Context(), service.ItemRequest{
		ContainerLink:   mux.Vars(r)["link"],
		PartitionKey:    domain.EffectivePartitionKey(query.Get("pk")),
		Operation:       op,
		ExcludedRegions: excluded,
	})
	if err != nil {
		h.writeErrorResponse(w, err.Error(), errors.GetHTTPStatusCode(err))
		return
	}
	writeJSON(w, http.StatusOK, location)
}

// ListFaultsHandler handles GET /admin/faults
func (h *AdminHandler) ListFaultsHandler(w http.ResponseWriter, r *http.Request) {
	if h.faults == nil {
		h.writeErrorResponse(w, "fault injection is disabled", http.StatusNotFound)
		return
	}
	response := []FaultResponse{}
	for _, id := range h.faults.Rules() {
		response = append(response, FaultResponse{ID: id, Hits: h.faults.Hits(id)})
	}
	writeJSON(w, http.StatusOK, response)
}

// AddFaultHandler handles POST /admin/faults
func (h *AdminHandler) AddFaultHandler(w http.ResponseWriter, r *http.Request) {
	if h.faults == nil {
		h.writeErrorResponse(w, "fault injection is disabled", http.StatusNotFound)
		return
	}

	var req FaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	rule, err := h.toFaultRule(req)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.faults.AddRule(rule)

	h.logger.WithFields(logrus.Fields{
		"actor":       actor(r),
		"action":      "add_fault",
		"rule":        rule.ID,
		"endpoint":    rule.Endpoint,
		"status_code": rule.StatusCode,
	}).Warn("Fault rule installed")

	writeJSON(w, http.StatusCreated, FaultResponse{ID: rule.ID})
}

// DeleteFaultHandler handles DELETE /admin/faults/{id}
func (h *AdminHandler) DeleteFaultHandler(w http.ResponseWriter, r *http.Request) {
	if h.faults == nil {
		h.writeErrorResponse(w, "fault injection is disabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]
	h.faults.RemoveRule(id)

	h.logger.WithFields(logrus.Fields{
		"actor":  actor(r),
		"action": "delete_fault",
		"rule":   id,
	}).Info("Fault rule removed")

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) toFaultRule(req FaultRequest) (transport.FaultRule, error) {
	if req.ID == "" {
		return transport.FaultRule{}, fmt.Errorf("id is required")
	}
	if req.Probability < 0 || req.Probability > 1 {
		return transport.FaultRule{}, fmt.Errorf("probability must be within [0, 1]")
	}

	rule := transport.FaultRule{
		ID:          req.ID,
		Endpoint:    req.Endpoint,
		LinkPrefix:  req.LinkPrefix,
		StatusCode:  req.StatusCode,
		SubStatus:   req.SubStatus,
		HitLimit:    req.HitLimit,
		Probability: req.Probability,
	}
	for _, name := range req.Operations {
		op, ok := domain.ParseOperationType(name)
		if !ok {
			return transport.FaultRule{}, fmt.Errorf("unknown operation '%s'", name)
		}
		rule.Operations = append(rule.Operations, op)
	}

	durations := []struct {
		value string
		into  func(time.Duration)
	}{
		{req.Delay, func(d time.Duration) { rule.Delay = d }},
		{req.RetryAfter, func(d time.Duration) {
			rule.Header = http.Header{}
			rule.Header.Set(domain.HeaderRetryAfterMs, fmt.Sprint(d.Milliseconds()))
		}},
		{req.Duration, func(d time.Duration) {
			rule.StartAt = h.now()
			rule.EndAt = rule.StartAt.Add(d)
		}},
	}
	for _, field := range durations {
		if field.value == "" {
			continue
		}
		d, err := time.ParseDuration(field.value)
		if err != nil || d <= 0 {
			return transport.FaultRule{}, fmt.Errorf("invalid duration '%s'", field.value)
		}
		field.into(d)
	}

	if rule.StatusCode == 0 && rule.Delay == 0 {
		return transport.FaultRule{}, fmt.Errorf("a fault needs a status_code or a delay")
	}
	return rule, nil
}

// writeErrorResponse writes a standardized error response
func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: h.now().UTC(),
	})

	h.logger.WithFields(logrus.Fields{
		"error": message,
		"code":  code,
	}).Warn("API error response")
}

// actor names the authenticated caller for audit logs
func actor(r *http.Request) string {
	if claims, ok := middleware.Claims(r.Context()); ok {
		return claims.Subject
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
