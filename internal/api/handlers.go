package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"threatline/internal/rules"
	"threatline/internal/schema"
	"threatline/internal/storage"
	"threatline/internal/storage/s3"
)

// maxTestBody bounds the sample event posted to the rule test endpoint.
const maxTestBody = 1 << 20

type healthResponse struct {
	Status string            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "unhealthy",
			Error:  s.sanitizer.Message(err),
		})
		return
	}

	resp := healthResponse{Status: "healthy"}
	if len(s.deps) > 0 {
		resp.Checks = make(map[string]string, len(s.deps))
	}
	for _, d := range s.deps {
		if err := d.check(ctx); err != nil {
			s.logger.Warn("dependency check failed", "dependency", d.name, "error", err)
			resp.Status = "degraded"
			resp.Checks[d.name] = s.sanitizer.Message(err)
			continue
		}
		resp.Checks[d.name] = "ok"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) threatLevel(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]float64{"level": s.threat.Read()})
}

type alertList struct {
	Alerts []*schema.Alert `json:"alerts"`
	Count  int             `json:"count"`
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter storage.AlertFilter
	var err error
	if v := q.Get("severity"); v != "" {
		if filter.Severity, err = schema.ParseSeverity(v); err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}
	if filter.Since, err = parseTime(q, "since"); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if filter.Until, err = parseTime(q, "until"); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if filter.Limit, err = parseLimit(q); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	alerts, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, storeStatus(err), err)
		return
	}
	if alerts == nil {
		alerts = []*schema.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alertList{Alerts: alerts, Count: len(alerts)})
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	id, err := schema.ParseAlertID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	alert, err := s.store.GetAlert(r.Context(), id)
	if err != nil {
		if storage.IsNotFound(err) {
			err = fmt.Errorf("alert %s not found", id)
		}
		s.writeError(w, r, storeStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

type incidentList struct {
	Incidents []*schema.Incident `json:"incidents"`
	Count     int                `json:"count"`
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.IncidentFilter{Source: q.Get("source")}
	if v := q.Get("status"); v != "" {
		filter.Status = schema.IncidentStatus(v)
		if filter.Status != schema.IncidentStatusOpen {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("unknown status %q", v))
			return
		}
	}
	var err error
	if filter.Limit, err = parseLimit(q); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	incidents, err := s.store.ListIncidents(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, storeStatus(err), err)
		return
	}
	if incidents == nil {
		incidents = []*schema.Incident{}
	}
	s.writeJSON(w, http.StatusOK, incidentList{Incidents: incidents, Count: len(incidents)})
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid incident id: %w", err))
		return
	}

	incident, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		if storage.IsNotFound(err) {
			err = fmt.Errorf("incident %s not found", id)
		}
		s.writeError(w, r, storeStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, incident)
}

// getArchivedIncident returns the copy of an incident held in the archive.
func (s *Server) getArchivedIncident(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid incident id: %w", err))
		return
	}

	incident, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		if storage.IsNotFound(err) {
			err = fmt.Errorf("incident %s not found", id)
		}
		s.writeError(w, r, storeStatus(err), err)
		return
	}

	archived, err := s.archive.RestoreIncident(r.Context(), id, incident.CreatedAt, incident.SourceIdentity)
	if err != nil {
		if errors.Is(err, s3.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, fmt.Errorf("incident %s not archived", id))
			return
		}
		s.writeError(w, r, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, archived)
}

type blockStatus struct {
	Source  string `json:"source"`
	Blocked bool   `json:"blocked"`
}

func (s *Server) getBlock(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	blocked, err := s.blocklist.IsBlocked(r.Context(), source)
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, blockStatus{Source: source, Blocked: blocked})
}

// unblock lifts a block. Lifting an absent block succeeds.
func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	if err := s.blocklist.Unblock(r.Context(), source); err != nil {
		s.writeError(w, r, http.StatusBadGateway, err)
		return
	}
	s.logger.Info("source unblocked", "source_identity", source)
	s.writeJSON(w, http.StatusOK, blockStatus{Source: source, Blocked: false})
}

type ruleList struct {
	Rules    []*rules.Rule `json:"rules"`
	Count    int           `json:"count"`
	Version  uint64        `json:"version"`
	LoadedAt time.Time     `json:"loaded_at"`
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	snap := s.rules.Snapshot()
	if snap == nil {
		s.writeJSON(w, http.StatusOK, ruleList{Rules: []*rules.Rule{}})
		return
	}
	s.writeJSON(w, http.StatusOK, ruleList{
		Rules:    snap.Rules(),
		Count:    snap.Len(),
		Version:  snap.Version(),
		LoadedAt: snap.LoadedAt(),
	})
}

func (s *Server) lookupRule(w http.ResponseWriter, r *http.Request) (*rules.Rule, bool) {
	id := mux.Vars(r)["id"]
	snap := s.rules.Snapshot()
	if snap != nil {
		if rule, ok := snap.Get(id); ok {
			return rule, true
		}
	}
	s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no rule with id %q", id))
	return nil, false
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	if rule, ok := s.lookupRule(w, r); ok {
		s.writeJSON(w, http.StatusOK, rule)
	}
}

// RuleTestResponse reports whether a sample event satisfies a rule's
// conditions. Window thresholds need stored history and are not evaluated.
type RuleTestResponse struct {
	RuleID   string          `json:"rule_id"`
	Matched  bool            `json:"matched"`
	Temporal bool            `json:"temporal"`
	Severity schema.Severity `json:"severity"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) testRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.lookupRule(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTestBody))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	event, err := schema.DecodeEvent(body)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp := RuleTestResponse{RuleID: rule.ID, Temporal: rule.Temporal(), Severity: rule.Severity}
	resp.Matched, err = rule.Matches(event)
	if err != nil {
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func parseTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: expected RFC3339 timestamp", key)
	}
	return t.UTC(), nil
}

func parseLimit(q url.Values) (int, error) {
	v := q.Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
	}
	return n, nil
}
