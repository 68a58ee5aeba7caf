package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/executor"
	"github.com/opswarden/opswarden/internal/safety"
)

// maxBodyBytes bounds request bodies; scripts are the largest payload.
const maxBodyBytes = 1 << 20

// --- Actions ---

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions := s.exec.Actions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"total":   len(actions),
	})
}

// --- Proposals ---

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	filter := action.ProposalFilter{
		Status:     action.Status(r.URL.Query().Get("status")),
		ActionName: r.URL.Query().Get("action"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if t, ok := querySince(r); ok {
		filter.Since = &t
	}

	proposals, total, err := s.exec.ListProposals(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"proposals": proposals,
		"total":     total,
	})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.exec.ListPending()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"proposals": pending,
		"total":     len(pending),
	})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req executor.ProposeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if caller, ok := callerFrom(r.Context()); ok {
		req.ProposedBy = caller.Name
	} else if req.ProposedBy == "" {
		req.ProposedBy = r.Header.Get("X-Opswarden-Agent")
	}

	p, err := s.exec.Propose(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleShowProposal(w http.ResponseWriter, r *http.Request) {
	view, err := s.exec.Show(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.exec.Validate(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(action.StatusValidated)})
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	// With auth enabled the approver is whoever holds the token.
	if caller, ok := callerFrom(r.Context()); ok {
		req.ApprovedBy = caller.Name
	}
	id := r.PathValue("id")
	if err := s.exec.Approve(r.Context(), id, req.ApprovedBy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "approved_by": req.ApprovedBy})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if queryBool(r, "async") {
		if s.dispatcher == nil {
			writeErrorStatus(w, http.StatusServiceUnavailable, "unavailable", "asynchronous execution is not enabled")
			return
		}
		err := s.dispatcher.Submit(id)
		switch {
		case errors.Is(err, executor.ErrQueueFull), errors.Is(err, executor.ErrDispatcherClosed):
			writeErrorStatus(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		case err != nil:
			writeError(w, err)
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
		}
		return
	}

	rec, err := s.exec.Execute(r.Context(), id)
	if err != nil {
		if rec != nil {
			// A failed execution still produced a record.
			kind := action.KindOf(err)
			writeJSON(w, statusForKind(kind), map[string]interface{}{
				"error":  err.Error(),
				"kind":   kind,
				"record": rec,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.exec.Cancel(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(action.StatusCancelled)})
}

// --- Audit ---

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	filter := action.AuditFilter{
		ProposalID: r.URL.Query().Get("proposal_id"),
		Type:       action.EventType(r.URL.Query().Get("type")),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
	if t, ok := querySince(r); ok {
		filter.Since = &t
	}

	events, err := s.auditor.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	res, err := s.auditor.Verify()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Safety ---

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.safety.Status())
}

type setModeRequest struct {
	Mode   string `json:"mode"`
	Source string `json:"source"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mode, err := safety.ParseMode(req.Mode)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, action.KindValidation, err.Error())
		return
	}
	req.Source = sourceOf(r, req.Source)
	if err := s.safety.SetMode(mode, req.Source); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.safety.Status())
}

type killRequest struct {
	Reason string `json:"reason"`
	Source string `json:"source"`
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Source = sourceOf(r, req.Source)

	n, err := s.safety.KillSwitch(req.Reason, req.Source)
	body := map[string]interface{}{
		"cancelled": n,
		"mode":      s.safety.Mode(),
	}
	if err != nil {
		// The mode is OBSERVE and n proposals were cancelled even when
		// auditing some of them failed.
		body["error"] = err.Error()
		body["kind"] = action.KindInternal
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(s.safety.Mode())})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.exec.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]interface{}{
		"stats":       stats,
		"safety":      s.safety.Status(),
		"ws_clients":  s.wsHub.ClientCount(),
		"queued_runs": 0,
	}
	if s.dispatcher != nil {
		body["queued_runs"] = s.dispatcher.InFlight()
	}
	writeJSON(w, http.StatusOK, body)
}

// --- Helpers ---

// sourceOf names who triggered a safety change: the token holder when auth
// is enabled, otherwise the caller-supplied source or "api".
func sourceOf(r *http.Request, claimed string) string {
	if caller, ok := callerFrom(r.Context()); ok {
		return "api:" + caller.Name
	}
	if claimed == "" {
		return "api"
	}
	return claimed
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError classifies err and writes {error, kind} with the matching
// status.
func writeError(w http.ResponseWriter, err error) {
	kind := action.KindOf(err)
	writeErrorStatus(w, statusForKind(kind), kind, err.Error())
}

func writeErrorStatus(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeErrorStatus(w, http.StatusBadRequest, action.KindValidation, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func querySince(r *http.Request) (time.Time, bool) {
	since := r.URL.Query().Get("since")
	if since == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
