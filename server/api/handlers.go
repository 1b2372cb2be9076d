// Package api implements the Relay REST handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stonehive/relay/broker"
	"github.com/stonehive/relay/events"
	"github.com/stonehive/relay/task"
	"github.com/stonehive/relay/track"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Engine      *broker.Engine
	Tasks       task.Store
	DeadLetters task.DeadLetterStore
	Teams       task.TeamStore
	Registry    *broker.Registry
	Hub         *events.Hub
	Tracker     *track.Store
	Logger      *slog.Logger
	Version     string
	StartAt     time.Time
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/next", h.nextTask)
	mux.HandleFunc("POST /api/tasks/reset-processing", h.resetProcessing)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.completeTask)
	mux.HandleFunc("POST /api/tasks/{id}/fail", h.failTask)
	mux.HandleFunc("POST /api/tasks/{id}/release", h.releaseTask)
	mux.HandleFunc("POST /api/tasks/{id}/reject", h.rejectTask)
	mux.HandleFunc("POST /api/tasks/{id}/review", h.reviewTask)
	mux.HandleFunc("POST /api/tasks/{id}/resubmit", h.resubmitTask)

	mux.HandleFunc("GET /api/dead-letters", h.listDeadLetters)
	mux.HandleFunc("POST /api/dead-letters/{id}/retry", h.retryDeadLetter)

	mux.HandleFunc("POST /api/consumers/register", h.registerConsumer)
	mux.HandleFunc("POST /api/consumers/heartbeat", h.heartbeatConsumer)
	mux.HandleFunc("POST /api/consumers/unregister", h.unregisterConsumer)
	mux.HandleFunc("GET /api/consumers", h.listConsumers)

	mux.HandleFunc("POST /api/team-tasks", h.createTeamTask)
	mux.HandleFunc("GET /api/team-tasks", h.listTeamTasks)
	mux.HandleFunc("GET /api/team-tasks/next", h.nextTeamTask)
	mux.HandleFunc("GET /api/team-tasks/stats", h.teamStats)
	mux.HandleFunc("GET /api/team-tasks/{id}", h.getTeamTask)
	mux.HandleFunc("POST /api/team-tasks/{id}/complete", h.completeTeamTask)
	mux.HandleFunc("POST /api/team-tasks/{id}/fail", h.failTeamTask)
	mux.HandleFunc("POST /api/team-tasks/{id}/release", h.releaseTeamTask)

	mux.HandleFunc("POST /api/sessions/{id}", h.saveSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("POST /api/knowledge/backup", h.backupKnowledge)
	mux.HandleFunc("GET /api/knowledge/{type}", h.getKnowledge)
	mux.HandleFunc("POST /api/logs", h.appendLog)
	mux.HandleFunc("GET /api/logs", h.listLogs)
	mux.HandleFunc("POST /api/notifications", h.addNotification)
	mux.HandleFunc("GET /api/notifications", h.listNotifications)

	mux.HandleFunc("GET /api/events/recent", h.recentEvents)

	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeTaskError maps the broker error taxonomy onto HTTP status codes.
func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case task.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case task.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case task.IsConflict(err), task.IsExhausted(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// --- Task handlers ---

type createTaskRequest struct {
	Payload    string            `json:"payload"`
	Source     string            `json:"source,omitempty"`
	Capability string            `json:"capability,omitempty"`
	Priority   int               `json:"priority,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t := &task.Task{
		Payload:    req.Payload,
		Source:     req.Source,
		Capability: req.Capability,
		Priority:   req.Priority,
		Metadata:   req.Metadata,
	}
	if _, err := h.Tasks.Enqueue(t); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		Source:    q.Get("source"),
		ClaimedBy: q.Get("claimed_by"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	}
	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		filter.Status = &st
	}

	tasks, err := h.Tasks.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// nextTask is the consumer poll path. Losing a dispatch race is normal,
// so the response is {"task": null}, never an error.
func (h *Handlers) nextTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.NextTask(r.URL.Query().Get("consumer_id"), r.URL.Query().Get("capability"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t})
}

type claimantRequest struct {
	ConsumerID string `json:"consumer_id"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

func decodeClaimant(w http.ResponseWriter, r *http.Request) (claimantRequest, bool) {
	var req claimantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	if req.ConsumerID == "" {
		writeError(w, http.StatusBadRequest, "consumer_id is required")
		return req, false
	}
	return req, true
}

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeClaimant(w, r)
	if !ok {
		return
	}
	t, err := h.Engine.Complete(r.PathValue("id"), req.ConsumerID, req.Result)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) failTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeClaimant(w, r)
	if !ok {
		return
	}
	t, deadLettered, err := h.Engine.Fail(r.PathValue("id"), req.ConsumerID, req.Error)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t, "dead_lettered": deadLettered})
}

func (h *Handlers) releaseTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeClaimant(w, r)
	if !ok {
		return
	}
	t, err := h.Engine.Release(r.PathValue("id"), req.ConsumerID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) rejectTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeClaimant(w, r)
	if !ok {
		return
	}
	t, err := h.Engine.Reject(r.PathValue("id"), req.ConsumerID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) reviewTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeClaimant(w, r)
	if !ok {
		return
	}
	t, err := h.Engine.Review(r.PathValue("id"), req.ConsumerID, req.Result)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) resubmitTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.Resubmit(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	err := h.Tasks.Delete(r.PathValue("id"), force)
	if task.IsConflict(err) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  err.Error(),
			"reason": "protected",
		})
		return
	}
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": r.PathValue("id")})
}

func (h *Handlers) resetProcessing(w http.ResponseWriter, _ *http.Request) {
	n, err := h.Engine.ResetProcessing()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// --- Dead-letter handlers ---

func (h *Handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.DeadLetters.ListDeadLetters(queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*task.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handlers) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.RetryDeadLetter(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Consumer handlers ---

type consumerRequest struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status,omitempty"`
}

func (h *Handlers) registerConsumer(w http.ResponseWriter, r *http.Request) {
	var req consumerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	c, err := h.Registry.Register(req.ID, req.Capabilities)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) heartbeatConsumer(w http.ResponseWriter, r *http.Request) {
	var req consumerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	c, err := h.Registry.Heartbeat(req.ID, req.Status)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) unregisterConsumer(w http.ResponseWriter, r *http.Request) {
	var req consumerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.Registry.Unregister(req.ID); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unregistered": req.ID})
}

func (h *Handlers) listConsumers(w http.ResponseWriter, _ *http.Request) {
	consumers := h.Registry.List()
	if consumers == nil {
		consumers = []*broker.Consumer{}
	}
	writeJSON(w, http.StatusOK, consumers)
}

// --- Team-task handlers ---

type createTeamTaskRequest struct {
	Payload  string            `json:"payload"`
	Assignee string            `json:"assignee"`
	Phase    string            `json:"phase,omitempty"`
	Notes    string            `json:"notes,omitempty"`
	Source   string            `json:"source,omitempty"`
	Priority int               `json:"priority,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handlers) createTeamTask(w http.ResponseWriter, r *http.Request) {
	var req createTeamTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t := &task.TeamTask{
		Task: task.Task{
			Payload:  req.Payload,
			Source:   req.Source,
			Priority: req.Priority,
			Metadata: req.Metadata,
		},
		Assignee: req.Assignee,
		Phase:    req.Phase,
		Notes:    req.Notes,
	}
	if _, err := h.Engine.EnqueueTeamTask(t); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) listTeamTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.TeamFilter{
		Assignee: q.Get("assignee"),
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	}
	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		filter.Status = &st
	}

	tasks, err := h.Teams.ListTeamTasks(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.TeamTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTeamTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Teams.GetTeamTask(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) nextTeamTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.NextTeamTask(r.URL.Query().Get("assignee"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t})
}

type teamClaimantRequest struct {
	Assignee string `json:"assignee"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

func decodeTeamClaimant(w http.ResponseWriter, r *http.Request) (teamClaimantRequest, bool) {
	var req teamClaimantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	if req.Assignee == "" {
		writeError(w, http.StatusBadRequest, "assignee is required")
		return req, false
	}
	return req, true
}

func (h *Handlers) completeTeamTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTeamClaimant(w, r)
	if !ok {
		return
	}
	t, err := h.Engine.CompleteTeamTask(r.PathValue("id"), req.Assignee, req.Result)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) failTeamTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTeamClaimant(w, r)
	if !ok {
		return
	}
	t, err := h.Engine.FailTeamTask(r.PathValue("id"), req.Assignee, req.Error)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) releaseTeamTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTeamClaimant(w, r)
	if !ok {
		return
	}
	t, err := h.Engine.ReleaseTeamTask(r.PathValue("id"), req.Assignee)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) teamStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := h.Teams.TeamStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Tracking handlers ---

type saveSessionRequest struct {
	State    string            `json:"state"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handlers) saveSession(w http.ResponseWriter, r *http.Request) {
	var req saveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := h.Tracker.SaveSession(r.PathValue("id"), req.State, req.Metadata)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Tracker.GetSession(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type backupKnowledgeRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Hash    string `json:"hash,omitempty"`
	Source  string `json:"source,omitempty"`
}

func (h *Handlers) backupKnowledge(w http.ResponseWriter, r *http.Request) {
	var req backupKnowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	f := &track.KnowledgeFile{
		FileType: req.Type,
		Content:  req.Content,
		Hash:     req.Hash,
		Source:   req.Source,
	}
	if err := h.Tracker.BackupKnowledge(f); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handlers) getKnowledge(w http.ResponseWriter, r *http.Request) {
	f, err := h.Tracker.GetKnowledge(r.PathValue("type"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handlers) appendLog(w http.ResponseWriter, r *http.Request) {
	var e track.LogEntry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if _, err := h.Tracker.AppendLog(&e); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit == 0 {
		limit = 50
	}
	logs, err := h.Tracker.ListLogs(r.URL.Query().Get("session_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*track.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handlers) addNotification(w http.ResponseWriter, r *http.Request) {
	var n track.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if _, err := h.Tracker.AddNotification(&n); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (h *Handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit == 0 {
		limit = 50
	}
	notifications, err := h.Tracker.ListNotifications(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if notifications == nil {
		notifications = []*track.Notification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}

// --- Events / status ---

func (h *Handlers) recentEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Hub.History(queryInt(r, "limit")))
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	counts, err := h.Tasks.CountByStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	deadLetters, err := h.DeadLetters.CountDeadLetters()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	liveness := h.Registry.CountByLiveness()
	total := 0
	for _, n := range liveness {
		total += n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.Version,
		"uptime_seconds": int(time.Since(h.StartAt).Seconds()),
		"tasks":          counts,
		"consumers": map[string]any{
			"total":   total,
			"active":  liveness[broker.LivenessActive],
			"idle":    liveness[broker.LivenessIdle],
			"offline": liveness[broker.LivenessOffline],
		},
		"dead_letters": deadLetters,
		"subscribers":  h.Hub.SubscriberCount(),
	})
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
