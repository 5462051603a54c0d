// Package api is the HTTP front door: onboarding submission and status,
// phone-number registration, admin maintenance triggers, metrics and the
// Meta webhook endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/dispatch"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/observability"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/orchestrator"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/registration"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/secrets"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/state"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/pkg/wabaapi"
)

type Server struct {
	orch       *orchestrator.Orchestrator
	store      state.Store
	phones     *registration.Saga
	cipher     *secrets.Cipher
	dispatcher *dispatch.Dispatcher

	auth        *authorizer
	limiter     *submitLimiter
	verifyToken string
	retryLimit  int
}

type Options struct {
	APITokens          string
	RateLimitRPM       int
	WebhookVerifyToken string
	RetryLimit         int
}

func NewServer(orch *orchestrator.Orchestrator, store state.Store, phones *registration.Saga, cipher *secrets.Cipher, dispatcher *dispatch.Dispatcher, opts Options) *Server {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	return &Server{
		orch:        orch,
		store:       store,
		phones:      phones,
		cipher:      cipher,
		dispatcher:  dispatcher,
		auth:        newAuthorizer(opts.APITokens),
		limiter:     newSubmitLimiter(opts.RateLimitRPM),
		verifyToken: opts.WebhookVerifyToken,
		retryLimit:  opts.RetryLimit,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/onboarding", s.handleOnboarding)
	mux.HandleFunc("/v1/onboarding/", s.handleOnboardingByID)
	mux.HandleFunc("/v1/numbers/register", s.handleRegisterNumber)
	mux.HandleFunc("/v1/numbers/", s.handleNumberByID)
	mux.HandleFunc("/v1/admin/tasks/reset-stuck", s.handleResetStuck)
	mux.HandleFunc("/v1/admin/tasks/retry-failed", s.handleRetryFailed)
	mux.HandleFunc("/v1/webhooks/meta", s.handleWebhook)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScope(w, r, "metrics"); !ok {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScope(w, r, "metrics"); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScope(w, r, "submit"); !ok {
		return
	}
	var req wabaapi.SubmitOnboardingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.limiter.allow(req.OrgID, time.Now().UTC()) {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}

	task, created, err := s.orch.Enqueue(r.Context(), req)
	if errors.Is(err, orchestrator.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not accept submission")
		return
	}
	writeJSON(w, http.StatusAccepted, wabaapi.SubmitOnboardingResponse{
		TaskID:       task.ID,
		Status:       string(task.Status),
		Deduplicated: !created,
	})
}

func (s *Server) handleOnboardingByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/onboarding/")
	if cancelID, ok := strings.CutSuffix(rest, "/cancel"); ok {
		s.cancelTask(w, r, cancelID)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScope(w, r, "read"); !ok {
		return
	}
	task, found, err := s.orch.GetTask(r.Context(), rest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, s.taskStatusResponse(task))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScope(w, r, "cancel"); !ok {
		return
	}
	var req wabaapi.CancelTaskRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	task, err := s.orch.Cancel(r.Context(), taskID, req.Reason)
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, state.ErrConflict):
		writeError(w, http.StatusConflict, "task is not cancellable in its current state")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, wabaapi.CancelTaskResponse{TaskID: task.ID, Status: string(task.Status)})
}

// handleRegisterNumber runs the two-phase registration saga inline; the
// response carries the finalized record.
func (s *Server) handleRegisterNumber(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScope(w, r, "submit"); !ok {
		return
	}
	var req wabaapi.RegisterNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WABAID == "" || req.PhoneNumberID == "" {
		writeError(w, http.StatusBadRequest, "waba_id and phone_number_id are required")
		return
	}

	token, err := s.tokenForWABA(r.Context(), req.WABAID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	rec, err := s.phones.Register(r.Context(), req.WABAID, req.PhoneNumberID, req.PIN, token)
	switch {
	case errors.Is(err, registration.ErrAccountNotActive):
		writeError(w, http.StatusConflict, "waba is not onboarded")
		return
	case errors.Is(err, registration.ErrLimitExceeded):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, registration.ErrDisabled):
		writeError(w, http.StatusConflict, "phone number is disabled")
		return
	case err != nil:
		// The record holds the failure detail for follow-up queries.
		writeJSON(w, http.StatusBadGateway, registrationResponse(rec))
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse(rec))
}

func (s *Server) handleNumberByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScope(w, r, "read"); !ok {
		return
	}
	phoneNumberID := strings.TrimPrefix(r.URL.Path, "/v1/numbers/")
	rec, found, err := s.phones.Status(r.Context(), phoneNumberID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "registration not found")
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse(rec))
}

func (s *Server) handleResetStuck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScope(w, r, "admin"); !ok {
		return
	}
	count, err := s.orch.ResetStuckTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, wabaapi.MaintenanceResponse{Count: count})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScope(w, r, "admin"); !ok {
		return
	}
	count, err := s.orch.RetryFailedTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, wabaapi.MaintenanceResponse{Count: count})
}

// handleWebhook implements Meta's verification handshake on GET and accepts
// event deliveries on POST. Events are opaque here; they go to the
// side-channel pool so delivery bursts cannot starve onboarding workers.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != s.verifyToken || s.verifyToken == "" {
			writeError(w, http.StatusForbidden, "verification failed")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(q.Get("hub.challenge")))

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		observability.Default.IncCounter("webhook_events_received_total", nil, 1)
		s.dispatcher.DispatchEvent(func(context.Context) {
			observability.Default.IncCounter("webhook_events_processed_total", nil, 1)
			log.Printf("webhook event received (%d bytes)", len(body))
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) tokenForWABA(ctx context.Context, wabaID string) (string, error) {
	account, found, err := s.store.GetAccountByWABA(ctx, wabaID)
	if err != nil {
		return "", errors.New("account lookup failed")
	}
	if !found {
		return "", errors.New("waba is not onboarded")
	}
	cred, found, err := s.store.GetCredential(ctx, account.OrgID)
	if err != nil || !found {
		return "", errors.New("no stored credential for waba owner")
	}
	return s.cipher.Decrypt(cred.Envelope)
}

func (s *Server) requireScope(w http.ResponseWriter, r *http.Request, scope string) (principal, bool) {
	p, ok := s.auth.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return principal{}, false
	}
	if !p.hasScope(scope) {
		writeError(w, http.StatusForbidden, "insufficient scope")
		return principal{}, false
	}
	return p, true
}

func (s *Server) taskStatusResponse(task state.TaskRecord) wabaapi.TaskStatusResponse {
	resp := wabaapi.TaskStatusResponse{
		TaskID:          task.ID,
		OrgID:           task.OrgID,
		Status:          string(task.Status),
		CompletedSteps:  task.CompletedSteps.Names(),
		Attempts:        task.Attempts,
		RetryCount:      task.RetryCount,
		LastError:       task.LastError,
		Guidance:        s.guidanceFor(task),
		ResultAccountID: task.ResultAccount,
		Summary:         task.Summary,
		CreatedAt:       task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !task.StartedAt.IsZero() {
		resp.StartedAt = task.StartedAt.UTC().Format(time.RFC3339)
	}
	if !task.CompletedAt.IsZero() {
		resp.CompletedAt = task.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) guidanceFor(task state.TaskRecord) string {
	if task.Status != state.TaskFailed {
		return ""
	}
	switch {
	case strings.Contains(task.LastError, "restart embedded signup"):
		return "restart embedded signup to obtain a fresh code, then submit again"
	case strings.Contains(task.LastError, "another organization"):
		return "the waba is onboarded elsewhere; verify ownership before resubmitting"
	case strings.Contains(task.LastError, "missing required scopes"):
		return "re-run embedded signup granting all requested permissions"
	case task.RetryCount < s.retryLimit:
		return "transient failure; the task will be retried automatically"
	default:
		return "retry budget exhausted; inspect the error and submit a new signup"
	}
}

func registrationResponse(rec state.RegistrationRecord) wabaapi.RegistrationStatusResponse {
	return wabaapi.RegistrationStatusResponse{
		PhoneNumberID: rec.PhoneNumberID,
		WABAID:        rec.WABAID,
		Status:        string(rec.Status),
		Attempts:      rec.Attempts,
		LastError:     rec.LastError,
		UpdatedAt:     rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
