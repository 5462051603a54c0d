package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/dispatch"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/graph"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/orchestrator"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/policy"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/registration"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/retry"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/saga"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/secrets"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/state"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/pkg/wabaapi"
)

type testClient struct{}

func okRes() graph.Result { return graph.Result{Success: true} }

func (testClient) ExchangeCode(context.Context, string) (graph.Credential, graph.Result, error) {
	return graph.Credential{Token: "short", ExpiresInSec: 3600}, okRes(), nil
}
func (testClient) ExtendToken(context.Context, string) (graph.Credential, graph.Result, error) {
	return graph.Credential{Token: "long", ExpiresInSec: 5184000}, okRes(), nil
}
func (testClient) DebugToken(context.Context, string) ([]string, graph.Result, error) {
	return []string{"whatsapp_business_management", "whatsapp_business_messaging", "business_management"}, okRes(), nil
}
func (testClient) GetAccount(context.Context, string, string) (string, string, graph.Result, error) {
	return "waba-1", "biz-1", okRes(), nil
}
func (testClient) GetBusiness(context.Context, string, string) (graph.Result, error) {
	return okRes(), nil
}
func (testClient) ListPhoneNumbers(context.Context, string, string) ([]string, graph.Result, error) {
	return []string{"pn-1"}, okRes(), nil
}
func (testClient) SubscribeApp(context.Context, string, string) (graph.Result, error) {
	return okRes(), nil
}
func (testClient) GetSubscriptions(context.Context, string, string) (bool, graph.Result, error) {
	return true, okRes(), nil
}
func (testClient) RegisterPhone(context.Context, string, string, string) (graph.Result, error) {
	return okRes(), nil
}
func (testClient) CreateSystemUserToken(context.Context, string, string) (graph.Credential, graph.Result, error) {
	return graph.Credential{Token: "system", ServiceIdentity: true}, okRes(), nil
}

type fixture struct {
	server *Server
	store  *state.MemoryStore
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := state.NewMemoryStore()
	classifier := policy.New(policy.DefaultConfig())
	exec := retry.NewExecutor(classifier, retry.Options{MaxAttempts: 1}, zerolog.Nop())
	cipher, err := secrets.NewCipher(make([]byte, 32))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	client := testClient{}
	phones := registration.New(store, client, exec, classifier, 0, zerolog.Nop())
	runner := saga.NewRunner(store, client, exec, classifier, cipher, phones, zerolog.Nop())
	d := dispatch.New(store, runner, dispatch.Options{Workers: 2, QueueSize: 8}, zerolog.Nop())
	t.Cleanup(d.Shutdown)
	orch := orchestrator.New(store, d, nil, orchestrator.Options{}, zerolog.Nop())
	return &fixture{
		server: NewServer(orch, store, phones, cipher, d, opts),
		store:  store,
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitOnboardingAcceptsAndDeduplicates(t *testing.T) {
	f := newFixture(t, Options{})
	handler := f.server.Handler()
	req := wabaapi.SubmitOnboardingRequest{OrgID: "org-42", AuthCode: "code-1"}

	rec := doJSON(t, handler, http.MethodPost, "/v1/onboarding", req, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var first wabaapi.SubmitOnboardingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Deduplicated || first.TaskID == "" {
		t.Fatalf("first response = %+v", first)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/onboarding", req, nil)
	var second wabaapi.SubmitOnboardingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !second.Deduplicated || second.TaskID != first.TaskID {
		t.Fatalf("second response = %+v, want dedup of %s", second, first.TaskID)
	}
}

func TestSubmitOnboardingValidatesBody(t *testing.T) {
	f := newFixture(t, Options{})
	handler := f.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/v1/onboarding", wabaapi.SubmitOnboardingRequest{OrgID: "org-42"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetTaskStatusIncludesGuidance(t *testing.T) {
	f := newFixture(t, Options{})
	handler := f.server.Handler()
	ctx := context.Background()

	if _, created, err := f.store.CreateTask(ctx, state.TaskRecord{ID: "t1", OrgID: "org-1", IdempotencyKey: "k1"}); err != nil || !created {
		t.Fatalf("CreateTask = %v, %v", created, err)
	}
	if ok, _ := f.store.TryClaim(ctx, "t1", time.Now().UTC()); !ok {
		t.Fatal("TryClaim should succeed")
	}
	if ok, _ := f.store.MarkFailed(ctx, "t1", "signup code was consumed by an earlier attempt; restart embedded signup to obtain a fresh code"); !ok {
		t.Fatal("MarkFailed should succeed")
	}

	rec := doJSON(t, handler, http.MethodGet, "/v1/onboarding/t1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp wabaapi.TaskStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != string(state.TaskFailed) {
		t.Fatalf("status = %s", resp.Status)
	}
	if !strings.Contains(resp.Guidance, "restart embedded signup") {
		t.Fatalf("guidance = %q", resp.Guidance)
	}
}

func TestGetTaskStatusDistinguishesTransientFromExhausted(t *testing.T) {
	f := newFixture(t, Options{RetryLimit: 2})
	handler := f.server.Handler()
	ctx := context.Background()

	failTimes := func(id string, times int) {
		t.Helper()
		if _, created, err := f.store.CreateTask(ctx, state.TaskRecord{ID: id, OrgID: "org-1", IdempotencyKey: "k-" + id}); err != nil || !created {
			t.Fatalf("CreateTask = %v, %v", created, err)
		}
		for i := 0; i < times; i++ {
			if ok, _ := f.store.TryClaim(ctx, id, time.Now().UTC()); !ok {
				t.Fatal("TryClaim should succeed")
			}
			if ok, _ := f.store.MarkFailed(ctx, id, "upstream timed out"); !ok {
				t.Fatal("MarkFailed should succeed")
			}
			if i < times-1 {
				if ok, _ := f.store.ResetFailed(ctx, id); !ok {
					t.Fatal("ResetFailed should succeed")
				}
			}
		}
	}
	failTimes("transient", 1)
	failTimes("exhausted", 2)

	status := func(id string) wabaapi.TaskStatusResponse {
		t.Helper()
		rec := doJSON(t, handler, http.MethodGet, "/v1/onboarding/"+id, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp wabaapi.TaskStatusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	if got := status("transient").Guidance; !strings.Contains(got, "retried automatically") {
		t.Fatalf("transient guidance = %q", got)
	}
	if got := status("exhausted").Guidance; !strings.Contains(got, "retry budget exhausted") {
		t.Fatalf("exhausted guidance = %q", got)
	}
}

func TestCancelConflictsForLiveTask(t *testing.T) {
	f := newFixture(t, Options{})
	handler := f.server.Handler()
	ctx := context.Background()

	if _, created, err := f.store.CreateTask(ctx, state.TaskRecord{ID: "t1", OrgID: "org-1", IdempotencyKey: "k1"}); err != nil || !created {
		t.Fatalf("CreateTask = %v, %v", created, err)
	}
	if ok, _ := f.store.TryClaim(ctx, "t1", time.Now().UTC()); !ok {
		t.Fatal("TryClaim should succeed")
	}

	rec := doJSON(t, handler, http.MethodPost, "/v1/onboarding/t1/cancel", wabaapi.CancelTaskRequest{Reason: "nope"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/onboarding/missing/cancel", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRegisterNumberEndToEnd(t *testing.T) {
	f := newFixture(t, Options{})
	handler := f.server.Handler()
	ctx := context.Background()

	if err := f.store.CreateAccount(ctx, state.AccountRecord{ID: "a1", OrgID: "org-1", WABAID: "waba-1", Status: "ACTIVE"}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	cipher, _ := secrets.NewCipher(make([]byte, 32))
	envelope, _ := cipher.Encrypt("long")
	if err := f.store.UpsertCredential(ctx, state.CredentialRecord{OrgID: "org-1", Envelope: envelope}); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/v1/numbers/register",
		wabaapi.RegisterNumberRequest{WABAID: "waba-1", PhoneNumberID: "pn-1", PIN: "000111"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp wabaapi.RegistrationStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != string(state.RegistrationActive) {
		t.Fatalf("registration status = %s", resp.Status)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/numbers/pn-1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRegisterNumberRequiresOnboardedWABA(t *testing.T) {
	f := newFixture(t, Options{})
	handler := f.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/v1/numbers/register",
		wabaapi.RegisterNumberRequest{WABAID: "waba-9", PhoneNumberID: "pn-1"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAuthScopesEnforced(t *testing.T) {
	f := newFixture(t, Options{APITokens: "reader-token:read,admin-token:admin|read|submit|cancel|metrics"})
	handler := f.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/v1/onboarding",
		wabaapi.SubmitOnboardingRequest{OrgID: "org-1", AuthCode: "c"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/onboarding",
		wabaapi.SubmitOnboardingRequest{OrgID: "org-1", AuthCode: "c"},
		map[string]string{"Authorization": "Bearer reader-token"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("read-only token: status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/onboarding",
		wabaapi.SubmitOnboardingRequest{OrgID: "org-1", AuthCode: "c"},
		map[string]string{"Authorization": "Bearer admin-token"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("admin token: status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSubmitRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimitRPM: 2})
	handler := f.server.Handler()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/v1/onboarding",
			wabaapi.SubmitOnboardingRequest{OrgID: "org-1", AuthCode: "code-" + strings.Repeat("x", i+1)}, nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := doJSON(t, handler, http.MethodPost, "/v1/onboarding",
		wabaapi.SubmitOnboardingRequest{OrgID: "org-1", AuthCode: "code-zzz"}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestWebhookVerificationAndDelivery(t *testing.T) {
	f := newFixture(t, Options{WebhookVerifyToken: "secret"})
	handler := f.server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks/meta?hub.mode=subscribe&hub.verify_token=secret&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Fatalf("verify = %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/webhooks/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad token accepted: %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/webhooks/meta", map[string]string{"object": "whatsapp_business_account"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delivery = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	handler := f.server.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/v1/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/v1/metrics/prometheus", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("prometheus metrics = %d", rec.Code)
	}
}
