package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/toolgate/toolgate/internal/adapter/outbound/memory"
	"github.com/toolgate/toolgate/internal/domain/auth"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/ratelimit"
	"github.com/toolgate/toolgate/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// testHarness wires an in-memory-backed DecisionHandler and the raw key the
// caller must present as x-api-key.
type testHarness struct {
	handler   *DecisionHandler
	rawAPIKey string
	authStore *memory.AuthStore
}

func newTestHarness(t *testing.T, spec policy.PolicySpec) *testHarness {
	t.Helper()
	ctx := context.Background()

	policies := memory.NewPolicyStore()
	rec, err := policies.CreateDraft(ctx, "env-1", "p")
	if err != nil {
		t.Fatalf("CreateDraft() error: %v", err)
	}
	if _, err := policies.SaveDraft(ctx, rec.ID, spec); err != nil {
		t.Fatalf("SaveDraft() error: %v", err)
	}
	if _, err := policies.Publish(ctx, rec.ID, "tester", 1); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	sessions := memory.NewSessionStore()
	authStore := memory.NewAuthStore()
	rawKey := "testprefixAAAAAAAAAAAAAAAAAAAAAAAA"
	authStore.Seed(&auth.ApiKey{
		ID:        "key-1",
		EnvID:     "env-1",
		KeyPrefix: rawKey[:8],
		KeyHash:   auth.HashKey(rawKey),
	})
	limiter := memory.NewRateLimiter()
	auditStore := memory.NewAuditStore()

	validator := auth.NewValidator(authStore, 8, 16)
	rl := ratelimit.NewLimiter(limiter, 100)
	decisions := service.NewDecisionService(policies, sessions, validator, rl, auditStore, 500, func() int64 { return 1000 }, discardLogger())

	return &testHarness{
		handler:   NewDecisionHandler(decisions, nil, 1<<20, nil),
		rawAPIKey: rawKey,
		authStore: authStore,
	}
}

func (h *testHarness) do(t *testing.T, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/runtime-check", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		ctx := context.WithValue(req.Context(), apiKeyContextKey, apiKey)
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) decisionResponse {
	t.Helper()
	var resp decisionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v\nbody: %s", err, rec.Body.String())
	}
	return resp
}

func TestDecisionHandler_MissingAPIKey(t *testing.T) {
	h := newTestHarness(t, policy.PolicySpec{Version: "1", DefaultDecision: policy.DefaultAllow})
	rec := h.do(t, "", `{"sessionId":"s1","agentId":"a1","toolName":"search","payload":{}}`)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Allowed {
		t.Fatalf("Allowed = true, want false")
	}
	if resp.ErrorCode != "INVALID_API_KEY" {
		t.Fatalf("ErrorCode = %q, want INVALID_API_KEY", resp.ErrorCode)
	}
}

func TestDecisionHandler_InvalidAPIKey(t *testing.T) {
	h := newTestHarness(t, policy.PolicySpec{Version: "1", DefaultDecision: policy.DefaultAllow})
	rec := h.do(t, "bogus-key-that-is-long-enough-001", `{"sessionId":"s1","agentId":"a1","toolName":"search","payload":{}}`)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.ErrorCode != "INVALID_API_KEY" {
		t.Fatalf("ErrorCode = %q, want INVALID_API_KEY", resp.ErrorCode)
	}
}

func TestDecisionHandler_RevokedAPIKey(t *testing.T) {
	h := newTestHarness(t, policy.PolicySpec{Version: "1", DefaultDecision: policy.DefaultAllow})
	h.authStore.Revoke("key-1", 500)

	rec := h.do(t, h.rawAPIKey, `{"sessionId":"s1","agentId":"a1","toolName":"search","payload":{}}`)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.ErrorCode != "API_KEY_REVOKED" {
		t.Fatalf("ErrorCode = %q, want API_KEY_REVOKED", resp.ErrorCode)
	}
}

func TestDecisionHandler_InvalidJSON(t *testing.T) {
	h := newTestHarness(t, policy.PolicySpec{Version: "1", DefaultDecision: policy.DefaultAllow})
	rec := h.do(t, h.rawAPIKey, `{not valid json}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.ErrorCode != "INVALID_INPUT" {
		t.Fatalf("ErrorCode = %q, want INVALID_INPUT", resp.ErrorCode)
	}
}

func TestDecisionHandler_MissingRequiredFields(t *testing.T) {
	h := newTestHarness(t, policy.PolicySpec{Version: "1", DefaultDecision: policy.DefaultAllow})

	cases := []string{
		`{"agentId":"a1","toolName":"search","payload":{}}`,
		`{"sessionId":"s1","toolName":"search","payload":{}}`,
		`{"sessionId":"s1","agentId":"a1","payload":{}}`,
		`{"sessionId":"s1","agentId":"a1","toolName":"search","actionType":"bogus","payload":{}}`,
	}
	for _, body := range cases {
		rec := h.do(t, h.rawAPIKey, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.ErrorCode != "INVALID_INPUT" {
			t.Errorf("body %q: ErrorCode = %q, want INVALID_INPUT", body, resp.ErrorCode)
		}
	}
}

func TestDecisionHandler_OversizedPayload(t *testing.T) {
	h := newTestHarness(t, policy.PolicySpec{Version: "1", DefaultDecision: policy.DefaultAllow})
	h.handler.maxPayloadBytes = 10

	big := `{"sessionId":"s1","agentId":"a1","toolName":"search","payload":{"x":"` + strings.Repeat("a", 100) + `"}}`
	rec := h.do(t, h.rawAPIKey, big)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.ErrorCode != "PAYLOAD_TOO_LARGE" {
		t.Fatalf("ErrorCode = %q, want PAYLOAD_TOO_LARGE", resp.ErrorCode)
	}
}

func TestDecisionHandler_AllowedDecision(t *testing.T) {
	h := newTestHarness(t, policy.PolicySpec{
		Version:         "1",
		DefaultDecision: policy.DefaultAllow,
		ToolRules:       []policy.ToolRule{{ToolName: "search", Effect: policy.EffectAllow}},
	})

	rec := h.do(t, h.rawAPIKey, `{"sessionId":"s1","agentId":"a1","toolName":"search","payload":{"q":"hi"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if !resp.Allowed {
		t.Fatalf("Allowed = false, want true")
	}
	if resp.PolicyVersionUsed != 1 {
		t.Fatalf("PolicyVersionUsed = %d, want 1", resp.PolicyVersionUsed)
	}
	if resp.PolicyHash == "" {
		t.Fatalf("PolicyHash = empty, want non-empty")
	}
}

func TestDecisionHandler_DeniedDecision(t *testing.T) {
	h := newTestHarness(t, policy.PolicySpec{
		Version:         "1",
		DefaultDecision: policy.DefaultAllow,
		ToolRules:       []policy.ToolRule{{ToolName: "delete_account", Effect: policy.EffectDeny}},
	})

	rec := h.do(t, h.rawAPIKey, `{"sessionId":"s1","agentId":"a1","toolName":"delete_account","payload":{}}`)

	// Denied decisions are still HTTP 200 per §6/§7 -- only the allowed flag differs.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Allowed {
		t.Fatalf("Allowed = true, want false")
	}
	if resp.ErrorCode != "TOOL_EXPLICITLY_DENIED" {
		t.Fatalf("ErrorCode = %q, want TOOL_EXPLICITLY_DENIED", resp.ErrorCode)
	}
	if len(resp.DecisionReasons) == 0 {
		t.Fatalf("DecisionReasons empty, want at least one reason")
	}
}

func TestDecisionHandler_PolicyNotFound(t *testing.T) {
	policies := memory.NewPolicyStore()
	sessions := memory.NewSessionStore()
	authStore := memory.NewAuthStore()
	rawKey := "testprefixAAAAAAAAAAAAAAAAAAAAAAAA"
	authStore.Seed(&auth.ApiKey{ID: "key-1", EnvID: "env-1", KeyPrefix: rawKey[:8], KeyHash: auth.HashKey(rawKey)})
	limiter := memory.NewRateLimiter()
	auditStore := memory.NewAuditStore()
	validator := auth.NewValidator(authStore, 8, 16)
	rl := ratelimit.NewLimiter(limiter, 100)
	decisions := service.NewDecisionService(policies, sessions, validator, rl, auditStore, 500, func() int64 { return 1000 }, discardLogger())
	handler := NewDecisionHandler(decisions, nil, 1<<20, nil)

	req := httptest.NewRequest(http.MethodPost, "/runtime-check", strings.NewReader(`{"sessionId":"s1","agentId":"a1","toolName":"search","payload":{}}`))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(context.WithValue(req.Context(), apiKeyContextKey, rawKey))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.ErrorCode != "POLICY_NOT_FOUND" {
		t.Fatalf("ErrorCode = %q, want POLICY_NOT_FOUND", resp.ErrorCode)
	}
}

func TestDecisionHandler_RateLimited(t *testing.T) {
	ctx := context.Background()
	policies := memory.NewPolicyStore()
	rec, err := policies.CreateDraft(ctx, "env-1", "p")
	if err != nil {
		t.Fatalf("CreateDraft() error: %v", err)
	}
	spec := policy.PolicySpec{Version: "1", DefaultDecision: policy.DefaultAllow, ToolRules: []policy.ToolRule{{ToolName: "search", Effect: policy.EffectAllow}}}
	if _, err := policies.SaveDraft(ctx, rec.ID, spec); err != nil {
		t.Fatalf("SaveDraft() error: %v", err)
	}
	if _, err := policies.Publish(ctx, rec.ID, "tester", 1); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	sessions := memory.NewSessionStore()
	authStore := memory.NewAuthStore()
	rawKey := "testprefixAAAAAAAAAAAAAAAAAAAAAAAA"
	authStore.Seed(&auth.ApiKey{ID: "key-1", EnvID: "env-1", KeyPrefix: rawKey[:8], KeyHash: auth.HashKey(rawKey)})
	limiter := memory.NewRateLimiter()
	auditStore := memory.NewAuditStore()
	validator := auth.NewValidator(authStore, 8, 16)
	rl := ratelimit.NewLimiter(limiter, 1)
	decisions := service.NewDecisionService(policies, sessions, validator, rl, auditStore, 500, func() int64 { return 60_000 }, discardLogger())
	handler := NewDecisionHandler(decisions, nil, 1<<20, nil)

	body := `{"sessionId":"s1","agentId":"a1","toolName":"search","payload":{}}`
	makeReq := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/runtime-check", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req = req.WithContext(context.WithValue(req.Context(), apiKeyContextKey, rawKey))
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		return recorder
	}

	first := makeReq()
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	second := makeReq()
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q, want 60", second.Header().Get("Retry-After"))
	}
	resp := decodeResponse(t, second)
	if resp.ErrorCode != "RATE_LIMITED" {
		t.Fatalf("ErrorCode = %q, want RATE_LIMITED", resp.ErrorCode)
	}
}

func TestWriteSuccessAndFailure_ContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	writeFailure(rec, http.StatusBadRequest, "INVALID_INPUT", 5)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var buf bytes.Buffer
	buf.Write(rec.Body.Bytes())
	var resp decisionResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Allowed {
		t.Errorf("Allowed = true, want false")
	}
	if resp.ExecutionDurationMs != 5 {
		t.Errorf("ExecutionDurationMs = %d, want 5", resp.ExecutionDurationMs)
	}
}
