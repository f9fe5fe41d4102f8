package toolgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestDecideAllow(t *testing.T) {
	var receivedBody CheckRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runtime-check" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("unexpected api key header: %s", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}

		if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{
			Allowed:             true,
			DecisionReasons:     []DecisionReason{{Code: "DEFAULT_ALLOW", Message: "no matching deny rule"}},
			PolicyVersionUsed:   1,
			ExecutionDurationMs: 2,
		})
	}))
	defer server.Close()

	client := NewClient(
		WithServerAddr(server.URL),
		WithAPIKey("test-key"),
	)

	resp, err := client.Decide(context.Background(), CheckRequest{
		SessionID:  "sess-1",
		AgentID:    "agent-1",
		ToolName:   "read_file",
		ActionType: ActionTypeRead,
		Payload:    map[string]any{"path": "/tmp/test.txt"},
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Allowed {
		t.Errorf("expected allowed, got denied")
	}
	if resp.PolicyVersionUsed != 1 {
		t.Errorf("expected policyVersionUsed=1, got %d", resp.PolicyVersionUsed)
	}

	// Verify request body was sent correctly.
	if receivedBody.SessionID != "sess-1" {
		t.Errorf("expected sessionId=sess-1, got %s", receivedBody.SessionID)
	}
	if receivedBody.ToolName != "read_file" {
		t.Errorf("expected toolName=read_file, got %s", receivedBody.ToolName)
	}
	if receivedBody.ActionType != ActionTypeRead {
		t.Errorf("expected actionType=read, got %s", receivedBody.ActionType)
	}
	if receivedBody.AgentID != "agent-1" {
		t.Errorf("expected agentId=agent-1, got %s", receivedBody.AgentID)
	}
}

func TestDecideDeny(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{
			Allowed:             false,
			ErrorCode:           ErrorCodeToolExplicitDeny,
			DecisionReasons:     []DecisionReason{{Code: "RULE_MATCH", Message: "write operations not permitted", RuleRef: "rule-block-writes"}},
			PolicyVersionUsed:   1,
			ExecutionDurationMs: 1,
		})
	}))
	defer server.Close()

	client := NewClient(
		WithServerAddr(server.URL),
		WithAPIKey("test-key"),
	)

	_, err := client.Decide(context.Background(), CheckRequest{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		ToolName:  "write_file",
	})

	if err == nil {
		t.Fatal("expected error on deny, got nil")
	}

	// Verify errors.Is works with sentinel error.
	if !errors.Is(err, ErrDecisionDenied) {
		t.Errorf("expected errors.Is(err, ErrDecisionDenied) to be true, got false. err type: %T", err)
	}

	// Verify errors.As works with DecisionDeniedError.
	var denied *DecisionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected errors.As(err, *DecisionDeniedError) to be true")
	}
	if denied.ErrorCode != ErrorCodeToolExplicitDeny {
		t.Errorf("expected errorCode=%s, got %s", ErrorCodeToolExplicitDeny, denied.ErrorCode)
	}
	if len(denied.DecisionReasons) != 1 || denied.DecisionReasons[0].RuleRef != "rule-block-writes" {
		t.Errorf("expected decisionReasons with ruleRef=rule-block-writes, got %v", denied.DecisionReasons)
	}
}

func TestCheck(t *testing.T) {
	t.Run("allow", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(CheckResponse{Allowed: true})
		}))
		defer server.Close()

		client := NewClient(WithServerAddr(server.URL), WithAPIKey("key"))
		ok, err := client.Check(context.Background(), CheckRequest{
			SessionID: "sess-1",
			AgentID:   "agent-1",
			ToolName:  "read_file",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected true for allow")
		}
	})

	t.Run("deny", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(CheckResponse{
				Allowed:         false,
				ErrorCode:       ErrorCodeToolExplicitDeny,
				DecisionReasons: []DecisionReason{{Code: "RULE_MATCH", Message: "denied"}},
			})
		}))
		defer server.Close()

		client := NewClient(WithServerAddr(server.URL), WithAPIKey("key"))
		ok, err := client.Check(context.Background(), CheckRequest{
			SessionID: "sess-1",
			AgentID:   "agent-1",
			ToolName:  "write_file",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected false for deny")
		}
	})
}

func TestEnvVarConfiguration(t *testing.T) {
	// Save and restore env vars.
	envVars := []string{
		"TOOLGATE_SERVER_ADDR",
		"TOOLGATE_API_KEY",
		"TOOLGATE_FAIL_MODE",
		"TOOLGATE_TIMEOUT",
		"TOOLGATE_CACHE_TTL",
		"TOOLGATE_CACHE_MAX_SIZE",
		"TOOLGATE_DEFAULT_AGENT_ID",
	}
	saved := make(map[string]string)
	for _, k := range envVars {
		saved[k] = os.Getenv(k)
	}
	defer func() {
		for k, v := range saved {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	os.Setenv("TOOLGATE_SERVER_ADDR", "http://test-server:8080")
	os.Setenv("TOOLGATE_API_KEY", "env-key-123")
	os.Setenv("TOOLGATE_FAIL_MODE", "closed")
	os.Setenv("TOOLGATE_TIMEOUT", "10")
	os.Setenv("TOOLGATE_CACHE_TTL", "30s")
	os.Setenv("TOOLGATE_CACHE_MAX_SIZE", "500")
	os.Setenv("TOOLGATE_DEFAULT_AGENT_ID", "default-agent")

	client := NewClient()

	if client.serverAddr != "http://test-server:8080" {
		t.Errorf("expected server_addr from env, got %s", client.serverAddr)
	}
	if client.apiKey != "env-key-123" {
		t.Errorf("expected api_key from env, got %s", client.apiKey)
	}
	if client.failMode != "closed" {
		t.Errorf("expected fail_mode=closed from env, got %s", client.failMode)
	}
	if client.timeout != 10*time.Second {
		t.Errorf("expected timeout=10s from env, got %v", client.timeout)
	}
	if client.cacheTTL != 30*time.Second {
		t.Errorf("expected cache_ttl=30s from env, got %v", client.cacheTTL)
	}
	if client.cacheMaxSize != 500 {
		t.Errorf("expected cache_max_size=500 from env, got %d", client.cacheMaxSize)
	}
	if client.defaultAgentID != "default-agent" {
		t.Errorf("expected default_agent_id from env, got %s", client.defaultAgentID)
	}
}

func TestCacheHit(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := callCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{
			Allowed:             true,
			ExecutionDurationMs: int64(count),
		})
	}))
	defer server.Close()

	client := NewClient(
		WithServerAddr(server.URL),
		WithAPIKey("key"),
		WithCacheTTL(1*time.Minute),
	)

	req := CheckRequest{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		ToolName:  "read_file",
	}

	// First call should hit server.
	resp1, err := client.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("first call error: %v", err)
	}
	if resp1.ExecutionDurationMs != 1 {
		t.Errorf("expected 1, got %d", resp1.ExecutionDurationMs)
	}

	// Second call should use cache.
	resp2, err := client.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}
	if resp2.ExecutionDurationMs != 1 {
		t.Errorf("expected cached 1, got %d", resp2.ExecutionDurationMs)
	}

	if callCount.Load() != 1 {
		t.Errorf("expected server called once, got %d", callCount.Load())
	}
}

func TestFailOpen(t *testing.T) {
	// Use a listener that immediately closes to simulate unreachable server.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	listener.Close()

	client := NewClient(
		WithServerAddr("http://"+addr),
		WithAPIKey("key"),
		WithFailMode("open"),
		WithTimeout(500*time.Millisecond),
	)

	resp, err := client.Decide(context.Background(), CheckRequest{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		ToolName:  "read_file",
	})

	if err != nil {
		t.Fatalf("fail-open should not return error, got: %v", err)
	}
	if !resp.Allowed {
		t.Errorf("fail-open should return allowed, got denied")
	}
}

func TestFailClosed(t *testing.T) {
	// Use a listener that immediately closes to simulate unreachable server.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	listener.Close()

	client := NewClient(
		WithServerAddr("http://"+addr),
		WithAPIKey("key"),
		WithFailMode("closed"),
		WithTimeout(500*time.Millisecond),
	)

	_, err = client.Decide(context.Background(), CheckRequest{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		ToolName:  "read_file",
	})

	if err == nil {
		t.Fatal("fail-closed should return error")
	}

	if !errors.Is(err, ErrServerUnreachable) {
		t.Errorf("expected ErrServerUnreachable, got: %v (%T)", err, err)
	}

	var srvErr *ServerUnreachableError
	if !errors.As(err, &srvErr) {
		t.Fatalf("expected errors.As(*ServerUnreachableError)")
	}
	if srvErr.Cause == nil {
		t.Error("expected Cause to be set")
	}
}

func TestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slow response.
		time.Sleep(2 * time.Second)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{Allowed: true})
	}))
	defer server.Close()

	client := NewClient(
		WithServerAddr(server.URL),
		WithAPIKey("key"),
		WithTimeout(200*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// With fail-open, timeout is treated as connection error -> allow.
	resp, err := client.Decide(ctx, CheckRequest{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		ToolName:  "read_file",
	})

	if err != nil {
		t.Fatalf("fail-open with timeout should not return error, got: %v", err)
	}
	if !resp.Allowed {
		t.Errorf("expected allowed (fail-open), got denied")
	}
}

func TestRequestBody(t *testing.T) {
	var rawBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&rawBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{Allowed: true})
	}))
	defer server.Close()

	client := NewClient(
		WithServerAddr(server.URL),
		WithAPIKey("key"),
	)

	_, err := client.Decide(context.Background(), CheckRequest{
		SessionID:  "sess-1",
		AgentID:    "agent-1",
		ToolName:   "send_http_request",
		ActionType: ActionTypeSideEffect,
		Payload:    map[string]any{"url": "https://example.com"},
		Metadata:   map[string]any{"origin": "forward-proxy"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify the §6 camelCase JSON keys.
	expectedKeys := map[string]bool{
		"sessionId":  true,
		"agentId":    true,
		"toolName":   true,
		"actionType": true,
		"payload":    true,
		"metadata":   true,
	}

	for key := range rawBody {
		if !expectedKeys[key] {
			t.Errorf("unexpected key in request body: %s", key)
		}
	}

	for key := range expectedKeys {
		if _, ok := rawBody[key]; !ok {
			t.Errorf("missing expected key in request body: %s", key)
		}
	}

	if rawBody["sessionId"] != "sess-1" {
		t.Errorf("sessionId mismatch: %v", rawBody["sessionId"])
	}
	if rawBody["toolName"] != "send_http_request" {
		t.Errorf("toolName mismatch: %v", rawBody["toolName"])
	}
	if rawBody["actionType"] != "side_effect" {
		t.Errorf("actionType mismatch: %v", rawBody["actionType"])
	}
}

func TestDefaultAgentIDFill(t *testing.T) {
	var receivedBody CheckRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{Allowed: true})
	}))
	defer server.Close()

	client := NewClient(
		WithServerAddr(server.URL),
		WithAPIKey("key"),
		WithDefaultAgentID("default-agent"),
	)

	_, err := client.Decide(context.Background(), CheckRequest{
		SessionID: "sess-1",
		ToolName:  "read_file",
		// AgentID not set - should use default.
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedBody.AgentID != "default-agent" {
		t.Errorf("expected default agentId 'default-agent', got '%s'", receivedBody.AgentID)
	}
}

func TestCacheExpiry(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := callCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{
			Allowed:             true,
			ExecutionDurationMs: int64(count),
		})
	}))
	defer server.Close()

	client := NewClient(
		WithServerAddr(server.URL),
		WithAPIKey("key"),
		WithCacheTTL(50*time.Millisecond),
	)

	req := CheckRequest{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		ToolName:  "read_file",
	}

	// First call.
	_, err := client.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("first call error: %v", err)
	}

	// Wait for cache to expire.
	time.Sleep(100 * time.Millisecond)

	// Second call should hit server again.
	resp2, err := client.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}
	if resp2.ExecutionDurationMs != 2 {
		t.Errorf("expected 2 after cache expiry, got %d", resp2.ExecutionDurationMs)
	}

	if callCount.Load() != 2 {
		t.Errorf("expected server called twice, got %d", callCount.Load())
	}
}

func TestDenyNotCached(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{
			Allowed:   false,
			ErrorCode: ErrorCodeToolExplicitDeny,
		})
	}))
	defer server.Close()

	client := NewClient(
		WithServerAddr(server.URL),
		WithAPIKey("key"),
		WithCacheTTL(1*time.Minute),
	)

	req := CheckRequest{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		ToolName:  "write_file",
	}

	// Both calls should hit the server (deny is not cached).
	client.Decide(context.Background(), req)
	client.Decide(context.Background(), req)

	if callCount.Load() != 2 {
		t.Errorf("expected deny not cached (2 calls), got %d", callCount.Load())
	}
}

func TestErrorTypes(t *testing.T) {
	t.Run("DecisionDeniedError", func(t *testing.T) {
		err := &DecisionDeniedError{
			ErrorCode:       ErrorCodeToolExplicitDeny,
			DecisionReasons: []DecisionReason{{Code: "RULE_MATCH", Message: "test reason"}},
		}
		want := fmt.Sprintf("decision denied [%s]: test reason", ErrorCodeToolExplicitDeny)
		if err.Error() != want {
			t.Errorf("unexpected error message: %s, want %s", err.Error(), want)
		}
		if !errors.Is(err, ErrDecisionDenied) {
			t.Error("DecisionDeniedError should match ErrDecisionDenied")
		}
	})

	t.Run("DecisionDeniedError without reasons", func(t *testing.T) {
		err := &DecisionDeniedError{ErrorCode: ErrorCodeInternalError}
		want := fmt.Sprintf("decision denied [%s]", ErrorCodeInternalError)
		if err.Error() != want {
			t.Errorf("unexpected error message: %s, want %s", err.Error(), want)
		}
	})

	t.Run("ServerUnreachableError", func(t *testing.T) {
		cause := fmt.Errorf("connection refused")
		err := &ServerUnreachableError{Cause: cause}
		if err.Error() != "server unreachable: connection refused" {
			t.Errorf("unexpected error message: %s", err.Error())
		}
		if !errors.Is(err, ErrServerUnreachable) {
			t.Error("ServerUnreachableError should match ErrServerUnreachable")
		}
		if errors.Unwrap(err) != cause {
			t.Error("Unwrap should return cause")
		}
	})

	t.Run("ToolgateError", func(t *testing.T) {
		inner := fmt.Errorf("bad request")
		err := &ToolgateError{Code: "HTTP_400", Err: inner}
		if err.Error() != "toolgate [HTTP_400]: bad request" {
			t.Errorf("unexpected error message: %s", err.Error())
		}
		if errors.Unwrap(err) != inner {
			t.Error("Unwrap should return inner error")
		}
	})
}

func TestWithHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{Allowed: true})
	}))
	defer server.Close()

	customClient := &http.Client{
		Timeout: 30 * time.Second,
	}

	client := NewClient(
		WithServerAddr(server.URL),
		WithAPIKey("key"),
		WithHTTPClient(customClient),
	)

	if client.httpClient != customClient {
		t.Error("expected custom http client to be used")
	}

	resp, err := client.Decide(context.Background(), CheckRequest{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		ToolName:  "test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Allowed {
		t.Errorf("expected allowed, got denied")
	}
}
