package toolgate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client is the toolgate SDK client. It communicates with the toolgate
// runtime policy decision service to check whether a tool call is allowed
// before executing it.
type Client struct {
	serverAddr     string
	apiKey         string
	failMode       string
	timeout        time.Duration
	httpClient     *http.Client
	defaultAgentID string

	// Cache fields.
	cache        sync.Map
	cacheTTL     time.Duration
	cacheMaxSize int
	cacheCount   int64
	cacheMu      sync.Mutex

	logger *slog.Logger
}

// cacheEntry is a cached decision response with expiry.
type cacheEntry struct {
	response  *CheckResponse
	expiresAt time.Time
	createdAt time.Time
}

// NewClient creates a new toolgate SDK client.
// It reads configuration from TOOLGATE_* environment variables by default.
// Options can be used to override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:     os.Getenv("TOOLGATE_SERVER_ADDR"),
		apiKey:         os.Getenv("TOOLGATE_API_KEY"),
		failMode:       envOrDefault("TOOLGATE_FAIL_MODE", "open"),
		timeout:        parseDurationEnv("TOOLGATE_TIMEOUT", 5*time.Second),
		cacheTTL:       parseDurationEnv("TOOLGATE_CACHE_TTL", 5*time.Second),
		cacheMaxSize:   parseIntEnv("TOOLGATE_CACHE_MAX_SIZE", 1000),
		defaultAgentID: os.Getenv("TOOLGATE_DEFAULT_AGENT_ID"),
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// Decide sends a runtime check request to the toolgate server and returns
// the full decision. On deny, it returns a *DecisionDeniedError. On server
// unreachable with fail_mode=open, it returns an allowed response.
func (c *Client) Decide(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	if req.AgentID == "" {
		req.AgentID = c.defaultAgentID
	}

	cacheKey := c.buildCacheKey(req)
	if resp, ok := c.getFromCache(cacheKey); ok {
		return resp, nil
	}

	resp, err := c.doCheck(ctx, req)
	if err != nil {
		if isConnectionError(err) {
			if c.failMode == "closed" {
				return nil, &ServerUnreachableError{Cause: err}
			}
			c.logger.Warn("toolgate server unreachable, failing open",
				"server_addr", c.serverAddr,
				"error", err,
			)
			return &CheckResponse{
				Allowed:         true,
				DecisionReasons: []DecisionReason{{Code: "FAIL_OPEN", Message: "server unreachable, fail-open"}},
			}, nil
		}
		return nil, err
	}

	if resp.Allowed {
		c.putInCache(cacheKey, resp)
		return resp, nil
	}

	return nil, &DecisionDeniedError{
		ErrorCode:       resp.ErrorCode,
		DecisionReasons: resp.DecisionReasons,
		Response:        resp,
	}
}

// Check is a convenience method that decides a request and returns a
// boolean. It returns true if the tool call is allowed, false if denied.
// Unlike Decide, it does not return an error on policy denial.
func (c *Client) Check(ctx context.Context, req CheckRequest) (bool, error) {
	resp, err := c.Decide(ctx, req)
	if err != nil {
		var denied *DecisionDeniedError
		if errors.As(err, &denied) {
			return false, nil
		}
		return false, err
	}
	return resp.Allowed, nil
}

// doCheck sends the HTTP request to the runtime check endpoint.
func (c *Client) doCheck(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	var resp CheckResponse
	err := c.doRequest(ctx, http.MethodPost, "/runtime-check", req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// doRequest performs an HTTP request to the toolgate server.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	url := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var decoded CheckResponse
		if jsonErr := json.Unmarshal(respBody, &decoded); jsonErr == nil && decoded.ErrorCode != "" {
			return &ToolgateError{Code: decoded.ErrorCode, Err: fmt.Errorf("server returned %d", httpResp.StatusCode)}
		}
		return &ToolgateError{
			Code: fmt.Sprintf("HTTP_%d", httpResp.StatusCode),
			Err:  fmt.Errorf("server returned %d: %s", httpResp.StatusCode, string(respBody)),
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// buildCacheKey creates a cache key from the check request. Key is based on
// sessionId, agentId, toolName, and a hash of the payload - the fields a
// policy decision can actually depend on.
func (c *Client) buildCacheKey(req CheckRequest) string {
	h := sha256.New()
	if req.Payload != nil {
		payloadBytes, _ := json.Marshal(req.Payload)
		h.Write(payloadBytes)
	}
	payloadHash := hex.EncodeToString(h.Sum(nil))[:16]
	return fmt.Sprintf("%s:%s:%s:%s", req.SessionID, req.AgentID, req.ToolName, payloadHash)
}

// getFromCache retrieves a cached response if it exists and hasn't expired.
func (c *Client) getFromCache(key string) (*CheckResponse, bool) {
	val, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.cache.Delete(key)
		c.cacheMu.Lock()
		c.cacheCount--
		c.cacheMu.Unlock()
		return nil, false
	}
	return entry.response, true
}

// putInCache stores a response in the cache.
func (c *Client) putInCache(key string, resp *CheckResponse) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	// Best-effort eviction: if over max size, delete some expired entries.
	if c.cacheCount >= int64(c.cacheMaxSize) {
		now := time.Now()
		evicted := 0
		c.cache.Range(func(k, v any) bool {
			entry := v.(*cacheEntry)
			if now.After(entry.expiresAt) {
				c.cache.Delete(k)
				evicted++
			}
			// Stop once 100 expired entries have been evicted.
			return evicted < 100
		})
		c.cacheCount -= int64(evicted)

		// If still over limit, evict oldest entries.
		if c.cacheCount >= int64(c.cacheMaxSize) {
			var oldest time.Time
			var oldestKey any
			c.cache.Range(func(k, v any) bool {
				entry := v.(*cacheEntry)
				if oldest.IsZero() || entry.createdAt.Before(oldest) {
					oldest = entry.createdAt
					oldestKey = k
				}
				return true
			})
			if oldestKey != nil {
				c.cache.Delete(oldestKey)
				c.cacheCount--
			}
		}
	}

	c.cache.Store(key, &cacheEntry{
		response:  resp,
		expiresAt: time.Now().Add(c.cacheTTL),
		createdAt: time.Now(),
	})
	c.cacheCount++
}

// isConnectionError determines if an error is a connection-level error
// (server unreachable, connection refused, timeout, etc.).
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Check for ToolgateError (HTTP errors are not connection errors).
	var tgErr *ToolgateError
	if errors.As(err, &tgErr) {
		return false
	}

	// All other errors from http.Client.Do are connection errors
	// (DNS resolution, connection refused, TLS handshake, timeouts).
	return true
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Try parsing as seconds (integer).
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	// Try parsing as duration string.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseIntEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultVal
}
