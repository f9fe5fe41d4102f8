// Package http provides the HTTP transport adapter for the runtime policy
// decision service.
//
// # Usage
//
// Create and start the HTTP transport:
//
//	transport := http.NewHTTPTransport(decisionService, maxPayloadBytes,
//	    http.WithAddr(":8080"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithLogger(logger),
//	    http.WithHealthChecker(healthChecker),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /runtime-check    - submit a tool-call decision request (§4.7 C7)
//	OPTIONS /runtime-check - CORS preflight
//	GET /healthz           - liveness/readiness check
//	GET /metrics           - Prometheus metrics
//
// # Request Headers
//
//	x-api-key: <api-key>             - required, API key for authentication
//	Content-Type: application/json   - required for POST /runtime-check
//
// # Middleware Chain
//
// Requests to /runtime-check pass through middleware in this order
// (outermost first):
//
//  1. MetricsMiddleware - records request duration and status
//  2. RequestIDMiddleware - extracts/generates a request ID, enriches the logger
//  3. RealIPMiddleware - extracts client IP from proxy headers
//  4. CORSMiddleware - answers preflight, annotates responses
//  5. APIKeyMiddleware - extracts the x-api-key header into context
//  6. DeadlineMiddleware - bounds the request context (§5), if configured
//  7. DecisionHandler - runs the full C7 orchestration
//
// /healthz and /metrics carry no auth: they expose no policy-domain data.
package http
