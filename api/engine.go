// Package api provides HTTP handlers and routing for the action execution
// engine. It includes contract execution, health, audit verification, and
// replay endpoints, all scoped under a per-tenant path and protected by JWT
// authentication.
package api

import (
	"net/http"
	"time"

	"github.com/evalgo/actiondrive/cluster"
	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/guard"
	"github.com/evalgo/actiondrive/quota"
	"github.com/evalgo/actiondrive/security"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// EngineHandlers contains the service dependencies required for action
// execution API operations: the sharded cluster scheduler itself, the JWT
// service issuing and validating bearer tokens, and the per-tenant security
// policies (allowed navigation domains, high-risk action list) an operator
// configures out of band.
type EngineHandlers struct {
	Cluster   *cluster.Cluster
	JWT       *security.JWTService
	JWTSecret string // raw HMAC signing key, duplicated here because JWTService keeps it unexported
	Policies  map[string]guard.SecurityPolicy
}

// PolicyFor returns the configured SecurityPolicy for tenantID, falling back
// to an empty policy (no allowed domains) when the tenant is unconfigured.
func (h *EngineHandlers) PolicyFor(tenantID string) guard.SecurityPolicy {
	if p, ok := h.Policies[tenantID]; ok {
		return p
	}
	return guard.SecurityPolicy{}
}

// SetupEngineRoutes registers the action execution surface under
// /v1/tenants/:tenant/workflows/:workflow, protected by JWT authentication,
// plus an unauthenticated liveness endpoint at /healthz and a token issuance
// endpoint at /auth/token.
func SetupEngineRoutes(e *echo.Echo, h *EngineHandlers) {
	e.GET("/healthz", h.GetHealth)
	e.POST("/auth/token", h.IssueToken)

	tenants := e.Group("/v1/tenants/:tenant")
	tenants.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(h.JWTSecret),
		TokenLookup: "header:Authorization:Bearer ",
	}))
	tenants.Use(security.RequireTenantMatch())

	workflows := tenants.Group("/workflows/:workflow")
	workflows.POST("/actions", h.ExecuteAction)
	workflows.GET("/audit/verify", h.VerifyAuditChain)
	workflows.GET("/replay", h.GetReplayTrace)
	workflows.DELETE("/session", h.CloseWorkflowSession)

	tenants.PUT("/quota", h.SetTenantQuota)
}

// tokenRequest is the request payload for IssueToken.
type tokenRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
}

// IssueToken generates a bearer token scoped to a tenant ID for use against
// the rest of the API.
//
// Endpoint: POST /auth/token
//
// Request body:
//
//	{"tenant_id": "string"}
//
// Response:
//
//	Success (200): {"token": "jwt_token_string"}
//	Bad Request (400): {"error": "error_message"}
//	Internal Error (500): {"error": "error_message"}
func (h *EngineHandlers) IssueToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if req.TenantID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "tenant_id is required"})
	}

	token, err := h.JWT.GenerateToken(req.TenantID, 24*time.Hour)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to generate token"})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// ExecuteAction handles submission of a single action contract for
// execution against a tenant's workflow session.
//
// Endpoint: POST /v1/tenants/:tenant/workflows/:workflow/actions
// Authentication: Required (JWT Bearer token)
//
// Request body: an contract.ActionContract JSON document. workflow_id is
// overwritten with the :workflow path parameter.
//
// Response:
//
//	Success (200): contract.ActionExecutionResult JSON
//	Bad Request (400): {"error": "error_message"}
//	Internal Error (500): {"error": "error_message"}
func (h *EngineHandlers) ExecuteAction(c echo.Context) error {
	tenantID := c.Param("tenant")
	workflowID := c.Param("workflow")

	var ac contract.ActionContract
	if err := c.Bind(&ac); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid action contract"})
	}
	ac.WorkflowID = workflowID

	result, err := h.Cluster.ExecuteContract(c.Request().Context(), tenantID, workflowID, h.PolicyFor(tenantID), ac)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

// VerifyAuditChain verifies the hash chain integrity of a workflow's audit
// trail.
//
// Endpoint: GET /v1/tenants/:tenant/workflows/:workflow/audit/verify
// Authentication: Required (JWT Bearer token)
//
// Response:
//
//	Success (200): {"valid": bool, "detail": "string"}
//	Internal Error (500): {"error": "error_message"}
func (h *EngineHandlers) VerifyAuditChain(c echo.Context) error {
	tenantID := c.Param("tenant")
	workflowID := c.Param("workflow")

	valid, detail, err := h.Cluster.VerifyAuditChain(tenantID, workflowID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"valid": valid, "detail": detail})
}

// GetReplayTrace returns the full ordered audit record trace for a workflow.
//
// Endpoint: GET /v1/tenants/:tenant/workflows/:workflow/replay
// Authentication: Required (JWT Bearer token)
//
// Response:
//
//	Success (200): {"records": [audit.Record, ...], "count": number}
//	Internal Error (500): {"error": "error_message"}
func (h *EngineHandlers) GetReplayTrace(c echo.Context) error {
	tenantID := c.Param("tenant")
	workflowID := c.Param("workflow")

	records, err := h.Cluster.GetReplayTrace(tenantID, workflowID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// CloseWorkflowSession releases the browser session and shard affinity held
// for a workflow.
//
// Endpoint: DELETE /v1/tenants/:tenant/workflows/:workflow/session
// Authentication: Required (JWT Bearer token)
//
// Response:
//
//	Success (204): empty body
func (h *EngineHandlers) CloseWorkflowSession(c echo.Context) error {
	workflowID := c.Param("workflow")
	h.Cluster.CloseWorkflowSession(c.Request().Context(), workflowID)
	return c.NoContent(http.StatusNoContent)
}

// tenantQuotaRequest is the request body for SetTenantQuota. Callers should
// send the full desired quota rather than relying on partial-update
// semantics: zero-valued fields are passed through as-is.
type tenantQuotaRequest struct {
	MaxConcurrentSessions   int   `json:"max_concurrent_sessions"`
	MaxActionsPerMinute     int   `json:"max_actions_per_minute"`
	MaxArtifactBytes        int64 `json:"max_artifact_bytes"`
	MaxStepTokens           int   `json:"max_step_tokens"`
	MaxStateDeltaTokens     int   `json:"max_state_delta_tokens"`
	MaxNetworkSummaryTokens int   `json:"max_network_summary_tokens"`
	MaxMetadataTokens       int   `json:"max_metadata_tokens"`
}

// SetTenantQuota pushes a new quota configuration for a tenant to every
// shard in the cluster.
//
// Endpoint: PUT /v1/tenants/:tenant/quota
// Authentication: Required (JWT Bearer token)
//
// Request body: tenantQuotaRequest JSON
//
// Response:
//
//	Success (200): {"status": "quota updated"}
//	Bad Request (400): {"error": "error_message"}
//	Internal Error (500): {"error": "error_message"}
func (h *EngineHandlers) SetTenantQuota(c echo.Context) error {
	tenantID := c.Param("tenant")

	var req tenantQuotaRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid quota payload"})
	}

	q := quota.TenantQuota{
		MaxConcurrentSessions:   req.MaxConcurrentSessions,
		MaxActionsPerMinute:     req.MaxActionsPerMinute,
		MaxArtifactBytes:        req.MaxArtifactBytes,
		MaxStepTokens:           req.MaxStepTokens,
		MaxStateDeltaTokens:     req.MaxStateDeltaTokens,
		MaxNetworkSummaryTokens: req.MaxNetworkSummaryTokens,
		MaxMetadataTokens:       req.MaxMetadataTokens,
	}
	if err := h.Cluster.SetTenantQuota(tenantID, q); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "quota updated"})
}

// GetHealth reports cluster-wide admission control and circuit breaker
// health. Unauthenticated: intended for load balancer liveness probes.
//
// Endpoint: GET /healthz
//
// Response:
//
//	Success (200): cluster.ClusterHealth JSON
func (h *EngineHandlers) GetHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Cluster.GetHealth())
}
