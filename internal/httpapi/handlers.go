package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"call-signaling/internal/audit"
	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/rbac"
	"call-signaling/internal/reporting"
	"call-signaling/internal/routing"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Calls     *calls.Service
	Directory routing.Directory
	Audit     *audit.Service
	Reports   *reporting.Service
}

func identity(c *gin.Context) (auth.Identity, bool) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "unauthorized"})
		return auth.Identity{}, false
	}
	return id, true
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"userId"`
	OrgID  string `json:"orgId"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair without checking credentials. Only mounted
// outside production.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured", "code": "internal"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.UserID == "" || req.OrgID == "" || !rbac.IsKnown(req.Role) {
		badRequest(c, "userId, orgId and a known role required")
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), auth.Identity{UserID: req.UserID, OrgID: req.OrgID, Role: req.Role})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh rotates a token pair.
func (h Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badRequest(c, "refreshToken required")
		return
	}
	pair, err := h.Auth.Refresh(time.Now(), req.RefreshToken)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// --- Calls ---

type callResponse struct {
	CallID       string              `json:"callId"`
	Status       calls.Status        `json:"status"`
	Call         calls.Call          `json:"call"`
	Participants []calls.Participant `json:"participants,omitempty"`
}

func respondCall(c *gin.Context, code int, call calls.Call, ps []calls.Participant) {
	c.JSON(code, callResponse{CallID: call.ID, Status: call.Status, Call: call, Participants: ps})
}

func (h Handlers) CreateCall(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req calls.InitiateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json")
			return
		}
	}
	call, err := h.Calls.Initiate(c.Request.Context(), id, req)
	if errors.Is(err, calls.ErrUnavailable) && call.ID != "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":  call.Reason,
			"code":   "unavailable",
			"callId": call.ID,
			"status": call.Status,
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	respondCall(c, http.StatusCreated, call, nil)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	call, err := h.Calls.Accept(c.Request.Context(), id, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respondCall(c, http.StatusOK, call, nil)
}

type declineRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) DeclineCall(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req declineRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json")
			return
		}
	}
	call, err := h.Calls.Decline(c.Request.Context(), id, c.Param("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		writeError(c, err)
		return
	}
	respondCall(c, http.StatusOK, call, nil)
}

func (h Handlers) CancelCall(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	call, err := h.Calls.Cancel(c.Request.Context(), id, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respondCall(c, http.StatusOK, call, nil)
}

func (h Handlers) EndCall(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	call, err := h.Calls.End(c.Request.Context(), id, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respondCall(c, http.StatusOK, call, nil)
}

func (h Handlers) GetCall(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	call, ps, err := h.Calls.Get(c.Request.Context(), id, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respondCall(c, http.StatusOK, call, ps)
}

func (h Handlers) RecordStats(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var sample calls.StatsSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if err := h.Calls.RecordStats(c.Request.Context(), id, c.Param("id"), sample); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CallHistory returns the audit trail of one call to an admin of its org.
func (h Handlers) CallHistory(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "audit not configured", "code": "not_implemented"})
		return
	}
	if _, _, err := h.Calls.Get(c.Request.Context(), id, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	evs, err := h.Audit.CallHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// --- Availability ---

// ListAvailable lists available responders of the caller's org. Admins may
// name another org with orgId.
func (h Handlers) ListAvailable(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	orgID := strings.TrimSpace(c.Query("orgId"))
	if orgID == "" {
		orgID = id.OrgID
	}
	if orgID != id.OrgID && !rbac.IsAdmin(id.Role) {
		writeError(c, calls.ErrForbidden)
		return
	}
	var skills []string
	for _, s := range strings.Split(c.Query("skills"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			skills = append(skills, s)
		}
	}
	out, err := h.Directory.FindAvailable(c.Request.Context(), orgID, skills)
	if err != nil {
		writeError(c, err)
		return
	}
	if out == nil {
		out = []routing.Availability{}
	}
	c.JSON(http.StatusOK, gin.H{"responders": out})
}

type availabilityRequest struct {
	Status routing.Status `json:"status"`
	Skills []string       `json:"skills"`
}

// SetAvailability sets the calling responder's own record.
func (h Handlers) SetAvailability(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	if !rbac.IsResponder(id.Role) {
		writeError(c, calls.ErrForbidden)
		return
	}
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	a := routing.Availability{
		UserID:    id.UserID,
		OrgID:     id.OrgID,
		Status:    req.Status,
		Skills:    req.Skills,
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.Directory.SetAvailability(c.Request.Context(), a); err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogAvailability(c.Request.Context(), id.OrgID, id.UserID, id.Role, string(a.Status)); err != nil {
			logger.FromGin(c).Warn("audit append failed", "err", err)
		}
	}
	c.JSON(http.StatusOK, a)
}

// --- Reports ---

// CallsReport summarizes calls of the caller's org created in [from, to).
// Both bounds are RFC 3339; the default window is the last 24 hours.
func (h Handlers) CallsReport(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(c, "from must be RFC 3339")
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(c, "to must be RFC 3339")
			return
		}
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		OrgID: id.OrgID,
		Range: reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
