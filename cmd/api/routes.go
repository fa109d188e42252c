package main

import (
	"net/http"

	"call-signaling/internal/httpapi"
	"call-signaling/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerPublicRoutes wires unauthenticated endpoints. The token-issuing
// login only exists outside production.
func registerPublicRoutes(r *gin.Engine, h httpapi.Handlers, devLogin bool) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/v1/auth/refresh", h.Refresh)

	if devLogin {
		r.POST("/v1/auth/login", h.Login)
	}
}

// registerProtectedRoutes wires routes that need an access token.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerProtectedRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers, ws gin.HandlerFunc, createLimit gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireOrg())

	v1.GET("/ws", ws)

	callsGroup := v1.Group("/calls")
	{
		callsGroup.POST("", rbac.RequireAnyRole(rbac.RoleClient), createLimit, h.CreateCall)
		callsGroup.GET("/:id", h.GetCall)
		callsGroup.POST("/:id/accept", rbac.RequireAnyRole(rbac.RoleStaff), h.AcceptCall)
		callsGroup.POST("/:id/decline", rbac.RequireAnyRole(rbac.RoleStaff), h.DeclineCall)
		callsGroup.POST("/:id/cancel", rbac.RequireAnyRole(rbac.RoleClient), h.CancelCall)
		callsGroup.POST("/:id/end", h.EndCall)
		callsGroup.POST("/:id/stats", h.RecordStats)
		// Admin only: RequireAnyRole with no roles lets admin through.
		callsGroup.GET("/:id/audit", rbac.RequireAnyRole(), h.CallHistory)
	}

	responders := v1.Group("/responders")
	{
		responders.GET("/availability", h.ListAvailable)
		responders.POST("/availability", rbac.RequireAnyRole(rbac.RoleStaff), h.SetAvailability)
		responders.PUT("/availability", rbac.RequireAnyRole(rbac.RoleStaff), h.SetAvailability)
	}

	reports := v1.Group("/reports")
	reports.Use(rbac.RequireAnyRole())
	{
		reports.GET("/calls", h.CallsReport)
	}
}
