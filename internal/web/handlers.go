package web

import (
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dayflowhq/dayflow-sync/internal/config"
	"github.com/dayflowhq/dayflow-sync/internal/db"
	"github.com/dayflowhq/dayflow-sync/internal/integration"
	"github.com/dayflowhq/dayflow-sync/internal/oauth"
	"github.com/dayflowhq/dayflow-sync/internal/sync"
	"github.com/dayflowhq/dayflow-sync/internal/webhook"
)

const maxWebhookBody = 1 << 20 // 1MB

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	db        *db.DB
	oauth     *oauth.Manager
	engine    *sync.Engine
	scheduler *sync.Scheduler
	webhooks  *webhook.Manager
	registry  *integration.Registry
	syncCfg   config.SyncConfig
}

// NewHandlers creates the handler set.
func NewHandlers(database *db.DB, oauthManager *oauth.Manager, engine *sync.Engine, scheduler *sync.Scheduler, webhooks *webhook.Manager, registry *integration.Registry, syncCfg config.SyncConfig) *Handlers {
	return &Handlers{
		db:        database,
		oauth:     oauthManager,
		engine:    engine,
		scheduler: scheduler,
		webhooks:  webhooks,
		registry:  registry,
		syncCfg:   syncCfg,
	}
}

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		// Log the full error for debugging (server-side only)
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error, userMessage string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case integration.IsKind(err, integration.KindValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case integration.IsKind(err, integration.KindAuthentication):
		c.JSON(http.StatusUnauthorized, gin.H{"error": sanitizeError(err, "authentication failed")})
	case integration.IsKind(err, integration.KindUnsupported):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, userMessage)})
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// ListServices returns the catalog of connectable services.
func (h *Handlers) ListServices(c *gin.Context) {
	services := make([]gin.H, 0)
	for _, name := range h.registry.Services() {
		cfg, err := h.registry.Config(name)
		if err != nil {
			continue
		}
		services = append(services, gin.H{
			"name":             cfg.Name,
			"display_name":     cfg.DisplayName,
			"capabilities":     cfg.Capabilities,
			"supports_webhook": cfg.SupportsWebhook,
			"uses_basic_auth":  cfg.UsesBasicAuth,
		})
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

// connectRequest carries basic-auth credentials for CalDAV-style services.
// OAuth services take no body.
type connectRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Endpoint string `json:"endpoint"`
}

// Connect begins connecting a service. OAuth services get an
// authorization URL to redirect the user to; basic-auth services connect
// immediately with the supplied credentials.
func (h *Handlers) Connect(c *gin.Context) {
	service := c.Param("service")
	userID := currentUser(c)

	cfg, err := h.registry.Config(service)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service"})
		return
	}

	if cfg.UsesBasicAuth {
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		ui, err := h.oauth.ConnectBasicAuth(userID, service, req.Username, req.Password, req.Endpoint)
		if err != nil {
			respondError(c, err, "failed to connect")
			return
		}
		c.JSON(http.StatusCreated, ui)
		return
	}

	authURL, err := h.oauth.AuthorizationURL(service, userID)
	if err != nil {
		respondError(c, err, "failed to start authorization")
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization_url": authURL})
}

// OAuthCallback completes an OAuth authorization.
func (h *Handlers) OAuthCallback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing state or code"})
		return
	}

	ui, err := h.oauth.HandleCallback(c.Request.Context(), state, code)
	if err != nil {
		respondError(c, err, "authorization failed")
		return
	}

	// New integrations join the schedule immediately.
	if ui.Enabled && ui.SyncDirection != db.SyncDirectionManual {
		h.scheduler.AddJob(ui.ID, time.Duration(ui.SyncInterval)*time.Second)
	}

	c.JSON(http.StatusOK, ui)
}

// ListIntegrations returns the caller's integrations.
func (h *Handlers) ListIntegrations(c *gin.Context) {
	integrations, err := h.db.GetUserIntegrations(currentUser(c))
	if err != nil {
		respondError(c, err, "failed to list integrations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrations": integrations})
}

// GetIntegration returns one integration.
func (h *Handlers) GetIntegration(c *gin.Context) {
	ui, ok := h.ownedIntegration(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ui)
}

// updateIntegrationRequest carries the mutable integration settings.
type updateIntegrationRequest struct {
	SyncDirection      *string `json:"sync_direction"`
	ConflictResolution *string `json:"conflict_resolution"`
	SyncInterval       *int    `json:"sync_interval"`
	Enabled            *bool   `json:"enabled"`
}

// UpdateIntegration changes an integration's sync settings.
func (h *Handlers) UpdateIntegration(c *gin.Context) {
	ui, ok := h.ownedIntegration(c)
	if !ok {
		return
	}

	var req updateIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if req.SyncDirection != nil {
		direction := db.SyncDirection(*req.SyncDirection)
		if !direction.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sync_direction"})
			return
		}
		ui.SyncDirection = direction
	}
	if req.ConflictResolution != nil {
		resolution := db.ConflictResolution(*req.ConflictResolution)
		if !resolution.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conflict_resolution"})
			return
		}
		ui.ConflictResolution = resolution
	}
	if req.SyncInterval != nil {
		interval := *req.SyncInterval
		if interval < h.syncCfg.MinInterval || interval > h.syncCfg.MaxInterval {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sync_interval out of range"})
			return
		}
		ui.SyncInterval = interval
	}
	if req.Enabled != nil {
		ui.Enabled = *req.Enabled
	}

	if err := h.db.UpdateUserIntegration(ui); err != nil {
		respondError(c, err, "failed to update integration")
		return
	}

	// Reconcile the schedule with the new settings. An interval-only
	// change adjusts the existing job in place; enabling or changing the
	// direction (re)schedules it.
	switch {
	case !ui.Enabled || ui.SyncDirection == db.SyncDirectionManual:
		h.scheduler.RemoveJob(ui.ID)
	case req.Enabled == nil && req.SyncDirection == nil:
		h.scheduler.UpdateJobInterval(ui.ID, time.Duration(ui.SyncInterval)*time.Second)
	default:
		h.scheduler.AddJob(ui.ID, time.Duration(ui.SyncInterval)*time.Second)
	}

	c.JSON(http.StatusOK, ui)
}

// Disconnect removes an integration, its tokens, and its schedule.
func (h *Handlers) Disconnect(c *gin.Context) {
	ui, ok := h.ownedIntegration(c)
	if !ok {
		return
	}

	h.scheduler.RemoveJob(ui.ID)
	if err := h.oauth.Disconnect(ui); err != nil {
		respondError(c, err, "failed to disconnect")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// triggerSyncRequest selects the sync scope.
type triggerSyncRequest struct {
	Kind string `json:"kind"`
}

// TriggerSync starts a sync job and returns it immediately.
func (h *Handlers) TriggerSync(c *gin.Context) {
	ui, ok := h.ownedIntegration(c)
	if !ok {
		return
	}

	kind := db.JobIncrementalSync
	var req triggerSyncRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.Kind != "" {
		kind = db.JobKind(req.Kind)
	}

	job, err := h.engine.StartJob(ui.ID, kind)
	if err != nil {
		respondError(c, err, "failed to start sync")
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// GetJob returns a sync job's current state.
func (h *Handlers) GetJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs returns an integration's recent jobs.
func (h *Handlers) ListJobs(c *gin.Context) {
	ui, ok := h.ownedIntegration(c)
	if !ok {
		return
	}

	jobs, err := h.db.GetSyncJobs(ui.ID, 50)
	if err != nil {
		respondError(c, err, "failed to list jobs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// CancelJob requests cancellation of a running job.
func (h *Handlers) CancelJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	if err := h.engine.Cancel(job.ID); err != nil {
		respondError(c, err, "failed to cancel job")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// ListConflicts returns an integration's pending conflicts.
func (h *Handlers) ListConflicts(c *gin.Context) {
	ui, ok := h.ownedIntegration(c)
	if !ok {
		return
	}

	conflicts, err := h.db.GetPendingConflicts(ui.ID)
	if err != nil {
		respondError(c, err, "failed to list conflicts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

// resolveConflictRequest selects the winning side.
type resolveConflictRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveConflict applies a resolution choice to a pending conflict.
func (h *Handlers) ResolveConflict(c *gin.Context) {
	conflict, err := h.db.GetSyncConflict(c.Param("id"))
	if err != nil {
		respondError(c, err, "failed to load conflict")
		return
	}
	ui, err := h.db.GetUserIntegrationByID(conflict.UserIntegrationID)
	if err != nil || ui.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.engine.ResolveConflict(c.Request.Context(), conflict.ID, db.ConflictResolution(req.Resolution)); err != nil {
		respondError(c, err, "failed to resolve conflict")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

// registerWebhookRequest carries an outbound webhook registration.
type registerWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// RegisterWebhook creates an outbound webhook registration. The signing
// secret is returned exactly once.
func (h *Handlers) RegisterWebhook(c *gin.Context) {
	ui, ok := h.ownedIntegration(c)
	if !ok {
		return
	}

	var req registerWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	reg, secret, err := h.webhooks.Register(c.Request.Context(), ui, req.URL, req.Events)
	if err != nil {
		respondError(c, err, "failed to register webhook")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"registration": reg, "secret": secret})
}

// ListWebhooks returns an integration's webhook registrations.
func (h *Handlers) ListWebhooks(c *gin.Context) {
	ui, ok := h.ownedIntegration(c)
	if !ok {
		return
	}

	regs, err := h.db.GetRegistrationsForIntegration(ui.ID)
	if err != nil {
		respondError(c, err, "failed to list webhooks")
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": regs})
}

// UnregisterWebhook removes a webhook registration.
func (h *Handlers) UnregisterWebhook(c *gin.Context) {
	reg, ok := h.ownedRegistration(c)
	if !ok {
		return
	}

	if err := h.webhooks.Unregister(c.Request.Context(), reg.ID); err != nil {
		respondError(c, err, "failed to unregister webhook")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
}

// ReactivateWebhook turns a deactivated registration back on.
func (h *Handlers) ReactivateWebhook(c *gin.Context) {
	reg, ok := h.ownedRegistration(c)
	if !ok {
		return
	}

	if err := h.webhooks.Reactivate(reg.ID); err != nil {
		respondError(c, err, "failed to reactivate webhook")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

// InboundWebhook receives vendor callbacks. Vendors do not authenticate
// as users, so this endpoint sits outside the identity middleware; the
// adapter's parser rejects payloads it does not recognize.
func (h *Handlers) InboundWebhook(c *gin.Context) {
	service := c.Param("service")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	dispatched, err := h.webhooks.HandleInbound(c.Request.Context(), service, body, c.Request.Header)
	if err != nil {
		if integration.IsKind(err, integration.KindValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized payload"})
			return
		}
		respondError(c, err, "failed to process webhook")
		return
	}

	// Vendors only need acknowledgment; dispatch details stay internal.
	c.JSON(http.StatusOK, gin.H{"received": true, "dispatched": dispatched})
}

// ownedIntegration loads the :id integration and enforces ownership.
func (h *Handlers) ownedIntegration(c *gin.Context) (*db.UserIntegration, bool) {
	ui, err := h.db.GetUserIntegrationByID(c.Param("id"))
	if err != nil || ui.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return ui, true
}

// ownedJob loads the :id job and enforces ownership through its
// integration.
func (h *Handlers) ownedJob(c *gin.Context) (*db.SyncJob, bool) {
	job, err := h.db.GetSyncJob(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	ui, err := h.db.GetUserIntegrationByID(job.UserIntegrationID)
	if err != nil || ui.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return job, true
}

// ownedRegistration loads the :id webhook registration and enforces
// ownership through its integration.
func (h *Handlers) ownedRegistration(c *gin.Context) (*db.WebhookRegistration, bool) {
	reg, err := h.db.GetWebhookRegistration(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	ui, err := h.db.GetUserIntegrationByID(reg.UserIntegrationID)
	if err != nil || ui.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return reg, true
}
