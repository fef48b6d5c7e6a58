package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jscharber/coursemirror/pkg/core"
	"github.com/jscharber/coursemirror/pkg/explorer"
	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/sync"
)

const (
	bindingCookie   = "coursemirror_oauth"
	bindingLifetime = 10 * time.Minute
	defaultLogLimit = 50
)

// EntityWriter is the content store surface used by entity events
type EntityWriter interface {
	UpsertEntity(ctx context.Context, entity core.Entity) (core.Entity, error)
	DeleteEntity(ctx context.Context, id string) error
}

// ControllerConfig contains the browser-facing settings of the controller
type ControllerConfig struct {
	// ReturnURL is the admin page OAuth flows return to, with ?notice= appended
	ReturnURL string
	// CookiePath scopes the OAuth binding cookie
	CookiePath   string
	SecureCookie bool
}

// SyncController handles the sync administration endpoints
type SyncController struct {
	manager  *sync.Manager
	explorer *explorer.Service
	entities EntityWriter
	config   ControllerConfig
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewSyncController creates a new sync controller
func NewSyncController(manager *sync.Manager, explorer *explorer.Service, entities EntityWriter, config ControllerConfig, logger *zap.Logger) *SyncController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CookiePath == "" {
		config.CookiePath = "/"
	}
	return &SyncController{
		manager:  manager,
		explorer: explorer,
		entities: entities,
		config:   config,
		logger:   logger,
		tracer:   otel.Tracer("sync-controller"),
	}
}

// RegisterRoutes registers sync routes with the gin router
func (sc *SyncController) RegisterRoutes(router *gin.RouterGroup) {
	providers := router.Group("/providers")
	{
		providers.GET("", sc.ListProviders)
		providers.GET("/:provider/connect", sc.Connect)
		providers.GET("/:provider/callback", sc.Callback)
		providers.POST("/:provider/revoke", sc.Revoke)
		providers.PUT("/:provider/credentials", sc.SaveCredentials)
		providers.DELETE("/:provider/credentials", sc.ClearCredentials)
		providers.GET("/:provider/items", sc.ListItems)
	}

	syncRoutes := router.Group("/sync")
	{
		syncRoutes.POST("/manual", sc.ManualSync)
		syncRoutes.POST("/force", sc.ForceSync)
		syncRoutes.POST("/rebuild", sc.RebuildStructure)
		syncRoutes.POST("/cleanup", sc.CleanupOrphanedMappings)
		syncRoutes.POST("/pull/:provider", sc.PullProvider)
	}

	router.GET("/settings/general", sc.GetGeneralSettings)
	router.PUT("/settings/general", sc.UpdateGeneralSettings)

	router.GET("/logs", sc.GetLogs)
	router.DELETE("/logs", sc.ClearLogs)

	events := router.Group("/events")
	{
		events.POST("/entities", sc.EntitySaved)
		events.DELETE("/entities/:id", sc.EntityDeleted)
	}
}

// ListProviders returns the state of every registered provider
// @Summary List providers
// @Tags providers
// @Produce json
// @Success 200 {object} ProvidersResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/providers [get]
func (sc *SyncController) ListProviders(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.list_providers")
	defer span.End()

	statuses, err := sc.manager.Status(ctx)
	if err != nil {
		span.RecordError(err)
		sc.logger.Error("failed to load provider status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "STATUS_FAILED",
			Details: "Failed to load provider status",
		})
		return
	}

	c.JSON(http.StatusOK, ProvidersResponse{
		Providers: statuses,
		Scheduler: sc.manager.SchedulerStatus(),
	})
}

// Connect starts an OAuth flow and redirects the browser to the provider
// @Summary Connect a provider
// @Tags providers
// @Param provider path string true "Provider slug"
// @Success 302
// @Router /api/v1/providers/{provider}/connect [get]
func (sc *SyncController) Connect(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.connect")
	defer span.End()

	provider := c.Param("provider")
	span.SetAttributes(attribute.String("provider", provider))

	binding := uuid.NewString()
	authURL, notice, err := sc.manager.Connect(ctx, provider, binding)
	if err != nil {
		span.RecordError(err)
		sc.logger.Warn("connect failed", zap.String("provider", provider), zap.Error(err))
		sc.redirectWithNotice(c, notice)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(bindingCookie, binding, int(bindingLifetime.Seconds()), sc.config.CookiePath, "", sc.config.SecureCookie, true)
	c.Redirect(http.StatusFound, authURL)
}

// Callback completes an OAuth flow and returns the browser to the admin page
// @Summary OAuth callback
// @Tags providers
// @Param provider path string true "Provider slug"
// @Param code query string false "Authorization code"
// @Param state query string true "OAuth state"
// @Success 302
// @Router /api/v1/providers/{provider}/callback [get]
func (sc *SyncController) Callback(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.callback")
	defer span.End()

	provider := c.Param("provider")
	span.SetAttributes(attribute.String("provider", provider))

	binding, _ := c.Cookie(bindingCookie)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(bindingCookie, "", -1, sc.config.CookiePath, "", sc.config.SecureCookie, true)

	if denied := c.Query("error"); denied != "" {
		sc.logger.Warn("oauth authorization denied",
			zap.String("provider", provider),
			zap.String("error", denied),
			zap.String("description", c.Query("error_description")),
		)
		sc.redirectWithNotice(c, sync.NoticeOAuthError)
		return
	}

	notice, err := sc.manager.HandleOAuthCallback(ctx, provider, c.Query("code"), c.Query("state"), binding)
	if err != nil {
		span.RecordError(err)
	}
	sc.redirectWithNotice(c, notice)
}

// Revoke disconnects a provider
// @Summary Revoke a provider grant
// @Tags providers
// @Param provider path string true "Provider slug"
// @Success 200 {object} NoticeResponse
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/providers/{provider}/revoke [post]
func (sc *SyncController) Revoke(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.revoke")
	defer span.End()

	notice, err := sc.manager.Revoke(ctx, c.Param("provider"))
	if err != nil {
		span.RecordError(err)
		sc.abortWithError(c, err, "REVOKE_FAILED", notice)
		return
	}

	c.JSON(http.StatusOK, NoticeResponse{Notice: notice})
}

// SaveCredentials stores the OAuth client of a provider
// @Summary Save provider client credentials
// @Tags providers
// @Accept json
// @Param provider path string true "Provider slug"
// @Param request body CredentialsRequest true "Client credentials"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/providers/{provider}/credentials [put]
func (sc *SyncController) SaveCredentials(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.save_credentials")
	defer span.End()

	var request CredentialsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Details: fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}

	if err := sc.manager.SaveCredentials(ctx, c.Param("provider"), request.ClientID, request.ClientSecret); err != nil {
		span.RecordError(err)
		sc.abortWithError(c, err, "CREDENTIALS_SAVE_FAILED", "")
		return
	}

	c.Status(http.StatusNoContent)
}

// ClearCredentials wipes every stored credential of a provider
// @Summary Clear provider credentials
// @Tags providers
// @Param provider path string true "Provider slug"
// @Success 204
// @Router /api/v1/providers/{provider}/credentials [delete]
func (sc *SyncController) ClearCredentials(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.clear_credentials")
	defer span.End()

	if err := sc.manager.ClearCredentials(ctx, c.Param("provider")); err != nil {
		span.RecordError(err)
		sc.abortWithError(c, err, "CREDENTIALS_CLEAR_FAILED", "")
		return
	}

	c.Status(http.StatusNoContent)
}

// ListItems lists one remote folder for the explorer
// @Summary Browse a provider folder
// @Tags providers
// @Produce json
// @Param provider path string true "Provider slug"
// @Param parent query string false "Remote folder id; empty lists the sync root"
// @Success 200 {object} ItemsResponse
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/providers/{provider}/items [get]
func (sc *SyncController) ListItems(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.list_items")
	defer span.End()

	provider, err := storage.ParseProvider(c.Param("provider"))
	if err != nil {
		sc.abortWithError(c, err, "INVALID_SERVICE", sync.NoticeInvalidService)
		return
	}
	parent := c.Query("parent")
	span.SetAttributes(attribute.String("provider", provider.String()), attribute.String("parent", parent))

	items, err := sc.explorer.List(ctx, provider, parent)
	if err != nil {
		span.RecordError(err)
		sc.abortWithError(c, err, "LIST_FAILED", "")
		return
	}

	c.JSON(http.StatusOK, ItemsResponse{Provider: provider.String(), Parent: parent, Items: items})
}

// ManualSync pushes every entity and pulls every provider
// @Summary Run a manual sync
// @Tags sync
// @Produce json
// @Success 200 {object} sync.SyncReport
// @Router /api/v1/sync/manual [post]
func (sc *SyncController) ManualSync(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.manual_sync")
	defer span.End()

	c.JSON(http.StatusOK, sc.manager.ManualSync(ctx))
}

// ForceSync is a manual sync that also re-issues unchanged renames
// @Summary Run a forced sync
// @Tags sync
// @Produce json
// @Success 200 {object} sync.SyncReport
// @Router /api/v1/sync/force [post]
func (sc *SyncController) ForceSync(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.force_sync")
	defer span.End()

	c.JSON(http.StatusOK, sc.manager.ForceSync(ctx))
}

// RebuildStructure drops all mappings and recreates the remote folders
// @Summary Rebuild remote structure
// @Tags sync
// @Produce json
// @Success 200 {object} RebuildResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/sync/rebuild [post]
func (sc *SyncController) RebuildStructure(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.rebuild_structure")
	defer span.End()

	result, notice, err := sc.manager.RebuildStructure(ctx)
	if err != nil {
		span.RecordError(err)
		sc.logger.Error("rebuild failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, RebuildResponse{Notice: notice, Result: result})
}

// CleanupOrphanedMappings removes mappings whose entity no longer exists
// @Summary Clean up orphaned mappings
// @Tags sync
// @Produce json
// @Success 200 {object} CleanupResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/sync/cleanup [post]
func (sc *SyncController) CleanupOrphanedMappings(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.cleanup")
	defer span.End()

	removed, err := sc.manager.CleanupOrphanedMappings(ctx)
	if err != nil {
		span.RecordError(err)
		sc.logger.Error("failed to clean up mappings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "CLEANUP_FAILED",
			Details: "Failed to clean up mappings",
			Notice:  sync.NoticeSyncFailed,
		})
		return
	}

	c.JSON(http.StatusOK, CleanupResponse{Notice: sync.NoticeSyncComplete, Removed: removed})
}

// PullProvider applies the change feed of one provider
// @Summary Pull one provider
// @Tags sync
// @Produce json
// @Param provider path string true "Provider slug"
// @Success 200 {object} PullResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/sync/pull/{provider} [post]
func (sc *SyncController) PullProvider(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.pull_provider")
	defer span.End()

	provider := c.Param("provider")
	span.SetAttributes(attribute.String("provider", provider))

	result, notice, err := sc.manager.PullProvider(ctx, provider)
	if errors.Is(err, sync.ErrInvalidService) {
		sc.abortWithError(c, err, "INVALID_SERVICE", notice)
		return
	}
	if err != nil {
		span.RecordError(err)
	}

	c.JSON(http.StatusOK, PullResponse{Notice: notice, Result: result})
}

// GetGeneralSettings returns the general sync settings
// @Summary Get general settings
// @Tags settings
// @Produce json
// @Success 200 {object} GeneralSettingsResponse
// @Router /api/v1/settings/general [get]
func (sc *SyncController) GetGeneralSettings(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.get_general_settings")
	defer span.End()

	general, err := sc.manager.GeneralSettings(ctx)
	if err != nil {
		span.RecordError(err)
		sc.logger.Error("failed to load settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "SETTINGS_LOAD_FAILED",
			Details: "Failed to load settings",
		})
		return
	}

	c.JSON(http.StatusOK, GeneralSettingsResponse{Settings: general, Scheduler: sc.manager.SchedulerStatus()})
}

// UpdateGeneralSettings saves the general sync settings and re-arms the scheduler
// @Summary Update general settings
// @Tags settings
// @Accept json
// @Produce json
// @Param request body settings.General true "General settings"
// @Success 200 {object} GeneralSettingsResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/settings/general [put]
func (sc *SyncController) UpdateGeneralSettings(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.update_general_settings")
	defer span.End()

	var general settings.General
	if err := c.ShouldBindJSON(&general); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Details: fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}
	if err := general.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_SETTINGS",
			Details: err.Error(),
		})
		return
	}

	if err := sc.manager.UpdateGeneralSettings(ctx, general); err != nil {
		span.RecordError(err)
		sc.logger.Error("failed to save settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "SETTINGS_SAVE_FAILED",
			Details: "Failed to save settings",
		})
		return
	}

	c.JSON(http.StatusOK, GeneralSettingsResponse{Settings: general, Scheduler: sc.manager.SchedulerStatus()})
}

// GetLogs returns the newest sync log entries
// @Summary Get the sync log
// @Tags logs
// @Produce json
// @Param limit query int false "Maximum number of entries" default(50)
// @Success 200 {object} LogsResponse
// @Router /api/v1/logs [get]
func (sc *SyncController) GetLogs(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.get_logs")
	defer span.End()

	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "INVALID_LIMIT",
				Details: fmt.Sprintf("limit must be a positive integer: %q", raw),
			})
			return
		}
		limit = parsed
	}

	entries, err := sc.manager.Logs(ctx, limit)
	if err != nil {
		span.RecordError(err)
		sc.logger.Error("failed to read sync log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "LOGS_LOAD_FAILED",
			Details: "Failed to read sync log",
		})
		return
	}

	c.JSON(http.StatusOK, LogsResponse{Entries: entries, Capacity: sc.manager.LogCapacity()})
}

// ClearLogs empties the sync log
// @Summary Clear the sync log
// @Tags logs
// @Success 204
// @Router /api/v1/logs [delete]
func (sc *SyncController) ClearLogs(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.clear_logs")
	defer span.End()

	if err := sc.manager.ClearLogs(ctx); err != nil {
		span.RecordError(err)
		sc.logger.Error("failed to clear sync log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "LOGS_CLEAR_FAILED",
			Details: "Failed to clear sync log",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// EntitySaved records a created or updated course or lesson and pushes it
// @Summary Entity saved event
// @Tags events
// @Accept json
// @Produce json
// @Param request body core.Entity true "Saved entity"
// @Success 200 {object} EntityEventResponse
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/events/entities [post]
func (sc *SyncController) EntitySaved(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.entity_saved")
	defer span.End()

	var entity core.Entity
	if err := c.ShouldBindJSON(&entity); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_REQUEST",
			Details: fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}
	if err := entity.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "INVALID_ENTITY",
			Details: err.Error(),
		})
		return
	}
	span.SetAttributes(attribute.String("entity_id", entity.ID), attribute.String("kind", string(entity.Kind)))

	saved, err := sc.entities.UpsertEntity(ctx, entity)
	if err != nil {
		span.RecordError(err)
		sc.logger.Error("failed to save entity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "ENTITY_SAVE_FAILED",
			Details: "Failed to save entity",
		})
		return
	}

	push, err := sc.manager.Engine().OnEntitySaved(ctx, saved)
	if err != nil {
		span.RecordError(err)
		sc.logger.Warn("push after save failed", zap.String("entity_id", saved.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "PUSH_FAILED",
			Details: "The entity was saved but a storage provider rejected the folder update",
			Notice:  sync.NoticeSyncFailed,
		})
		return
	}

	c.JSON(http.StatusOK, EntityEventResponse{Entity: &saved, Push: push})
}

// EntityDeleted removes the remote folders of a deleted entity, then the entity
// @Summary Entity deleted event
// @Tags events
// @Produce json
// @Param id path string true "Entity ID"
// @Success 200 {object} EntityEventResponse
// @Router /api/v1/events/entities/{id} [delete]
func (sc *SyncController) EntityDeleted(c *gin.Context) {
	ctx, span := sc.tracer.Start(c.Request.Context(), "sync_controller.entity_deleted")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("entity_id", id))

	push, err := sc.manager.Engine().OnEntityDeleted(ctx, id)
	if err != nil {
		span.RecordError(err)
		sc.logger.Warn("remote delete failed", zap.String("entity_id", id), zap.Error(err))
	}

	if err := sc.entities.DeleteEntity(ctx, id); err != nil {
		span.RecordError(err)
		sc.logger.Error("failed to delete entity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "ENTITY_DELETE_FAILED",
			Details: "Failed to delete entity",
		})
		return
	}

	c.JSON(http.StatusOK, EntityEventResponse{Push: push})
}

// Helper methods

func (sc *SyncController) redirectWithNotice(c *gin.Context, notice sync.Notice) {
	target, err := url.Parse(sc.config.ReturnURL)
	if err != nil || sc.config.ReturnURL == "" {
		c.JSON(http.StatusOK, NoticeResponse{Notice: notice})
		return
	}
	query := target.Query()
	query.Set("notice", string(notice))
	target.RawQuery = query.Encode()
	c.Redirect(http.StatusFound, target.String())
}

// abortWithError maps sync and storage errors to HTTP statuses
func (sc *SyncController) abortWithError(c *gin.Context, err error, code string, notice sync.Notice) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sync.ErrInvalidService):
		status, code, notice = http.StatusBadRequest, "INVALID_SERVICE", sync.NoticeInvalidService
	case storage.ErrorCode(err) == storage.ErrorCodeUnsupportedProvider:
		status, code, notice = http.StatusBadRequest, "INVALID_SERVICE", sync.NoticeInvalidService
	case storage.IsAuthError(err):
		status = http.StatusConflict
	case storage.IsNotFound(err):
		status = http.StatusNotFound
	case storage.ErrorCode(err) == storage.ErrorCodeRateLimited:
		status = http.StatusTooManyRequests
	case storage.ErrorCode(err) != "":
		status = http.StatusBadGateway
	}

	sc.logger.Error("admin request failed",
		zap.String("path", c.FullPath()),
		zap.String("code", code),
		zap.Error(err),
	)
	c.JSON(status, ErrorResponse{Error: code, Details: errorDetails[status], Notice: notice})
}

// errorDetails holds the client-facing text per status; the error itself
// only goes to the log
var errorDetails = map[int]string{
	http.StatusBadRequest:          "Unknown storage provider",
	http.StatusConflict:            "The provider rejected the stored authorization; reconnect it",
	http.StatusNotFound:            "The remote folder was not found",
	http.StatusTooManyRequests:     "The provider is rate limiting requests; retry later",
	http.StatusBadGateway:          "The storage provider request failed",
	http.StatusInternalServerError: "The request failed; see the sync log",
}
