package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/ports"
	"hybridcast/internal/core/services"
	"hybridcast/internal/infrastructure/mesh"
	"hybridcast/internal/infrastructure/preload"
	"hybridcast/internal/infrastructure/settings"
)

// DebugHandler serves the local introspection API: combined stats, cache
// summary and the persisted peer delivery policy.
type DebugHandler struct {
	stream   *services.StreamManager
	mesh     *mesh.Manager
	cache    *preload.Manager
	settings ports.SettingsStore
}

func NewDebugHandler(
	stream *services.StreamManager,
	meshManager *mesh.Manager,
	cache *preload.Manager,
	settingsStore ports.SettingsStore,
) *DebugHandler {
	return &DebugHandler{
		stream:   stream,
		mesh:     meshManager,
		cache:    cache,
		settings: settingsStore,
	}
}

func (h *DebugHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/stats", h.GetStats)
	router.GET("/cache", h.GetCache)
	router.DELETE("/cache", h.ClearCache)
	router.GET("/config", h.GetConfig)
	router.PUT("/config", h.PutConfig)
}

func (h *DebugHandler) GetStats(c *gin.Context) {
	response := gin.H{
		"stream": h.stream.Stats(),
		"state":  h.stream.State(),
	}
	if h.mesh != nil {
		response["p2p"] = h.mesh.Stats()
		response["peers"] = h.mesh.Peers()
	}
	c.JSON(http.StatusOK, response)
}

func (h *DebugHandler) GetCache(c *gin.Context) {
	info, err := h.cache.CacheInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cache":   info,
		"preload": h.cache.Status(),
	})
}

func (h *DebugHandler) ClearCache(c *gin.Context) {
	contentID := c.Query("content_id")

	var err error
	if contentID != "" {
		err = h.cache.ClearContent(c.Request.Context(), contentID)
	} else {
		err = h.cache.ClearAll(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DebugHandler) GetConfig(c *gin.Context) {
	cfg, err := settings.LoadP2PConfig(c.Request.Context(), h.settings)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// PutConfig persists an updated policy. Changes apply to new peer
// negotiations; live connections are untouched.
func (h *DebugHandler) PutConfig(c *gin.Context) {
	cfg := domain.DefaultP2PConfig()
	if err := c.BindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := settings.SaveP2PConfig(context.WithoutCancel(c.Request.Context()), h.settings, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}
