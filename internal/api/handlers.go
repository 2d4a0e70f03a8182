// Package api exposes the local store, the remote session, and the sync
// state over HTTP for the desktop client.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"studysync/internal/authclient"
	"studysync/internal/cache"
	"studysync/internal/models"
	"studysync/internal/search"
	"studysync/internal/storage"
	"studysync/internal/sync"
)

const cachePrefix = "conv:"

// Handler wires HTTP routes to the store, the auth client, and the
// sync engine.
type Handler struct {
	store  storage.Store
	auth   *authclient.Client
	engine *sync.Engine
	cache  *cache.Client
}

// NewHandler constructs a Handler instance.
func NewHandler(store storage.Store, auth *authclient.Client, engine *sync.Engine, cacheClient *cache.Client) *Handler {
	return &Handler{store: store, auth: auth, engine: engine, cache: cacheClient}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")

	api.GET("/conversations", h.listConversations)
	api.POST("/conversations", h.createConversation)
	api.GET("/conversations/:id", h.getConversation)
	api.PATCH("/conversations/:id/title", h.updateTitle)
	api.PATCH("/conversations/:id/flags", h.updateFlags)
	api.DELETE("/conversations/:id", h.deleteConversation)
	api.GET("/conversations/:id/messages", h.getMessages)
	api.POST("/conversations/:id/messages", h.addMessage)

	api.GET("/search", h.search)
	api.POST("/maintenance/cleanup", h.cleanup)
	api.GET("/export", h.export)
	api.GET("/stats", h.stats)

	authRoutes := api.Group("/auth")
	authRoutes.POST("/login", h.login)
	authRoutes.POST("/register", h.register)
	authRoutes.POST("/logout", h.logout)
	authRoutes.GET("/profile", h.profile)
	authRoutes.PATCH("/profile", h.updateProfile)
	authRoutes.POST("/change-password", h.changePassword)

	syncRoutes := api.Group("/sync")
	syncRoutes.GET("/status", h.syncStatus)
	syncRoutes.POST("/now", h.syncNow)
	syncRoutes.POST("/online", h.setOnline)
	syncRoutes.GET("/conflicts", h.listConflicts)
	syncRoutes.POST("/conflicts/:id/resolve", h.resolveConflict)
}

func (h *Handler) conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) invalidateCache(c *gin.Context) {
	if err := h.cache.InvalidatePrefix(c.Request.Context(), cachePrefix); err != nil {
		log.Printf("cache invalidation failed: %v", err)
	}
}

type createConversationRequest struct {
	Title      string   `json:"title"`
	AIProvider string   `json:"aiProvider"`
	Model      string   `json:"model"`
	Tags       []string `json:"tags"`
}

func (h *Handler) createConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	conv, err := h.store.CreateConversation(c.Request.Context(), storage.CreateConversationParams{
		Title:      req.Title,
		AIProvider: req.AIProvider,
		Model:      req.Model,
		Tags:       req.Tags,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.engine.NoteConversationCreated(conv)
	h.invalidateCache(c)
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) listConversations(c *gin.Context) {
	opts := storage.ListOptions{
		Page:      queryInt(c, "page", 1),
		PageSize:  queryInt(c, "pageSize", 20),
		Archived:  c.Query("archived") == "true",
		SortBy:    c.DefaultQuery("sortBy", "updatedAt"),
		SortOrder: c.DefaultQuery("sortOrder", "desc"),
	}

	key := fmt.Sprintf("%slist:%d:%d:%t:%s:%s", cachePrefix,
		opts.Page, opts.PageSize, opts.Archived, opts.SortBy, opts.SortOrder)
	var cached storage.Page
	if err := h.cache.GetJSON(c.Request.Context(), key, &cached); err == nil {
		c.JSON(http.StatusOK, &cached)
		return
	}

	page, err := h.store.Conversations(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.cache.SetJSON(c.Request.Context(), key, page, cache.DefaultTTL)
	c.JSON(http.StatusOK, page)
}

func (h *Handler) getConversation(c *gin.Context) {
	id, ok := h.conversationID(c)
	if !ok {
		return
	}
	conv, err := h.store.Conversation(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

type updateTitleRequest struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) updateTitle(c *gin.Context) {
	id, ok := h.conversationID(c)
	if !ok {
		return
	}
	var req updateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	if err := h.store.UpdateConversationTitle(c.Request.Context(), id, req.Title); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.engine.NoteTitleUpdated(id, req.Title)
	h.invalidateCache(c)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type updateFlagsRequest struct {
	Archived *bool     `json:"archived"`
	Pinned   *bool     `json:"pinned"`
	Tags     *[]string `json:"tags"`
}

func (h *Handler) updateFlags(c *gin.Context) {
	id, ok := h.conversationID(c)
	if !ok {
		return
	}
	var req updateFlagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	flags := storage.FlagUpdate{Archived: req.Archived, Pinned: req.Pinned, Tags: req.Tags}
	if err := h.store.UpdateConversationFlags(c.Request.Context(), id, flags); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.invalidateCache(c)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	id, ok := h.conversationID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteConversation(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.engine.NoteConversationDeleted(id)
	h.invalidateCache(c)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type addMessageRequest struct {
	Type         models.MessageType `json:"type" binding:"required"`
	Content      string             `json:"content" binding:"required"`
	TokenCount   int                `json:"tokenCount"`
	Model        string             `json:"model"`
	ProcessingMS int64              `json:"processingTime"`
}

func (h *Handler) addMessage(c *gin.Context) {
	id, ok := h.conversationID(c)
	if !ok {
		return
	}
	var req addMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type and content are required"})
		return
	}
	msg, err := h.store.AddMessage(c.Request.Context(), storage.AddMessageParams{
		ConversationID: id,
		Type:           req.Type,
		Content:        req.Content,
		TokenCount:     req.TokenCount,
		Model:          req.Model,
		ProcessingMS:   req.ProcessingMS,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.engine.NoteMessageAdded(msg)
	h.invalidateCache(c)
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) getMessages(c *gin.Context) {
	id, ok := h.conversationID(c)
	if !ok {
		return
	}
	messages, err := h.store.ConversationMessages(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}
	opts := search.Options{
		InTitle:   c.DefaultQuery("inTitle", "true") != "false",
		InContent: c.DefaultQuery("inContent", "true") != "false",
		Limit:     queryInt(c, "limit", search.DefaultLimit),
	}
	results, err := h.store.Search(c.Request.Context(), query, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type cleanupRequest struct {
	DaysToKeep int `json:"daysToKeep"`
}

func (h *Handler) cleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	removed, err := h.store.CleanupOldData(c.Request.Context(), req.DaysToKeep)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.invalidateCache(c)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) export(c *gin.Context) {
	dump, err := h.store.ExportAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=studysync-export-%s.json", time.Now().UTC().Format("20060102")))
	c.JSON(http.StatusOK, dump)
}

func (h *Handler) stats(c *gin.Context) {
	key := cachePrefix + "stats"
	var cached storage.Stats
	if err := h.cache.GetJSON(c.Request.Context(), key, &cached); err == nil {
		c.JSON(http.StatusOK, &cached)
		return
	}
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.cache.SetJSON(c.Request.Context(), key, stats, cache.DefaultTTL)
	c.JSON(http.StatusOK, stats)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	h.engine.SyncNow()
	c.JSON(http.StatusOK, gin.H{"user": user})
}

type registerRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"displayName"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.engine.SyncNow()
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

func (h *Handler) logout(c *gin.Context) {
	if err := h.auth.Logout(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

func (h *Handler) profile(c *gin.Context) {
	user, err := h.auth.Profile(c.Request.Context())
	if err != nil {
		if errors.Is(err, authclient.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) updateProfile(c *gin.Context) {
	var updates map[string]any
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.UpdateProfile(c.Request.Context(), updates)
	if err != nil {
		if errors.Is(err, authclient.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

func (h *Handler) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "current and new passwords are required"})
		return
	}
	if err := h.auth.ChangePassword(c.Request.Context(), req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, authclient.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "password changed"})
}

func (h *Handler) syncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

func (h *Handler) syncNow(c *gin.Context) {
	if !h.auth.LoggedIn() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	h.engine.SyncNow()
	c.JSON(http.StatusAccepted, gin.H{"status": "sync scheduled"})
}

type onlineRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (h *Handler) setOnline(c *gin.Context) {
	var req onlineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "online flag is required"})
		return
	}
	h.engine.SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": *req.Online})
}

func (h *Handler) listConflicts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conflicts": h.engine.Tracker().Conflicts()})
}

type resolveConflictRequest struct {
	Resolution   string          `json:"resolution" binding:"required"`
	ResolvedData json.RawMessage `json:"resolvedData"`
}

func (h *Handler) resolveConflict(c *gin.Context) {
	conflictID := c.Param("id")
	if conflictID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conflict id"})
		return
	}
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolution is required"})
		return
	}
	err := h.engine.ResolveConflict(c.Request.Context(), conflictID, req.Resolution, req.ResolvedData)
	if err != nil {
		switch {
		case errors.Is(err, sync.ErrChannelRequired):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync channel not connected, retry later"})
		case errors.Is(err, sync.ErrAckTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "server did not acknowledge in time"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
