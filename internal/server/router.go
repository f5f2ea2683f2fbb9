package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/doccollab/internal/auth"
	"github.com/MarcoPoloResearchLab/doccollab/internal/collab"
	"github.com/MarcoPoloResearchLab/doccollab/internal/presence"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIdentityContextKey = "doccollab_user_identity"
	// UserIdentityHeader carries the editing identity when session tokens are not configured.
	UserIdentityHeader = "X-User-Identity"
)

var (
	errMissingCollabService = errors.New("collab service dependency required")
	errMissingPresence      = errors.New("presence manager dependency required")
	errMissingRealtimeHub   = errors.New("realtime hub dependency required")
)

// SessionValidator resolves the editing identity of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// PresenceDirectory reads membership shared by every instance.
type PresenceDirectory interface {
	Members(ctx context.Context, roomName string) ([]presence.Entry, error)
	Rooms(ctx context.Context) ([]string, error)
}

type Dependencies struct {
	CollabService *collab.Service
	Presence      *presence.Manager
	Realtime      *RealtimeHub
	// SessionValidator is optional; without it clients name themselves.
	SessionValidator SessionValidator
	// PresenceDirectory is optional; without it membership reads are local.
	PresenceDirectory PresenceDirectory
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.CollabService == nil {
		return nil, errMissingCollabService
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtimeHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		collab:    deps.CollabService,
		presence:  deps.Presence,
		realtime:  deps.Realtime,
		validator: deps.SessionValidator,
		directory: deps.PresenceDirectory,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	rooms := router.Group("/rooms")
	rooms.Use(handler.resolveIdentity)
	rooms.GET("", handler.handleListRooms)
	rooms.GET("/ws", handler.handleRealtime)
	rooms.GET("/:room/members", handler.handleListMembers)
	rooms.POST("/:room/import", handler.handleImport)
	rooms.POST("/:room/edits", handler.handleSubmitEdit)
	rooms.GET("/:room/edits", handler.handleFetchEdits)
	rooms.GET("/:room/snapshot", handler.handleDownloadSnapshot)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", UserIdentityHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	collab    *collab.Service
	presence  *presence.Manager
	realtime  *RealtimeHub
	validator SessionValidator
	directory PresenceDirectory
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// resolveIdentity stores the session subject when tokens are configured and the
// self-declared identity header otherwise.
func (h *httpHandler) resolveIdentity(c *gin.Context) {
	if h.validator == nil {
		c.Set(userIdentityContextKey, strings.TrimSpace(c.GetHeader(UserIdentityHeader)))
		c.Next()
		return
	}
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIdentityContextKey, claims.Subject)
	c.Next()
}

type importRequestPayload struct {
	Content *string `json:"content"`
}

type importResponsePayload struct {
	Room         string `json:"room"`
	Version      int64  `json:"version"`
	SavedVersion int64  `json:"savedVersion"`
	Content      string `json:"content"`
}

func (h *httpHandler) handleImport(c *gin.Context) {
	var request importRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	room := c.Param("room")
	result, err := h.collab.ImportDocument(c.Request.Context(), collab.ImportRequest{
		RoomName:    room,
		RequestedBy: c.GetString(userIdentityContextKey),
		Content:     request.Content,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, importResponsePayload{
		Room:         room,
		Version:      result.Version,
		SavedVersion: result.SavedVersion,
		Content:      string(result.Content),
	})
}

type submitRequestPayload struct {
	ClientVersion *int64          `json:"clientVersion"`
	ConnectionID  string          `json:"connectionId"`
	Payload       json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleSubmitEdit(c *gin.Context) {
	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ClientVersion == nil || len(request.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user := c.GetString(userIdentityContextKey)
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_user_identity"})
		return
	}
	operation, err := h.collab.Submit(c.Request.Context(), collab.SubmitRequest{
		RoomName:      c.Param("room"),
		SubmittedBy:   user,
		ConnectionID:  strings.TrimSpace(request.ConnectionID),
		ClientVersion: *request.ClientVersion,
		Payload:       string(request.Payload),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.realtime.BroadcastEdit(operation, operation.ConnectionID)
	c.JSON(http.StatusOK, newEditPayload(operation))
}

type roomsResponsePayload struct {
	Rooms []string `json:"rooms"`
}

// handleListRooms prefers the shared directory and falls back to this instance.
func (h *httpHandler) handleListRooms(c *gin.Context) {
	if h.directory != nil {
		rooms, err := h.directory.Rooms(c.Request.Context())
		if err == nil {
			c.JSON(http.StatusOK, roomsResponsePayload{Rooms: append([]string{}, rooms...)})
			return
		}
		h.logger.Warn("presence directory unavailable", zap.Error(err))
	}
	c.JSON(http.StatusOK, roomsResponsePayload{Rooms: h.presence.Rooms()})
}

type membersResponsePayload struct {
	Room    string           `json:"room"`
	Members []presence.Entry `json:"members"`
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	name, err := collab.NewRoomName(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_name"})
		return
	}
	room := name.String()
	if h.directory != nil {
		members, err := h.directory.Members(c.Request.Context(), room)
		if err == nil {
			c.JSON(http.StatusOK, membersResponsePayload{Room: room, Members: append([]presence.Entry{}, members...)})
			return
		}
		h.logger.Warn("presence directory unavailable", zap.String("room_name", room), zap.Error(err))
	}
	members, err := h.presence.Members(c.Request.Context(), room)
	if err != nil {
		h.logger.Error("room request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, membersResponsePayload{Room: room, Members: append([]presence.Entry{}, members...)})
}

type fetchResponsePayload struct {
	Room       string         `json:"room"`
	Operations []*editPayload `json:"operations"`
}

func (h *httpHandler) handleFetchEdits(c *gin.Context) {
	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after"})
			return
		}
		after = parsed
	}
	room := c.Param("room")
	operations, err := h.collab.FetchSince(c.Request.Context(), room, after)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := fetchResponsePayload{Room: room, Operations: make([]*editPayload, 0, len(operations))}
	for _, operation := range operations {
		response.Operations = append(response.Operations, newEditPayload(operation))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDownloadSnapshot(c *gin.Context) {
	content, err := h.collab.DownloadSnapshot(c.Request.Context(), c.Param("room"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	contentType := "application/octet-stream"
	if json.Valid(content) {
		contentType = "application/json"
	}
	c.Data(http.StatusOK, contentType, content)
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	status, code := describeServiceError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("room request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func describeServiceError(err error) (int, string) {
	code := "internal_error"
	var serviceErr *collab.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, collab.ErrInvalidRoomName),
		errors.Is(err, collab.ErrInvalidSubmission),
		errors.Is(err, collab.ErrInvalidDocument):
		return http.StatusBadRequest, code
	case errors.Is(err, collab.ErrStaleClientVersion):
		return http.StatusConflict, code
	case errors.Is(err, collab.ErrSnapshotNotFound):
		return http.StatusNotFound, code
	default:
		return http.StatusInternalServerError, code
	}
}
