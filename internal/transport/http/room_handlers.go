package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-rooms/internal/core"
)

// RoomHandlers provides HTTP handlers for room endpoints. Room creation goes
// through the hub so REST and websocket clients see the same announcements.
type RoomHandlers struct {
	hub *core.Hub
	log *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(hub *core.Hub, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		hub: hub,
		log: logger,
	}
}

// CreateRoomRequest represents the create room request body.
type CreateRoomRequest struct {
	Title string `json:"title" binding:"required,min=1,max=64"`
}

// RoomResponse represents a room in API responses.
type RoomResponse struct {
	ID        int64            `json:"id"`
	Title     string           `json:"title"`
	AdminID   int64            `json:"admin_id"`
	CreatedAt string           `json:"created_at"`
	Members   []MemberResponse `json:"members,omitempty"`
}

// MemberResponse represents a room member in API responses.
type MemberResponse struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	Connections int    `json:"connections"`
}

func toRoomResponse(r core.Room) RoomResponse {
	return RoomResponse{
		ID:        r.ID,
		Title:     r.Title,
		AdminID:   r.AdminID,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		Members:   toMemberResponses(r.Members),
	}
}

func toMemberResponses(members []core.Member) []MemberResponse {
	return lo.Map(members, func(m core.Member, _ int) MemberResponse {
		return MemberResponse{
			UserID:      m.UserID,
			Username:    m.Username,
			Role:        string(m.Role),
			Connections: len(m.Connections),
		}
	})
}

// CreateRoom handles room creation.
// POST /api/rooms
func (h *RoomHandlers) CreateRoom(c *gin.Context) {
	uid := c.GetInt64(ContextKeyUserID)
	if uid == 0 {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create room request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	actor := core.Actor{UserID: uid, Username: c.GetString(ContextKeyUsername)}
	room, err := h.hub.CreateRoom(c.Request.Context(), actor, req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toRoomResponse(*room))
}

// ListRooms lists every room, newest first.
// GET /api/rooms
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	rooms, err := h.hub.ListRooms(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, lo.Map(rooms, func(r core.Room, _ int) RoomResponse { return toRoomResponse(r) }))
}

// ListMembers lists the present members of a room in join order.
// GET /api/rooms/:id/members
func (h *RoomHandlers) ListMembers(c *gin.Context) {
	roomID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid room id", Code: core.ErrCodeBadRequest})
		return
	}

	members, err := h.hub.PresentMembers(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toMemberResponses(members))
}

func (h *RoomHandlers) writeError(c *gin.Context, err error) {
	ce := core.ToCoreError(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrDuplicateRoom):
		status = http.StatusConflict
	case errors.Is(err, core.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, core.ErrBadRequest):
		status = http.StatusBadRequest
	default:
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("room request failed")
	}
	c.JSON(status, ErrorResponse{Error: ce.Message, Code: ce.Code})
}
