package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/doccollab/internal/collab"
	"github.com/MarcoPoloResearchLab/doccollab/internal/presence"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientFrameJoin       = "join"
	clientFrameLeave      = "leave"
	clientFrameSubmitEdit = "submitEdit"

	realtimeWriteWait      = 10 * time.Second
	realtimePongWait       = 60 * time.Second
	realtimePingPeriod     = realtimePongWait * 9 / 10
	realtimeMaxMessageSize = 1 << 20
)

var realtimeUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type clientFrame struct {
	Type          string          `json:"type"`
	Room          string          `json:"room"`
	User          string          `json:"user"`
	ClientVersion *int64          `json:"clientVersion"`
	Payload       json.RawMessage `json:"payload"`
}

type realtimeSession struct {
	handler      *httpHandler
	connectionID string
	// identity is the authenticated subject; empty when clients name themselves.
	identity string
	user     string
	logger   *zap.Logger
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("origin", c.GetHeader("Origin")), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectionID, stream, cleanup, err := h.realtime.Subscribe(ctx)
	if err != nil {
		h.logger.Error("realtime subscribe failed", zap.Error(err))
		return
	}
	defer cleanup()

	session := &realtimeSession{
		handler:      h,
		connectionID: connectionID,
		identity:     c.GetString(userIdentityContextKey),
		logger:       h.logger.With(zap.String("connection_id", connectionID)),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		session.writeLoop(ctx, conn, stream)
	}()

	h.realtime.SendFrame(connectionID, RealtimeFrame{Type: RealtimeFrameConnectionAssigned, ConnectionID: connectionID})
	session.readLoop(ctx, conn)

	// A vanished client still counts as leaving; the final compaction must run.
	if err := h.presence.Leave(context.WithoutCancel(ctx), connectionID); err != nil {
		session.logger.Error("leave on disconnect failed", zap.Error(err))
	}
	cancel()
	<-writerDone
}

func (s *realtimeSession) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(realtimeMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	})
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("websocket read failed", zap.Error(err))
			}
			return
		}
		switch frame.Type {
		case clientFrameJoin:
			s.handleJoin(ctx, frame)
		case clientFrameLeave:
			s.handleLeave(ctx)
		case clientFrameSubmitEdit:
			s.handleSubmitEdit(ctx, frame)
		default:
			s.sendError(frame.Room, "unknown_frame_type")
		}
	}
}

func (s *realtimeSession) writeLoop(ctx context.Context, conn *websocket.Conn, stream <-chan RealtimeFrame) {
	ticker := time.NewTicker(realtimePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(realtimeWriteWait))
			return
		case frame := <-stream:
			_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				s.logger.Info("websocket write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(realtimeWriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *realtimeSession) handleJoin(ctx context.Context, frame clientFrame) {
	user := s.identity
	if user == "" {
		user = strings.TrimSpace(frame.User)
	}
	result, err := s.handler.presence.Join(ctx, s.connectionID, frame.Room, user)
	if err != nil {
		s.sendError(frame.Room, joinErrorCode(err))
		return
	}
	s.user = user
	s.logger.Debug("room joined",
		zap.String("room_name", strings.TrimSpace(frame.Room)),
		zap.Uint64("epoch", result.Epoch),
		zap.Int("members", len(result.Members)),
	)
}

func (s *realtimeSession) handleLeave(ctx context.Context) {
	if err := s.handler.presence.Leave(context.WithoutCancel(ctx), s.connectionID); err != nil {
		s.logger.Error("leave failed", zap.Error(err))
	}
}

func (s *realtimeSession) handleSubmitEdit(ctx context.Context, frame clientFrame) {
	room := strings.TrimSpace(frame.Room)
	if !s.handler.presence.IsMember(room, s.connectionID) {
		s.sendError(room, "not_a_member")
		return
	}
	if frame.ClientVersion == nil || len(frame.Payload) == 0 {
		s.sendError(room, "invalid_request")
		return
	}
	operation, err := s.handler.collab.Submit(ctx, collab.SubmitRequest{
		RoomName:      room,
		SubmittedBy:   s.user,
		ConnectionID:  s.connectionID,
		ClientVersion: *frame.ClientVersion,
		Payload:       string(frame.Payload),
	})
	if err != nil {
		status, code := describeServiceError(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("submit edit failed", zap.String("room_name", room), zap.Error(err))
		}
		s.sendError(room, code)
		return
	}
	s.handler.realtime.SendFrame(s.connectionID, RealtimeFrame{
		Type: RealtimeFrameEditAccepted,
		Room: room,
		Edit: newEditPayload(operation),
	})
	s.handler.realtime.BroadcastEdit(operation, s.connectionID)
}

func (s *realtimeSession) sendError(room, code string) {
	s.handler.realtime.SendFrame(s.connectionID, RealtimeFrame{
		Type:  RealtimeFrameError,
		Room:  strings.TrimSpace(room),
		Error: code,
	})
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, presence.ErrInvalidRoom):
		return "invalid_room_name"
	case errors.Is(err, presence.ErrInvalidUser):
		return "missing_user_identity"
	default:
		return "join_failed"
	}
}
