package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"k9notify/contracts/ws"
	"k9notify/internal/util"
)

const (
	sessionBuffer  = 32
	writeTimeout   = 5 * time.Second
	snapshotUnread = true
)

// WSServer upgrades authenticated HTTP requests to the duplex
// notification channel and speaks the frame protocol over it.
type WSServer struct {
	service *Service
	hub     *Hub
	secret  string
	logger  *zap.Logger
}

func NewWSServer(service *Service, hub *Hub, jwtSecret string, logger *zap.Logger) *WSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSServer{service: service, hub: hub, secret: jwtSecret, logger: logger}
}

// Handle authenticates, upgrades, and runs the session until the peer
// disconnects. Authentication failures are rejected before the upgrade.
func (s *WSServer) Handle(w http.ResponseWriter, r *http.Request) {
	token := util.ExtractToken(r)
	userID, _, err := util.ParseJWT(token, s.secret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	sessionID := uuid.NewString()
	sess := s.hub.Register(userID, sessionID, sessionBuffer)
	defer s.hub.Unregister(userID, sessionID)

	s.logger.Info("session opened",
		zap.Int("user_id", userID),
		zap.String("session_id", sessionID),
	)

	ctx := r.Context()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range sess.C() {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}()

	s.sendInitialSnapshot(ctx, userID, sessionID)

	for {
		var frame ws.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			break
		}
		s.dispatch(ctx, userID, sessionID, frame)
	}

	s.hub.Unregister(userID, sessionID)
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "")

	s.logger.Info("session closed",
		zap.Int("user_id", userID),
		zap.String("session_id", sessionID),
	)
}

// sendInitialSnapshot pushes the unread window right after connect so a
// client sees fresh state even before it asks.
func (s *WSServer) sendInitialSnapshot(ctx context.Context, userID int, sessionID string) {
	snap, err := s.service.Snapshot(ctx, userID, 0, snapshotUnread)
	if err != nil {
		s.logger.Error("initial snapshot failed", zap.Int("user_id", userID), zap.Error(err))
		return
	}
	if frame, err := ws.NewFrame(ws.EventUnreadSnapshot, "", snap); err == nil {
		s.hub.SendToSession(userID, sessionID, frame)
	}
}

func (s *WSServer) dispatch(ctx context.Context, userID int, sessionID string, frame ws.Frame) {
	switch frame.Event {
	case ws.EventMarkRead:
		var p ws.MarkReadPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.NotificationID == "" {
			s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeBadRequest, "notification_id required")
			return
		}
		change, err := s.service.MarkRead(ctx, userID, p.NotificationID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeNotFound, "notification not found")
			} else {
				s.logger.Error("mark read failed", zap.Error(err))
				s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeInternal, "mark read failed")
			}
			return
		}
		s.reply(userID, sessionID, ws.EventStatusChanged, frame.Ref, change)

	case ws.EventGetNotifications:
		var p ws.GetNotificationsPayload
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &p); err != nil {
				s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeBadRequest, "malformed request")
				return
			}
		}
		snap, err := s.service.Snapshot(ctx, userID, p.Limit, p.UnreadOnly)
		if err != nil {
			s.logger.Error("snapshot failed", zap.Error(err))
			s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeInternal, "snapshot failed")
			return
		}
		s.reply(userID, sessionID, ws.EventUnreadSnapshot, frame.Ref, snap)

	case ws.EventUpdateSettings:
		var p ws.SettingsPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeBadRequest, "malformed settings")
			return
		}
		if err := s.service.UpdateSettings(ctx, userID, p); err != nil {
			s.logger.Error("settings update failed", zap.Error(err))
			s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeInternal, "settings update failed")
			return
		}
		s.reply(userID, sessionID, ws.EventSettingsSaved, frame.Ref, ws.SettingsSavedPayload{Success: true})

	case ws.EventSubscribePush:
		var p ws.SubscribePushPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeBadRequest, "malformed subscription")
			return
		}
		if err := s.service.SubscribePush(ctx, userID, p.Subscription); err != nil {
			s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeBadRequest, "subscription rejected")
			return
		}
		s.reply(userID, sessionID, ws.EventPushSaved, frame.Ref, ws.SettingsSavedPayload{Success: true})

	case ws.EventTestNotification:
		if _, err := s.service.Test(ctx, userID); err != nil {
			s.logger.Error("test notification failed", zap.Error(err))
			s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeInternal, "test notification failed")
		}

	default:
		s.sendError(userID, sessionID, frame.Ref, ws.ErrCodeBadRequest, "unknown event")
	}
}

func (s *WSServer) reply(userID int, sessionID, event, ref string, payload any) {
	frame, err := ws.NewFrame(event, ref, payload)
	if err != nil {
		s.logger.Error("failed to encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	s.hub.SendToSession(userID, sessionID, frame)
}

func (s *WSServer) sendError(userID int, sessionID, ref, code, message string) {
	s.reply(userID, sessionID, ws.EventError, ref, ws.ErrorPayload{
		Code:    code,
		Message: message,
		Ref:     ref,
	})
}
