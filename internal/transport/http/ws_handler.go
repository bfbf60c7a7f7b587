package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/auth"
	"github.com/vovakirdan/wirechat-rooms/internal/config"
	"github.com/vovakirdan/wirechat-rooms/internal/core"
	"github.com/vovakirdan/wirechat-rooms/internal/proto"
	"github.com/vovakirdan/wirechat-rooms/internal/utils"
)

var errClosedByServer = errors.New("connection closed by server")

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub       *core.Hub
	auth      *auth.Service
	namespace core.Namespace
	cfg       *config.Config
	log       *zerolog.Logger
	// sessions counts running handlers, hijacked ones included.
	sessions *sync.WaitGroup
}

// NewWSHandler builds a websocket handler for one namespace. Each call of
// ServeHTTP is tracked in sessions until it returns.
func NewWSHandler(hub *core.Hub, authService *auth.Service, ns core.Namespace, cfg *config.Config, sessions *sync.WaitGroup, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hub: hub, auth: authService, namespace: ns, cfg: cfg, sessions: sessions, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	h.sessions.Add(1)
	defer h.sessions.Done()

	identity, err := h.auth.ResolveUser(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws handshake rejected")
		stdhttp.Error(w, "invalid token", stdhttp.StatusUnauthorized)
		return
	}
	if identity == nil && h.cfg.JWTRequired {
		stdhttp.Error(w, "authentication required", stdhttp.StatusUnauthorized)
		return
	}

	var (
		userID   int64
		username string
	)
	if identity != nil {
		userID, username = identity.UserID, identity.Username
	}
	client := core.NewClient(utils.NewConnectionID(), h.namespace, userID, username, h.cfg.EventBuffer)
	log := h.log.With().Str("conn_id", client.ID).Int64("user_id", userID).Str("namespace", string(h.namespace)).Logger()

	h.hub.RegisterClient(client)
	// Registered before the upgrade so no broadcast races the handshake.
	// Presence cleanup completes before the handler returns.
	defer h.hub.UnregisterClient(client)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	limiter := newRateLimiter(h.cfg.RateLimitPerMinute)

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client, limiter, &log)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client, &log)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
	case errors.Is(err, errClosedByServer):
		status = websocket.StatusGoingAway
		reason = "server shutting down"
	default:
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
			if status == -1 {
				status = websocket.StatusInternalError
			}
			reason = "connection error"
			log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	_ = conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, limiter *rateLimiter, log *zerolog.Logger) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		cmd, replyTo, err := inboundToCommand(inbound)
		if err != nil {
			log.Debug().Err(err).Str("type", inbound.Type).Msg("failed to map inbound")
			h.hub.Reject(client, replyTo, err)
			continue
		}

		if cmd.Kind == core.CommandSendRoomMessage && !limiter.allow() {
			h.hub.Reject(client, core.EventMessage, core.ErrRateLimited)
			continue
		}

		// Failures are already reported to the client by the hub.
		_ = h.hub.Handle(ctx, client, cmd)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, log *zerolog.Logger) error {
	for {
		select {
		case event := <-client.Events:
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				log.Debug().Err(err).Msg("write ws event")
				return err
			}
		case <-client.Done():
			return errClosedByServer
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
