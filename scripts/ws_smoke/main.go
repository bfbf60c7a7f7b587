package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/vovakirdan/wirechat-rooms/internal/proto"
)

type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

type session struct {
	Token    string `json:"token"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "http://localhost:8080", "server base address")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sess, err := guestSession(ctx, *addr)
	if err != nil {
		return err
	}
	fmt.Printf("Guest session: user=%s id=%d\n", sess.Username, sess.UserID)

	wsBase := strings.Replace(*addr, "http", "ws", 1)
	query := "?token=" + url.QueryEscape(sess.Token)

	index, _, err := websocket.Dial(ctx, wsBase+"/ws/rooms"+query, nil)
	if err != nil {
		return fmt.Errorf("dial rooms: %w", err)
	}
	defer index.Close(websocket.StatusNormalClosure, "bye")

	title := "smoke-" + uuid.NewString()[:8]
	if err := sendFrame(ctx, index, proto.InboundTypeCreateRoom, proto.CreateRoomData{Title: title}); err != nil {
		return err
	}
	var room proto.RoomSummary
	if err := await(ctx, index, "updateRoomsList", &room); err != nil {
		return err
	}
	fmt.Printf("Room created: id=%d title=%s\n", room.ID, room.Title)

	chat, _, err := websocket.Dial(ctx, wsBase+"/ws/chatroom"+query, nil)
	if err != nil {
		return fmt.Errorf("dial chatroom: %w", err)
	}
	defer chat.Close(websocket.StatusNormalClosure, "bye")

	if err := sendFrame(ctx, chat, proto.InboundTypeJoin, proto.JoinData{RoomID: room.ID}); err != nil {
		return err
	}
	var users proto.EventUsersList
	if err := await(ctx, chat, "updateUsersList", &users); err != nil {
		return err
	}
	fmt.Printf("Joined: %d present\n", len(users.Users))

	if err := sendFrame(ctx, chat, proto.InboundTypeNewMessage, proto.NewMessageData{
		RoomID:  room.ID,
		Message: proto.ChatMessage{Content: *text},
	}); err != nil {
		return err
	}
	var msg proto.EventMessage
	if err := await(ctx, chat, "addMessage", &msg); err != nil {
		return err
	}
	fmt.Printf("EventMessage: room=%d user=%s text=%q ts=%d\n", msg.RoomID, msg.Username, msg.Content, msg.TS)
	return nil
}

func guestSession(ctx context.Context, addr string) (*session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/api/guest", nil)
	if err != nil {
		return nil, fmt.Errorf("build guest request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("guest login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("guest login: unexpected status %d", resp.StatusCode)
	}

	var sess session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, fmt.Errorf("decode guest session: %w", err)
	}
	return &sess, nil
}

func sendFrame(ctx context.Context, conn *websocket.Conn, msgType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: msgType, Data: payload}); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// await reads frames until event arrives and decodes its data into v.
func await(ctx context.Context, conn *websocket.Conn, event string, v any) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		fmt.Printf("Received: type=%s event=%s\n", f.Type, f.Event)
		if f.Type == proto.OutboundTypeError && f.Error != nil {
			return fmt.Errorf("server error %s: %s", f.Error.Code, f.Error.Msg)
		}
		if f.Event == event {
			if err := json.Unmarshal(f.Data, v); err != nil {
				return fmt.Errorf("decode %s: %w", event, err)
			}
			return nil
		}
	}
}
