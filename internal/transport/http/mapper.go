package http

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-rooms/internal/core"
	"github.com/vovakirdan/wirechat-rooms/internal/proto"
)

// inboundToCommand decodes a client frame. The returned reply channel is
// where a decoding error should be reported.
func inboundToCommand(inbound proto.Inbound) (*core.Command, core.EventKind, error) {
	switch inbound.Type {
	case proto.InboundTypeCreateRoom:
		var data proto.CreateRoomData
		if err := decodeData(inbound.Data, &data); err != nil {
			return nil, core.EventRoomsUpdated, err
		}
		return &core.Command{Kind: core.CommandCreateRoom, Title: data.Title}, "", nil
	case proto.InboundTypeJoin:
		var data proto.JoinData
		if err := decodeData(inbound.Data, &data); err != nil {
			return nil, core.EventUsersList, err
		}
		return &core.Command{Kind: core.CommandJoinRoom, RoomID: data.RoomID}, "", nil
	case proto.InboundTypeNewMessage:
		var data proto.NewMessageData
		if err := decodeData(inbound.Data, &data); err != nil {
			return nil, core.EventMessage, err
		}
		return &core.Command{
			Kind:     core.CommandSendRoomMessage,
			RoomID:   data.RoomID,
			Content:  data.Message.Content,
			Username: data.Message.Username,
		}, "", nil
	case proto.InboundTypeLeave:
		return &core.Command{Kind: core.CommandLeaveRoom}, "", nil
	default:
		return nil, "", fmt.Errorf("%w: unknown message type %q", core.ErrBadRequest, inbound.Type)
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: data is required", core.ErrBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed data", core.ErrBadRequest)
	}
	return nil
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventRoomsUpdated:
		var data proto.RoomSummary
		if event.Room != nil {
			data = roomSummary(*event.Room)
		}
		return eventOutbound(event.Kind, data)
	case core.EventBacklog:
		return eventOutbound(event.Kind, proto.EventBacklog{
			RoomID:   event.RoomID,
			Messages: lo.Map(event.Messages, func(m core.Message, _ int) proto.EventMessage { return messagePayload(m) }),
		})
	case core.EventUsersList:
		return eventOutbound(event.Kind, proto.EventUsersList{
			RoomID: event.RoomID,
			Users:  roomMembers(event.Members),
		})
	case core.EventUserOnline:
		return eventOutbound(event.Kind, proto.EventUserOnline{
			RoomID:   event.RoomID,
			UserID:   event.UserID,
			Username: event.Username,
		})
	case core.EventMessage:
		var data proto.EventMessage
		if event.Message != nil {
			data = messagePayload(*event.Message)
		}
		return eventOutbound(event.Kind, data)
	case core.EventUserRemoved:
		return eventOutbound(event.Kind, proto.EventUserRemoved{
			RoomID:   event.RoomID,
			UserID:   event.UserID,
			Username: event.Username,
		})
	case core.EventError:
		out := proto.Outbound{Type: proto.OutboundTypeError, Event: string(event.ReplyTo)}
		if event.Error == nil {
			out.Error = &proto.Error{Code: core.ErrCodeInternal, Msg: "unknown error"}
			return out
		}
		out.Error = &proto.Error{Code: event.Error.Code, Msg: event.Error.Message}
		return out
	default:
		return proto.Outbound{Type: proto.OutboundTypeEvent, Event: string(event.Kind)}
	}
}

func eventOutbound(kind core.EventKind, data any) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeEvent, Event: string(kind), Data: data}
}

func messagePayload(m core.Message) proto.EventMessage {
	return proto.EventMessage{
		ID:       m.ID,
		RoomID:   m.RoomID,
		UserID:   m.UserID,
		Username: m.Username,
		Content:  m.Content,
		TS:       m.CreatedAt.Unix(),
	}
}

func roomMembers(members []core.Member) []proto.RoomMember {
	return lo.Map(members, func(m core.Member, _ int) proto.RoomMember {
		return proto.RoomMember{
			UserID:      m.UserID,
			Username:    m.Username,
			Role:        string(m.Role),
			Connections: m.Connections,
		}
	})
}

func roomSummary(r core.Room) proto.RoomSummary {
	return proto.RoomSummary{
		ID:        r.ID,
		Title:     r.Title,
		AdminID:   r.AdminID,
		CreatedAt: r.CreatedAt.Unix(),
		Members:   roomMembers(r.Members),
	}
}
