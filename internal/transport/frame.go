package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskhive/taskchat/pkg/models"
)

// Wire event names. These are the contract with the server; the rest of the
// client only sees the typed models.Event union.
const (
	eventJoinRoom    = "join_task_chat"
	eventLeaveRoom   = "leave_task_chat"
	eventSendMessage = "send_task_message"
	eventTypingStart = "typing_start"
	eventTypingStop  = "typing_stop"

	eventNewMessage = "new_task_message"
	eventUserTyping = "user_typing"
	eventUserJoined = "user_joined_chat"
	eventUserLeft   = "user_left_chat"
	eventJoinedAck  = "joined_task_chat"
	eventLeftAck    = "left_task_chat"
	eventError      = "error"
)

// frame is the JSON envelope for every websocket message in both directions.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

type joinPayload struct {
	TaskID int64  `json:"task_id"`
	Token  string `json:"token"`
}

type sendMessagePayload struct {
	TaskID        int64  `json:"task_id"`
	Content       string `json:"content"`
	Token         string `json:"token"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type typingPayload struct {
	TaskID int64  `json:"task_id"`
	Token  string `json:"token"`
}

type userTypingPayload struct {
	TaskID   int64  `json:"task_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Typing   bool   `json:"typing"`
}

type presencePayload struct {
	TaskID   int64  `json:"task_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
}

type roomAckPayload struct {
	TaskID    int64  `json:"task_id"`
	TaskTitle string `json:"task_title,omitempty"`
	Room      string `json:"room,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(frame{Event: event, Payload: raw})
}

// decodeEvent maps an inbound frame to a typed event. Unknown event names
// return (nil, nil): the server may add events old clients should ignore.
func decodeEvent(data []byte) (models.Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Event {
	case eventNewMessage:
		var msg models.Message
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return models.MessageEvent{Message: msg}, nil

	case eventUserTyping:
		var p userTypingPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return models.TypingEvent{
			TaskID:   p.TaskID,
			UserID:   p.UserID,
			Username: p.Username,
			Typing:   p.Typing,
		}, nil

	case eventUserJoined, eventUserLeft:
		var p presencePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return models.PresenceEvent{
			TaskID:   p.TaskID,
			UserID:   p.UserID,
			Username: p.Username,
			FullName: p.FullName,
			Joined:   f.Event == eventUserJoined,
			At:       time.Now(),
		}, nil

	case eventJoinedAck, eventLeftAck:
		var p roomAckPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return models.RoomAckEvent{
			TaskID:    p.TaskID,
			TaskTitle: p.TaskTitle,
			Room:      p.Room,
			Joined:    f.Event == eventJoinedAck,
		}, nil

	case eventError:
		var p errorPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return models.ErrorEvent{Message: p.Message}, nil

	default:
		return nil, nil
	}
}
