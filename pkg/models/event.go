package models

import "time"

// EventKind identifies the concrete type of a channel event.
type EventKind string

const (
	EventMessage EventKind = "new_task_message"
	EventTyping  EventKind = "user_typing"
	EventJoined  EventKind = "user_joined_chat"
	EventLeft    EventKind = "user_left_chat"
	EventError   EventKind = "error"
	EventRoomAck EventKind = "room_ack"
	EventStatus  EventKind = "status"
)

// Event is the typed union of everything a transport channel can deliver.
// Handlers switch on the concrete type rather than on string event names.
type Event interface {
	Kind() EventKind
}

// MessageEvent carries a message pushed into the room.
type MessageEvent struct {
	Message Message
}

func (MessageEvent) Kind() EventKind { return EventMessage }

// TypingEvent signals that a user started or stopped typing.
type TypingEvent struct {
	TaskID   int64
	UserID   int64
	Username string
	Typing   bool
}

func (TypingEvent) Kind() EventKind { return EventTyping }

// PresenceEvent signals a user joining or leaving the chat room.
type PresenceEvent struct {
	TaskID   int64
	UserID   int64
	Username string
	FullName string
	Joined   bool
	At       time.Time
}

func (e PresenceEvent) Kind() EventKind {
	if e.Joined {
		return EventJoined
	}
	return EventLeft
}

// ErrorEvent carries a server-side error pushed over the channel.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) Kind() EventKind { return EventError }

// RoomAckEvent is the server's acknowledgment of a join or leave request
// (joined_task_chat / left_task_chat on the wire).
type RoomAckEvent struct {
	TaskID    int64
	TaskTitle string
	Room      string
	Joined    bool
}

func (RoomAckEvent) Kind() EventKind { return EventRoomAck }

// StatusEvent reports a transport connection state change.
type StatusEvent struct {
	Connected bool
	Err       string
}

func (StatusEvent) Kind() EventKind { return EventStatus }
