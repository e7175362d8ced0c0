// Package event defines the typed events the client core publishes to its
// consumers. Every event is a plain value; consumers receive them in the
// order the connection produced them.
package event

import "github.com/aeolun/chatcore/pkg/model"

// Status is the coarse connection status surfaced to consumers.
type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusOnline
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is implemented by every event type. Kind is a stable short name,
// also used as a metrics label.
type Event interface {
	Kind() string
}

// StatusChanged reports a connection status transition.
type StatusChanged struct {
	Status Status
	Err    error
}

// Online is published once per connection attempt, when the stream is
// authenticated and the resource is bound.
type Online struct {
	JID string
}

// Disconnected is published when an established or pending connection ends.
// Replaced is set when the server closed the stream because another session
// took over; no reconnect follows in that case.
type Disconnected struct {
	Err      error
	Replaced bool
}

// ChatMessage carries an inbound chat message, either real-time or from the
// archive (Message.History).
type ChatMessage struct {
	Message model.Message
}

// Composing reports the current set of occupants typing in a room.
type Composing struct {
	Room   string
	Names  []string
	Active bool
}

// Reaction reports the reactions one occupant placed on a message.
type Reaction struct {
	Room      string
	MessageID string
	From      string
	Reactions []string
	History   bool
}

// Edit reports a correction of an earlier message. ID is the correction's
// own id, MessageID the message it corrects.
type Edit struct {
	Room      string
	ID        string
	MessageID string
	From      string
	Body      string
	History   bool
}

// Delete reports the retraction of an earlier message.
type Delete struct {
	Room      string
	MessageID string
	From      string
	History   bool
}

// RoomKick reports that an occupant was removed from a room.
type RoomKick struct {
	Room   string
	Nick   string
	Reason string
	Ban    bool
	Self   bool
}

// Invite reports an invitation to join a room.
type Invite struct {
	Room     string
	From     string
	Reason   string
	Password string
}

// HistoryComplete reports the end of one archive page for a room.
type HistoryComplete struct {
	Room     string
	QueryID  string
	Complete bool
	Count    int
	First    string
	Last     string
}

// RoomPresence reports an occupant's presence in a room, including the
// server's acknowledgement of our own.
type RoomPresence struct {
	Room        string
	Nick        string
	Role        string
	Affiliation string
	Available   bool
	Self        bool
}

// RoomList carries the result of a room listing request.
type RoomList struct {
	Rooms []model.Room
}

// RoomInfo carries the result of a room information request.
type RoomInfo struct {
	Room model.Room
}

// DeliveryError reports a message the server bounced.
type DeliveryError struct {
	Room      string
	MessageID string
	Condition string
	Text      string
}

func (StatusChanged) Kind() string   { return "status_changed" }
func (Online) Kind() string          { return "online" }
func (Disconnected) Kind() string    { return "disconnected" }
func (ChatMessage) Kind() string     { return "chat_message" }
func (Composing) Kind() string       { return "composing" }
func (Reaction) Kind() string        { return "reaction" }
func (Edit) Kind() string            { return "edit" }
func (Delete) Kind() string          { return "delete" }
func (RoomKick) Kind() string        { return "room_kick" }
func (Invite) Kind() string          { return "invite" }
func (HistoryComplete) Kind() string { return "history_complete" }
func (RoomPresence) Kind() string    { return "room_presence" }
func (RoomList) Kind() string        { return "room_list" }
func (RoomInfo) Kind() string        { return "room_info" }
func (DeliveryError) Kind() string   { return "delivery_error" }
