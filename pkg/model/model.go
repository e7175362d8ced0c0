// Package model holds the chat records exchanged between the protocol core,
// the persistence collaborator and consumers.
package model

import (
	"sort"
	"time"
)

// Media is the post-upload metadata of a media message. The upload itself is
// performed elsewhere; only its result travels over XMPP.
type Media struct {
	URL        string
	PreviewURL string
	FileName   string
	MimeType   string
	Size       int64
	Duration   string
	Width      int
	Height     int
}

// Message is one chat message as seen by consumers. Optional fields are left
// zero when absent on the wire.
type Message struct {
	ID        string
	RoomJID   string
	From      string // full occupant JID (room@conference/nick)
	Nick      string
	Body      string
	Timestamp time.Time
	Type      string

	History bool
	// Edited is set once a correction replaced Body; ReplaceID is the id
	// of the latest such correction.
	Edited    bool
	ReplaceID string
	Media     *Media

	// Data carries the attributes of the vendor <data> element
	// (sender name, avatar and similar display hints).
	Data map[string]string
}

// DisplayName prefers the sender name from vendor data, falling back to the
// occupant nick.
func (m Message) DisplayName() string {
	if m.Data != nil {
		if name := m.Data["fullName"]; name != "" {
			return name
		}
		first, last := m.Data["senderFirstName"], m.Data["senderLastName"]
		if first != "" || last != "" {
			if first != "" && last != "" {
				return first + " " + last
			}
			return first + last
		}
	}
	return m.Nick
}

// Room describes a multi-user chat room.
type Room struct {
	JID         string
	Name        string
	Description string
	Occupants   int
	Members     int
}

// SortByTimestamp orders messages oldest first, breaking ties by id so the
// order is stable across loads.
func SortByTimestamp(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// ApplyEdit replaces the body of the message with id target in place and
// returns the updated message. It reports false when target is not in msgs.
func ApplyEdit(msgs []Message, target, correctionID, body string) (Message, bool) {
	for i := range msgs {
		if msgs[i].ID != target {
			continue
		}
		msgs[i].Body = body
		msgs[i].Edited = true
		msgs[i].ReplaceID = correctionID
		return msgs[i], true
	}
	return Message{}, false
}

// MergeWindow merges incoming messages into existing ones by id, keeps the
// newest window messages and returns them oldest first. A window of zero or
// less keeps everything.
func MergeWindow(existing, incoming []Message, window int) []Message {
	byID := make(map[string]int, len(existing)+len(incoming))
	merged := make([]Message, 0, len(existing)+len(incoming))
	for _, list := range [][]Message{existing, incoming} {
		for _, m := range list {
			if i, ok := byID[m.ID]; ok {
				merged[i] = m
				continue
			}
			byID[m.ID] = len(merged)
			merged = append(merged, m)
		}
	}
	SortByTimestamp(merged)
	if window > 0 && len(merged) > window {
		merged = merged[len(merged)-window:]
	}
	return merged
}
