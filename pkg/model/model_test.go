package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func msgAt(id string, ms int64) Message {
	return Message{ID: id, Timestamp: time.UnixMilli(ms)}
}

func TestMergeWindowDedupesAndCaps(t *testing.T) {
	existing := []Message{msgAt("a", 1), msgAt("b", 2), msgAt("c", 3)}
	updatedB := msgAt("b", 2)
	updatedB.Body = "edited"
	incoming := []Message{msgAt("d", 4), updatedB, msgAt("e", 0)}

	got := MergeWindow(existing, incoming, 4)

	ids := make([]string, len(got))
	for i, m := range got {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Equal(t, "edited", got[1].Body)
}

func TestMergeWindowUnbounded(t *testing.T) {
	got := MergeWindow(nil, []Message{msgAt("x", 2), msgAt("y", 1)}, 0)
	assert.Equal(t, "y", got[0].ID)
	assert.Len(t, got, 2)
}

func TestApplyEdit(t *testing.T) {
	msgs := []Message{{ID: "a", Body: "one"}, {ID: "b", Body: "twoo"}}

	got, ok := ApplyEdit(msgs, "b", "fix-1", "two")
	assert.True(t, ok)
	assert.Equal(t, Message{ID: "b", Body: "two", Edited: true, ReplaceID: "fix-1"}, got)
	assert.Equal(t, got, msgs[1])
	assert.False(t, msgs[0].Edited)

	_, ok = ApplyEdit(msgs, "missing", "fix-2", "x")
	assert.False(t, ok)
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"nick only", Message{Nick: "alice"}, "alice"},
		{"full name wins", Message{Nick: "alice", Data: map[string]string{"fullName": "Alice A"}}, "Alice A"},
		{"first and last", Message{Nick: "bob", Data: map[string]string{"senderFirstName": "Bob", "senderLastName": "B"}}, "Bob B"},
		{"first only", Message{Data: map[string]string{"senderFirstName": "Cy"}}, "Cy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.DisplayName())
		})
	}
}
