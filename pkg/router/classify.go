package router

import (
	"strings"

	"mellium.im/xmpp/jid"

	"github.com/aeolun/chatcore/pkg/history"
	"github.com/aeolun/chatcore/pkg/stanza"
)

// Kind is one inbound stanza category. A stanza may belong to several.
type Kind uint32

const (
	KindError Kind = 1 << iota
	KindReaction
	KindReactionHistory
	KindDelete
	KindEdit
	KindInvite
	KindRealtimeMessage
	KindHistoryMessage
	KindComposing
	KindPresenceInRoom
	KindRoomKick
	KindRoomList
	KindRoomInfo
	KindHistoryFin
)

var kindNames = map[Kind]string{
	KindError:           "error",
	KindReaction:        "reaction",
	KindReactionHistory: "reaction_history",
	KindDelete:          "delete",
	KindEdit:            "edit",
	KindInvite:          "invite",
	KindRealtimeMessage: "realtime_message",
	KindHistoryMessage:  "history_message",
	KindComposing:       "composing",
	KindPresenceInRoom:  "presence_in_room",
	KindRoomKick:        "room_kick",
	KindRoomList:        "room_list",
	KindRoomInfo:        "room_info",
	KindHistoryFin:      "history_fin",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	var parts []string
	for bit := KindError; bit <= KindHistoryFin; bit <<= 1 {
		if k&bit != 0 {
			parts = append(parts, kindNames[bit])
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of o is set in k.
func (k Kind) Has(o Kind) bool { return k&o == o }

// dispatchOrder is the fixed handler order per top-level stanza name.
var dispatchOrder = map[string][]Kind{
	"message": {
		KindError,
		KindReaction,
		KindReactionHistory,
		KindDelete,
		KindEdit,
		KindInvite,
		KindRealtimeMessage,
		KindHistoryMessage,
		KindComposing,
		KindPresenceInRoom,
	},
	"presence": {
		KindRoomKick,
		KindPresenceInRoom,
	},
	"iq": {
		KindRoomList,
		KindRealtimeMessage,
		KindPresenceInRoom,
		KindRoomInfo,
		KindHistoryFin,
	},
}

// Id markers shared by our outbound stanzas and the server's replies.
const (
	IDReaction       = "message-reaction"
	IDDelete         = "deleteMessageStanza"
	IDPresenceInRoom = "presenceInRoom"
	IDRooms          = "getUserRooms"
	IDRoomInfo       = "roomInfo"
)

var chatStates = []string{"composing", "paused", "active", "inactive", "gone"}

// Classified is the result of the single classification pass.
type Classified struct {
	Stanza *stanza.Stanza
	Kinds  Kind

	// Room and Nick come from the sender of the payload.
	Room string
	Nick string

	// Payload is the message the content handlers read: the stanza itself,
	// the unwrapped archive message, or a message carried inside an iq.
	Payload *stanza.Stanza
	Archive history.Item
	MAM     bool

	// Status holds the MUC status codes of a presence.
	Status map[string]bool
}

// Classify computes every Kind a stanza belongs to. Stanza shape and id
// conventions are only inspected here.
func Classify(s *stanza.Stanza) Classified {
	c := Classified{Stanza: s, Payload: s}
	if s == nil {
		return c
	}

	switch s.Name {
	case "message":
		classifyMessage(&c)
	case "presence":
		classifyPresence(&c)
	case "iq":
		classifyIQ(&c)
	}
	return c
}

func classifyMessage(c *Classified) {
	s := c.Stanza
	if item, ok := history.Unwrap(s); ok {
		c.MAM = true
		c.Archive = item
		c.Payload = item.Payload
	}
	c.Room, c.Nick = splitJID(c.Payload.Attr("from"))
	if c.Room == "" {
		c.Room, _ = splitJID(s.Attr("from"))
	}

	p := c.Payload
	if s.Attr("type") == stanza.TypeError {
		c.Kinds |= KindError
	}

	reactions := p.Child("reactions") != nil || s.IDContains(IDReaction)
	deletes := p.Child("delete") != nil || p.IDContains(IDDelete)
	edits := p.Child("replace") != nil

	switch {
	case reactions && c.MAM:
		c.Kinds |= KindReactionHistory
	case reactions:
		c.Kinds |= KindReaction
	}
	if deletes {
		c.Kinds |= KindDelete
	}
	if edits {
		c.Kinds |= KindEdit
	}
	if !c.MAM && (s.Child("x", stanza.NSConference) != nil || s.Child("x", stanza.NSMUCUser).Child("invite") != nil) {
		c.Kinds |= KindInvite
	}

	plain := p.ChildText("body") != "" && !reactions && !deletes && !edits && c.Kinds&KindError == 0
	switch {
	case plain && c.MAM:
		c.Kinds |= KindHistoryMessage
	case plain:
		c.Kinds |= KindRealtimeMessage
	}

	if !c.MAM && chatState(p) != "" {
		c.Kinds |= KindComposing
	}
	if s.IDContains(IDPresenceInRoom) {
		c.Kinds |= KindPresenceInRoom
	}
}

func classifyPresence(c *Classified) {
	s := c.Stanza
	c.Room, c.Nick = splitJID(s.Attr("from"))

	muc := s.Child("x", stanza.NSMUCUser)
	c.Status = make(map[string]bool)
	for _, st := range muc.ChildrenNamed("status") {
		c.Status[st.Attr("code")] = true
	}

	if s.Attr("type") == stanza.TypeUnavailable && (c.Status["307"] || c.Status["301"]) {
		c.Kinds |= KindRoomKick
	}
	if muc != nil || s.IDContains(IDPresenceInRoom) {
		c.Kinds |= KindPresenceInRoom
	}
}

func classifyIQ(c *Classified) {
	s := c.Stanza
	c.Room, c.Nick = splitJID(s.Attr("from"))
	typ := s.Attr("type")

	if typ == stanza.TypeResult && (s.IDContains(IDRooms) || s.Child("query", stanza.NSVendorRooms) != nil) {
		c.Kinds |= KindRoomList
	}
	if inner := s.Child("message"); inner != nil && inner.ChildText("body") != "" {
		c.Payload = inner
		if room, nick := splitJID(inner.Attr("from")); room != "" {
			c.Room, c.Nick = room, nick
		}
		c.Kinds |= KindRealtimeMessage
	}
	if s.IDContains(IDPresenceInRoom) {
		c.Kinds |= KindPresenceInRoom
	}
	if typ == stanza.TypeResult && (s.IDContains(IDRoomInfo) || s.Child("query", stanza.NSDiscoInfo) != nil) {
		c.Kinds |= KindRoomInfo
	}
	if history.IsQueryID(s.Attr("id")) && (typ == stanza.TypeResult || typ == stanza.TypeError) {
		c.Kinds |= KindHistoryFin
	}
}

func chatState(p *stanza.Stanza) string {
	for _, name := range chatStates {
		if p.Child(name, stanza.NSChatStates) != nil {
			return name
		}
	}
	return ""
}

// splitJID returns the bare JID and the resource of addr.
func splitJID(addr string) (bare, resource string) {
	if addr == "" {
		return "", ""
	}
	if j, err := jid.Parse(addr); err == nil {
		return j.Bare().String(), j.Resourcepart()
	}
	bare, resource, _ = strings.Cut(addr, "/")
	return bare, resource
}
