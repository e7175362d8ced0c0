// Package router turns inbound stanzas into typed events.
//
// Each stanza is classified once (see Classify) and then handed to every
// matching handler in a fixed per-type order. Several handlers may fire for
// the same stanza. Handlers only read the stanza, update router-local
// tracking and the room cursors, and append events; they never block.
package router

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/chatcore/pkg/event"
	"github.com/aeolun/chatcore/pkg/history"
	"github.com/aeolun/chatcore/pkg/model"
	"github.com/aeolun/chatcore/pkg/stanza"
)

// Router dispatches inbound stanzas. It is owned by the connection and is
// not safe for concurrent use.
type Router struct {
	log     logrus.FieldLogger
	cursors *history.Cursors
	now     func() time.Time

	// nicks holds our own nick per room, joined the rooms whose presence the
	// server acknowledged.
	nicks  map[string]string
	joined map[string]bool
	typing map[string]map[string]bool

	queries map[string]string // history query id -> room
}

// New creates a Router writing history progress into cursors.
func New(cursors *history.Cursors, log logrus.FieldLogger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{
		log:     log.WithField("component", "router"),
		cursors: cursors,
		now:     time.Now,
		nicks:   make(map[string]string),
		joined:  make(map[string]bool),
		typing:  make(map[string]map[string]bool),
		queries: make(map[string]string),
	}
}

// Joining records the nick we use in room so our own presence and typing
// are recognised.
func (r *Router) Joining(room, nick string) {
	r.nicks[room] = nick
}

// Left forgets room.
func (r *Router) Left(room string) {
	delete(r.nicks, room)
	delete(r.joined, room)
	delete(r.typing, room)
}

// Joined reports whether the server acknowledged our presence in room.
func (r *Router) Joined(room string) bool {
	return r.joined[room]
}

// ExpectHistory maps a history query id to its room for results that do not
// carry a from address.
func (r *Router) ExpectHistory(queryID, room string) {
	r.queries[queryID] = room
}

// Reset clears per-connection tracking: presence acknowledgements, typing
// state and outstanding history queries. Nicks and cursors survive.
func (r *Router) Reset() {
	r.joined = make(map[string]bool)
	r.typing = make(map[string]map[string]bool)
	r.queries = make(map[string]string)
}

// Route classifies s and runs every matching handler. Headline messages are
// dropped before classification.
func (r *Router) Route(s *stanza.Stanza) (Kind, []event.Event) {
	if s == nil || s.Attr("type") == stanza.TypeHeadline {
		return 0, nil
	}

	c := Classify(s)
	var out []event.Event
	for _, k := range dispatchOrder[s.Name] {
		if c.Kinds&k == 0 {
			continue
		}
		out = r.dispatch(k, &c, out)
	}
	return c.Kinds, out
}

func (r *Router) dispatch(k Kind, c *Classified, out []event.Event) []event.Event {
	switch k {
	case KindError:
		return r.onError(c, out)
	case KindReaction, KindReactionHistory:
		return r.onReaction(c, out)
	case KindDelete:
		return r.onDelete(c, out)
	case KindEdit:
		return r.onEdit(c, out)
	case KindInvite:
		return r.onInvite(c, out)
	case KindRealtimeMessage, KindHistoryMessage:
		return r.onMessage(c, out)
	case KindComposing:
		return r.onComposing(c, out)
	case KindPresenceInRoom:
		return r.onPresenceInRoom(c, out)
	case KindRoomKick:
		return r.onRoomKick(c, out)
	case KindRoomList:
		return r.onRoomList(c, out)
	case KindRoomInfo:
		return r.onRoomInfo(c, out)
	case KindHistoryFin:
		return r.onHistoryFin(c, out)
	}
	r.log.WithField("kind", k).Warn("no handler for stanza kind")
	return out
}

func (r *Router) onError(c *Classified, out []event.Event) []event.Event {
	ev := event.DeliveryError{
		Room:      c.Room,
		MessageID: c.Stanza.Attr("id"),
	}
	if e := c.Stanza.Child("error"); e != nil {
		for _, cond := range e.Children {
			if cond.Name == "text" {
				ev.Text = cond.Text
			} else if ev.Condition == "" {
				ev.Condition = cond.Name
			}
		}
	}
	r.log.WithFields(logrus.Fields{"room": ev.Room, "id": ev.MessageID}).
		Warnf("message bounced: %s", ev.Condition)
	return append(out, ev)
}

func (r *Router) onReaction(c *Classified, out []event.Event) []event.Event {
	reactions := c.Payload.Child("reactions")
	if reactions == nil || reactions.Attr("id") == "" {
		r.log.WithField("id", c.Stanza.Attr("id")).Debug("reaction without target")
		return out
	}
	var emoji []string
	for _, rc := range reactions.ChildrenNamed("reaction") {
		if rc.Text != "" {
			emoji = append(emoji, rc.Text)
		}
	}
	return append(out, event.Reaction{
		Room:      c.Room,
		MessageID: reactions.Attr("id"),
		From:      c.Nick,
		Reactions: emoji,
		History:   c.MAM,
	})
}

func (r *Router) onDelete(c *Classified, out []event.Event) []event.Event {
	target := c.Payload.Child("delete").Attr("id")
	if target == "" {
		r.log.WithField("id", c.Payload.Attr("id")).Debug("delete without target")
		return out
	}
	return append(out, event.Delete{
		Room:      c.Room,
		MessageID: target,
		From:      c.Nick,
		History:   c.MAM,
	})
}

func (r *Router) onEdit(c *Classified, out []event.Event) []event.Event {
	target := c.Payload.Child("replace").Attr("id")
	if target == "" {
		return out
	}
	return append(out, event.Edit{
		Room:      c.Room,
		ID:        history.StableID(c.Archive.ResultID, c.Payload),
		MessageID: target,
		From:      c.Nick,
		Body:      c.Payload.ChildText("body"),
		History:   c.MAM,
	})
}

func (r *Router) onInvite(c *Classified, out []event.Event) []event.Event {
	s := c.Stanza
	if x := s.Child("x", stanza.NSConference); x != nil {
		from, _ := splitJID(s.Attr("from"))
		return append(out, event.Invite{
			Room:     x.Attr("jid"),
			From:     from,
			Reason:   x.Attr("reason"),
			Password: x.Attr("password"),
		})
	}
	x := s.Child("x", stanza.NSMUCUser)
	inv := x.Child("invite")
	from, _ := splitJID(inv.Attr("from"))
	return append(out, event.Invite{
		Room:     c.Room,
		From:     from,
		Reason:   inv.ChildText("reason"),
		Password: x.ChildText("password"),
	})
}

func (r *Router) onMessage(c *Classified, out []event.Event) []event.Event {
	msg := r.buildMessage(c)
	if c.MAM {
		r.cursors.AddLoaded(msg.RoomJID, 1, "")
	} else if r.stopTyping(msg.RoomJID, msg.Nick) {
		out = append(out, r.composingEvent(msg.RoomJID))
	}
	return append(out, event.ChatMessage{Message: msg})
}

func (r *Router) buildMessage(c *Classified) model.Message {
	p := c.Payload
	id := history.StableID(c.Archive.ResultID, p)
	msg := model.Message{
		ID:        id,
		RoomJID:   c.Room,
		From:      p.Attr("from"),
		Nick:      c.Nick,
		Body:      p.ChildText("body"),
		Timestamp: history.TimestampFromID(id, r.now()),
		Type:      p.Attr("type"),
		History:   c.MAM || p.Child("delay", stanza.NSDelay) != nil,
	}
	if data := p.Child("data"); data != nil {
		msg.Data = make(map[string]string, len(data.Attrs))
		for _, a := range data.Attrs {
			if a.Name != "xmlns" {
				msg.Data[a.Name] = a.Value
			}
		}
		if data.Attr("isMediafile") == "true" {
			msg.Media = mediaFromData(data)
		}
	}
	return msg
}

func mediaFromData(data *stanza.Stanza) *model.Media {
	size, _ := strconv.ParseInt(data.Attr("size"), 10, 64)
	width, _ := strconv.Atoi(data.Attr("width"))
	height, _ := strconv.Atoi(data.Attr("height"))
	return &model.Media{
		URL:        data.Attr("location"),
		PreviewURL: data.Attr("locationPreview"),
		FileName:   data.Attr("originalName"),
		MimeType:   data.Attr("mimetype"),
		Size:       size,
		Duration:   data.Attr("duration"),
		Width:      width,
		Height:     height,
	}
}

func (r *Router) onComposing(c *Classified, out []event.Event) []event.Event {
	if c.Room == "" || c.Nick == "" || c.Nick == r.nicks[c.Room] {
		return out
	}
	var changed bool
	if chatState(c.Payload) == "composing" {
		set := r.typing[c.Room]
		if set == nil {
			set = make(map[string]bool)
			r.typing[c.Room] = set
		}
		changed = !set[c.Nick]
		set[c.Nick] = true
	} else {
		changed = r.stopTyping(c.Room, c.Nick)
	}
	if !changed {
		return out
	}
	return append(out, r.composingEvent(c.Room))
}

func (r *Router) stopTyping(room, nick string) bool {
	set := r.typing[room]
	if !set[nick] {
		return false
	}
	delete(set, nick)
	return true
}

func (r *Router) composingEvent(room string) event.Composing {
	names := make([]string, 0, len(r.typing[room]))
	for nick := range r.typing[room] {
		names = append(names, nick)
	}
	sort.Strings(names)
	return event.Composing{Room: room, Names: names, Active: len(names) > 0}
}

func (r *Router) onPresenceInRoom(c *Classified, out []event.Event) []event.Event {
	s := c.Stanza
	typ := s.Attr("type")

	if s.Name != "presence" {
		// echo of our own room presence carried by another stanza type
		ok := typ != stanza.TypeError
		r.setJoined(c.Room, ok)
		return append(out, event.RoomPresence{
			Room:      c.Room,
			Nick:      r.nicks[c.Room],
			Available: ok,
			Self:      true,
		})
	}

	// servers do not agree on where <item> sits, so search by name
	item := s.Child("x", stanza.NSMUCUser).Find("item")
	available := typ != stanza.TypeUnavailable && typ != stanza.TypeError
	self := c.Status["110"] || s.IDContains(IDPresenceInRoom) ||
		(c.Nick != "" && c.Nick == r.nicks[c.Room])
	if self {
		r.setJoined(c.Room, available)
	}
	if !available {
		if r.stopTyping(c.Room, c.Nick) {
			out = append(out, r.composingEvent(c.Room))
		}
	}
	return append(out, event.RoomPresence{
		Room:        c.Room,
		Nick:        c.Nick,
		Role:        item.Attr("role"),
		Affiliation: item.Attr("affiliation"),
		Available:   available,
		Self:        self,
	})
}

func (r *Router) setJoined(room string, ok bool) {
	if room == "" {
		return
	}
	if ok {
		r.joined[room] = true
		return
	}
	delete(r.joined, room)
}

func (r *Router) onRoomKick(c *Classified, out []event.Event) []event.Event {
	item := c.Stanza.Child("x", stanza.NSMUCUser).Find("item")
	self := c.Status["110"] || (c.Nick != "" && c.Nick == r.nicks[c.Room])
	if self {
		r.setJoined(c.Room, false)
	}
	r.log.WithFields(logrus.Fields{"room": c.Room, "nick": c.Nick}).Info("occupant removed from room")
	return append(out, event.RoomKick{
		Room:   c.Room,
		Nick:   c.Nick,
		Reason: strings.TrimSpace(item.ChildText("reason")),
		Ban:    c.Status["301"],
		Self:   self,
	})
}

func (r *Router) onRoomList(c *Classified, out []event.Event) []event.Event {
	query := c.Stanza.Child("query")
	var rooms []model.Room
	for _, it := range query.Children {
		if it.Name != "room" && it.Name != "item" {
			continue
		}
		if it.Attr("jid") == "" {
			continue
		}
		occupants, _ := strconv.Atoi(it.Attr("occupants"))
		members, _ := strconv.Atoi(it.Attr("members"))
		rooms = append(rooms, model.Room{
			JID:         it.Attr("jid"),
			Name:        it.Attr("name"),
			Description: it.Attr("description"),
			Occupants:   occupants,
			Members:     members,
		})
	}
	return append(out, event.RoomList{Rooms: rooms})
}

func (r *Router) onRoomInfo(c *Classified, out []event.Event) []event.Event {
	query := c.Stanza.Child("query")
	room := model.Room{
		JID:  c.Room,
		Name: query.Child("identity").Attr("name"),
	}
	for _, field := range query.Child("x", stanza.NSDataForms).ChildrenNamed("field") {
		value := field.ChildText("value")
		switch field.Attr("var") {
		case "muc#roominfo_description":
			room.Description = value
		case "muc#roominfo_occupants":
			room.Occupants, _ = strconv.Atoi(value)
		case "muc#roominfo_members", "muc#roominfo_memberscount":
			room.Members, _ = strconv.Atoi(value)
		}
	}
	return append(out, event.RoomInfo{Room: room})
}

func (r *Router) onHistoryFin(c *Classified, out []event.Event) []event.Event {
	id := c.Stanza.Attr("id")
	room := c.Room
	if expected, ok := r.queries[id]; ok {
		room = expected
		delete(r.queries, id)
	}

	fin, err := history.ParseFin(c.Stanza)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"room": room, "id": id}).Warn("history query failed")
		return out
	}
	if room == "" {
		r.log.WithField("id", id).Warn("history result for unknown room")
		return out
	}

	cur := r.cursors.ApplyFin(room, fin)
	r.log.WithFields(logrus.Fields{
		"room":     room,
		"complete": cur.HistoryComplete,
		"count":    fin.Count,
	}).Debug("history page finished")

	return append(out, event.HistoryComplete{
		Room:     room,
		QueryID:  id,
		Complete: fin.Complete,
		Count:    fin.Count,
		First:    fin.First,
		Last:     fin.Last,
	})
}
