package client

import (
	"sort"
	"strconv"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/aeolun/chatcore/pkg/history"
	"github.com/aeolun/chatcore/pkg/model"
	"github.com/aeolun/chatcore/pkg/router"
	"github.com/aeolun/chatcore/pkg/stanza"
)

// markedID returns a fresh stanza id carrying a routing marker. The
// generated part starts with a millisecond timestamp.
func markedID(marker string, now time.Time) string {
	return marker + ":" + history.GenerateID(now)
}

// dataElement builds the vendor <data> element, attributes sorted by name.
func dataElement(data map[string]string) *stanza.Stanza {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k != "xmlns" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	el := stanza.New("data", stanza.A("xmlns", stanza.NSVendorData))
	for _, k := range keys {
		el.SetAttr(k, data[k])
	}
	return el
}

func joinPresence(room, nick string, now time.Time) *stanza.Stanza {
	return stanza.Presence(room+"/"+nick, markedID(router.IDPresenceInRoom, now)).Append(
		stanza.New("x", stanza.A("xmlns", stanza.NSMUC)).
			Append(stanza.New("history", stanza.A("maxstanzas", "0"))),
	)
}

// send queues a stanza built at send time and returns its id.
func (c *Client) send(id string, build func() *stanza.Stanza) (string, error) {
	var err error
	phony.Block(c, func() { err = c._enqueue(pending{id: id, build: build}) })
	if err != nil {
		return "", err
	}
	return id, nil
}

// SendText queues a groupchat message to room. data, when not empty, is
// carried as vendor attributes.
func (c *Client) SendText(room, body string, data map[string]string) (string, error) {
	if room == "" || body == "" {
		return "", ErrInvalidStanza
	}
	id := history.GenerateID(c.now())
	return c.send(id, func() *stanza.Stanza {
		msg := stanza.Message(stanza.TypeGroupchat, room, id).Append(stanza.Text("body", body))
		if len(data) > 0 {
			msg.Append(dataElement(data))
		}
		return msg
	})
}

// SendMedia queues a message announcing an uploaded file. The body carries
// the file URL for clients that ignore the metadata.
func (c *Client) SendMedia(room string, media model.Media, data map[string]string) (string, error) {
	if room == "" || media.URL == "" {
		return "", ErrInvalidStanza
	}
	attrs := make(map[string]string, len(data)+9)
	for k, v := range data {
		attrs[k] = v
	}
	attrs["isMediafile"] = "true"
	attrs["location"] = media.URL
	setIf := func(k, v string) {
		if v != "" && v != "0" {
			attrs[k] = v
		}
	}
	setIf("locationPreview", media.PreviewURL)
	setIf("originalName", media.FileName)
	setIf("mimetype", media.MimeType)
	setIf("size", strconv.FormatInt(media.Size, 10))
	setIf("duration", media.Duration)
	setIf("width", strconv.Itoa(media.Width))
	setIf("height", strconv.Itoa(media.Height))

	id := history.GenerateID(c.now())
	return c.send(id, func() *stanza.Stanza {
		return stanza.Message(stanza.TypeGroupchat, room, id).
			Append(stanza.Text("body", media.URL), dataElement(attrs))
	})
}

// DeleteMessage asks the room to retract the message with target id.
func (c *Client) DeleteMessage(room, target string) (string, error) {
	if room == "" || target == "" {
		return "", ErrInvalidStanza
	}
	id := markedID(router.IDDelete, c.now())
	return c.send(id, func() *stanza.Stanza {
		return stanza.Message(stanza.TypeGroupchat, room, id).
			Append(stanza.New("delete", stanza.A("id", target)))
	})
}

// EditMessage replaces the body of the message with target id.
func (c *Client) EditMessage(room, target, body string) (string, error) {
	if room == "" || target == "" || body == "" {
		return "", ErrInvalidStanza
	}
	id := history.GenerateID(c.now())
	return c.send(id, func() *stanza.Stanza {
		return stanza.Message(stanza.TypeGroupchat, room, id).Append(
			stanza.Text("body", body),
			stanza.New("replace", stanza.A("id", target), stanza.A("xmlns", stanza.NSCorrect)),
		)
	})
}

// SendReaction sets our reactions on the message with target id. An empty
// list clears them.
func (c *Client) SendReaction(room, target string, emoji ...string) (string, error) {
	if room == "" || target == "" {
		return "", ErrInvalidStanza
	}
	id := markedID(router.IDReaction, c.now())
	return c.send(id, func() *stanza.Stanza {
		reactions := stanza.New("reactions", stanza.A("id", target), stanza.A("xmlns", stanza.NSReactions))
		for _, e := range emoji {
			reactions.Append(stanza.Text("reaction", e))
		}
		return stanza.Message(stanza.TypeGroupchat, room, id).Append(reactions)
	})
}

// SendTyping sends a composing or paused chat state.
func (c *Client) SendTyping(room string, composing bool) (string, error) {
	if room == "" {
		return "", ErrInvalidStanza
	}
	state := "paused"
	if composing {
		state = "composing"
	}
	id := history.GenerateID(c.now())
	return c.send(id, func() *stanza.Stanza {
		return stanza.Message(stanza.TypeGroupchat, room, id).
			Append(stanza.New(state, stanza.A("xmlns", stanza.NSChatStates)))
	})
}

// SendPresenceInRoom joins room as nick. The room is rejoined after every
// reconnect until LeaveRoom, and its history cursor is seeded from the
// store.
func (c *Client) SendPresenceInRoom(room, nick string) (string, error) {
	if room == "" || nick == "" {
		return "", ErrInvalidStanza
	}
	var (
		id  string
		err error
	)
	phony.Block(c, func() {
		s := joinPresence(room, nick, c.now())
		id = s.Attr("id")
		if err = c._enqueue(pending{id: id, build: func() *stanza.Stanza { return s }}); err != nil {
			return
		}
		c.rooms[room] = nick
		c.router.Joining(room, nick)
		c._seed(room)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// LeaveRoom sends unavailable presence to room and stops rejoining it.
func (c *Client) LeaveRoom(room string) (string, error) {
	var (
		id  string
		err error
	)
	phony.Block(c, func() {
		nick, ok := c.rooms[room]
		if !ok {
			err = ErrInvalidStanza
			return
		}
		id = history.GenerateID(c.now())
		s := stanza.Presence(room+"/"+nick, id).SetAttr("type", stanza.TypeUnavailable)
		if err = c._enqueue(pending{id: id, build: func() *stanza.Stanza { return s }}); err != nil {
			return
		}
		delete(c.rooms, room)
		c.router.Left(room)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RequestRooms asks the server for the rooms the account belongs to. The
// answer arrives as a RoomList event.
func (c *Client) RequestRooms() (string, error) {
	id := markedID(router.IDRooms, c.now())
	return c.send(id, func() *stanza.Stanza {
		return stanza.IQ(stanza.TypeGet, c.cfg.Host, id).
			Append(stanza.New("query", stanza.A("xmlns", stanza.NSVendorRooms)))
	})
}

// RequestRoomInfo asks room for its disco#info. The answer arrives as a
// RoomInfo event.
func (c *Client) RequestRoomInfo(room string) (string, error) {
	if room == "" {
		return "", ErrInvalidStanza
	}
	id := markedID(router.IDRoomInfo, c.now())
	return c.send(id, func() *stanza.Stanza {
		return stanza.IQ(stanza.TypeGet, room, id).
			Append(stanza.New("query", stanza.A("xmlns", stanza.NSDiscoInfo)))
	})
}

// TrackRooms starts history tracking for rooms without joining them.
func (c *Client) TrackRooms(rooms ...string) {
	c.Act(nil, func() {
		for _, room := range rooms {
			if room != "" {
				c._seed(room)
			}
		}
	})
}

// _seed creates the cursor of room and, off the actor, counts what the
// store already holds for it.
func (c *Client) _seed(room string) {
	c.cursors.Seed(room, 0, "")
	if c.store == nil {
		return
	}
	go func() {
		msgs, err := c.store.LoadMessages(room)
		if err != nil {
			c.log.WithError(err).WithField("room", room).Warn("Failed to load cached messages")
			return
		}
		if len(msgs) == 0 {
			return
		}
		oldest := msgs[0].ID
		c.Act(nil, func() {
			c.cursors.Seed(room, len(msgs), oldest)
			c.log.WithFields(logrus.Fields{"room": room, "cached": len(msgs)}).Debug("Seeded history cursor")
		})
	}()
}
