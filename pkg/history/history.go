// Package history implements the Message Archive Management side of the
// client: query construction, unwrapping of archived messages, stable message
// identity and the per-room cursors the batch loader reads.
package history

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/chatcore/pkg/stanza"
)

// QueryPrefix marks the ids of archive queries so their results can be
// recognised.
const QueryPrefix = "get-history"

// stanzaIDLength is the number of trailing characters kept from a long
// <stanza-id>.
const stanzaIDLength = 16

var (
	ErrHistoryQueryFailed = errors.New("history: query failed")
	ErrHistoryComplete    = errors.New("history: room history is complete")
)

var timestampRun = regexp.MustCompile(`[0-9]{13,}`)

// NewQueryID returns a fresh query id for the given time.
func NewQueryID(now time.Time) string {
	return fmt.Sprintf("%s:%d", QueryPrefix, now.UnixMilli())
}

// IsQueryID reports whether id belongs to an archive query.
func IsQueryID(id string) bool {
	return strings.Contains(id, QueryPrefix)
}

// BuildQuery builds a MAM query for room returning at most max messages
// older than the message with id before. An empty before asks for the most
// recent page; an empty id generates one.
func BuildQuery(room string, max int, before, id string) *stanza.Stanza {
	if id == "" {
		id = NewQueryID(time.Now())
	}
	set := stanza.New("set", stanza.A("xmlns", stanza.NSRSM)).
		Append(stanza.Text("max", strconv.Itoa(max)))
	// an empty <before/> asks for the last page
	set.Append(stanza.New("before").SetText(before))

	return stanza.IQ(stanza.TypeSet, room, id).Append(
		stanza.New("query", stanza.A("xmlns", stanza.NSMAM)).Append(set),
	)
}

// Item is one archived message after unwrapping.
type Item struct {
	// Payload is the innermost forwarded message.
	Payload *stanza.Stanza
	// ResultID is the archive id from <result id>.
	ResultID string
	// QueryID is the query the result answers.
	QueryID string
}

// Unwrap extracts the archived payload from a MAM result message. It reports
// false when msg is not an archive result.
func Unwrap(msg *stanza.Stanza) (Item, bool) {
	result := msg.Child("result", stanza.NSMAM)
	if result == nil {
		return Item{}, false
	}
	item := Item{
		ResultID: result.Attr("id"),
		QueryID:  result.Attr("queryid"),
	}
	payload := result.Child("forwarded").Child("message")
	if payload == nil {
		return Item{}, false
	}
	// archives of archives happen when a room replays a forwarded result
	for {
		inner, ok := Unwrap(payload)
		if !ok {
			break
		}
		if item.ResultID == "" {
			item.ResultID = inner.ResultID
		}
		payload = inner.Payload
	}
	item.Payload = payload
	return item, true
}

// StableID picks the identity of a message: the archive result id, then the
// server-assigned <stanza-id> (last 16 characters), then the stanza id, then
// a generated id that still carries a millisecond timestamp.
func StableID(resultID string, payload *stanza.Stanza) string {
	if resultID != "" {
		return resultID
	}
	if sid := payload.Child("stanza-id").Attr("id"); sid != "" {
		if len(sid) > stanzaIDLength {
			sid = sid[len(sid)-stanzaIDLength:]
		}
		return sid
	}
	if id := payload.Attr("id"); id != "" {
		return id
	}
	return GenerateID(time.Now())
}

// GenerateID returns a unique id prefixed with the millisecond timestamp.
func GenerateID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
}

// TimestampFromID reads the first run of 13 or more digits in id as a
// millisecond Unix time. Longer runs use their leading 13 digits. Without
// such a run it returns now.
func TimestampFromID(id string, now time.Time) time.Time {
	run := timestampRun.FindString(id)
	if run == "" {
		return now
	}
	ms, err := strconv.ParseInt(run[:13], 10, 64)
	if err != nil {
		return now
	}
	return time.UnixMilli(ms)
}

// Fin is the completion marker of one archive query.
type Fin struct {
	QueryID  string
	Complete bool
	Count    int
	First    string
	Last     string
}

// ParseFin reads the <fin> of an archive query result. A result without
// <fin> or without its RSM <set> yields ErrHistoryQueryFailed.
func ParseFin(iq *stanza.Stanza) (Fin, error) {
	if iq.Attr("type") == stanza.TypeError {
		return Fin{}, fmt.Errorf("%w: query %s rejected", ErrHistoryQueryFailed, iq.Attr("id"))
	}
	fin := iq.Child("fin")
	if fin == nil {
		return Fin{}, fmt.Errorf("%w: no <fin> in %s", ErrHistoryQueryFailed, iq.Attr("id"))
	}
	set := fin.Child("set")
	if set == nil {
		return Fin{}, fmt.Errorf("%w: no <set> in %s", ErrHistoryQueryFailed, iq.Attr("id"))
	}

	f := Fin{
		QueryID:  iq.Attr("id"),
		Complete: truthy(fin.Attr("complete")),
		First:    strings.TrimSpace(set.ChildText("first")),
		Last:     strings.TrimSpace(set.ChildText("last")),
	}
	if count := strings.TrimSpace(set.ChildText("count")); count != "" {
		n, err := strconv.Atoi(count)
		if err != nil {
			return Fin{}, fmt.Errorf("%w: bad count %q", ErrHistoryQueryFailed, count)
		}
		f.Count = n
	}
	return f, nil
}

func truthy(v string) bool {
	return v == "true" || v == "1"
}
