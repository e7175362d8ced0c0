// Package handshake negotiates an authenticated XMPP stream over a
// WebSocket text channel (RFC 7395).
//
// The Machine is a pure state machine: it consumes parsed stanzas and
// returns the stanzas to send in reply. It performs no I/O and is not safe
// for concurrent use; the connection owner serializes calls to it.
package handshake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/sasl"
	"mellium.im/xmpp/jid"

	"github.com/aeolun/chatcore/pkg/stanza"
)

// State is the negotiation progress of one connection attempt.
type State int

const (
	NotStarted State = iota
	StreamHeaderSent
	StreamFeaturesReceived
	SaslAuthSent
	SaslSuccess
	BindSent
	SessionSent
	Authenticated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case StreamHeaderSent:
		return "stream_header_sent"
	case StreamFeaturesReceived:
		return "stream_features_received"
	case SaslAuthSent:
		return "sasl_auth_sent"
	case SaslSuccess:
		return "sasl_success"
	case BindSent:
		return "bind_sent"
	case SessionSent:
		return "session_sent"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReplacedText is the stream error text servers use when another session
// for the same resource took over.
const ReplacedText = "Replaced by new connection"

var (
	ErrAuthenticationFailed = errors.New("handshake: authentication failed")
	ErrNegotiation          = errors.New("handshake: negotiation failed")
)

// StreamError is a <stream:error> received from the server.
type StreamError struct {
	Condition string
	Text      string
}

func (e *StreamError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("stream error %s: %s", e.Condition, e.Text)
	}
	return "stream error " + e.Condition
}

// Replaced reports whether the error signals a session takeover.
func (e *StreamError) Replaced() bool {
	return e.Condition == "conflict" && strings.Contains(e.Text, ReplacedText)
}

// Credentials identify the account and the resource to bind.
type Credentials struct {
	Username string
	Password string
	Resource string
}

// Result is the outcome of feeding one input to the Machine.
type Result struct {
	// Send holds the stanzas to write, in order.
	Send []*stanza.Stanza

	// Online is set exactly once, on the transition to Authenticated.
	Online bool
	JID    string

	// Replaced is set when the server ended the stream because another
	// session is now authoritative.
	Replaced bool
	// Closed is set when the server closed the stream.
	Closed bool
	// Err is a terminal failure of this attempt.
	Err error
}

// Machine drives stream negotiation for one connection attempt.
type Machine struct {
	host  string
	creds Credentials
	log   logrus.FieldLogger

	state       State
	streamID    string
	bindID      string
	sessionID   string
	jid         string
	transitions []State
}

// New creates a Machine for the given server host.
func New(host string, creds Credentials, log logrus.FieldLogger) *Machine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Machine{
		host:  host,
		creds: creds,
		log:   log.WithField("component", "handshake"),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// StreamID returns the id of the last stream header received.
func (m *Machine) StreamID() string { return m.streamID }

// JID returns the bound JID once Authenticated.
func (m *Machine) JID() string { return m.jid }

// Transitions returns the states entered since the last reset, in order.
func (m *Machine) Transitions() []State {
	return append([]State(nil), m.transitions...)
}

// Reset returns the machine to NotStarted for a fresh attempt.
func (m *Machine) Reset() {
	m.state = NotStarted
	m.streamID = ""
	m.bindID = ""
	m.sessionID = ""
	m.jid = ""
	m.transitions = nil
}

func (m *Machine) enter(s State) {
	m.log.WithField("state", s).Debug("handshake transition")
	m.state = s
	m.transitions = append(m.transitions, s)
}

// Open builds the RFC 7395 stream header for host.
func Open(host string) *stanza.Stanza {
	return stanza.New("open",
		stanza.A("xmlns", stanza.NSFraming),
		stanza.A("to", host),
		stanza.A("version", "1.0"),
	)
}

// Close builds the RFC 7395 stream close element.
func Close() *stanza.Stanza {
	return stanza.New("close", stanza.A("xmlns", stanza.NSFraming))
}

// Start begins negotiation on a freshly connected transport.
func (m *Machine) Start() Result {
	if m.state != NotStarted {
		m.log.WithField("state", m.state).Warn("Start called on a running handshake")
		return Result{}
	}
	m.enter(StreamHeaderSent)
	return Result{Send: []*stanza.Stanza{Open(m.host)}}
}

// Handle consumes one inbound stanza.
func (m *Machine) Handle(s *stanza.Stanza) Result {
	if s == nil {
		return Result{}
	}

	switch {
	case s.Name == "open" || s.Name == "stream":
		m.streamID = s.Attr("id")
		return Result{}

	case s.Name == "close" && s.Namespace() == stanza.NSFraming:
		return Result{Closed: true}

	case s.Name == "error" && streamNamespace(s.Namespace()):
		return m.handleStreamError(s)

	case s.Name == "features":
		return m.handleFeatures(s)

	case s.Name == "success" && s.Namespace() == stanza.NSSASL:
		if m.state != SaslAuthSent {
			break
		}
		m.enter(SaslSuccess)
		return Result{Send: []*stanza.Stanza{Open(m.host)}}

	case s.Name == "failure" && s.Namespace() == stanza.NSSASL:
		if m.state != SaslAuthSent {
			break
		}
		condition := ""
		if len(s.Children) > 0 {
			condition = s.Children[0].Name
		}
		return Result{Err: fmt.Errorf("%w: %s", ErrAuthenticationFailed, condition)}

	case s.Name == "iq":
		if r, ok := m.handleIQ(s); ok {
			return r
		}
	}

	m.log.WithFields(logrus.Fields{
		"state":  m.state,
		"stanza": s.Name,
	}).Debug("ignoring stanza during negotiation")
	return Result{}
}

// streamNamespace accepts the resolved stream namespace and the bare
// "stream" prefix some servers send without declaring it.
func streamNamespace(ns string) bool {
	return ns == stanza.NSStream || ns == "stream"
}

func (m *Machine) handleFeatures(s *stanza.Stanza) Result {
	switch m.state {
	case StreamHeaderSent:
		m.enter(StreamFeaturesReceived)
		if mechs := s.Child("mechanisms", stanza.NSSASL); mechs != nil && !offers(mechs, sasl.Plain.Name) {
			return Result{Err: fmt.Errorf("%w: server does not offer %s", ErrAuthenticationFailed, sasl.Plain.Name)}
		}
		auth, err := m.plainAuth()
		if err != nil {
			return Result{Err: err}
		}
		m.enter(SaslAuthSent)
		return Result{Send: []*stanza.Stanza{auth}}

	case SaslSuccess:
		m.bindID = "bind:" + uuid.NewString()
		bind := stanza.New("bind", stanza.A("xmlns", stanza.NSBind))
		if m.creds.Resource != "" {
			bind.Append(stanza.Text("resource", m.creds.Resource))
		}
		m.enter(BindSent)
		return Result{Send: []*stanza.Stanza{stanza.IQ(stanza.TypeSet, "", m.bindID).Append(bind)}}
	}

	m.log.WithField("state", m.state).Debug("ignoring stream features")
	return Result{}
}

func offers(mechs *stanza.Stanza, name string) bool {
	for _, mech := range mechs.ChildrenNamed("mechanism") {
		if strings.EqualFold(strings.TrimSpace(mech.Text), name) {
			return true
		}
	}
	return false
}

func (m *Machine) plainAuth() (*stanza.Stanza, error) {
	client := sasl.NewClient(sasl.Plain, sasl.Credentials(func() (user, pass, identity []byte) {
		return []byte(m.creds.Username), []byte(m.creds.Password), nil
	}))
	_, resp, err := client.Step(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return stanza.New("auth",
		stanza.A("xmlns", stanza.NSSASL),
		stanza.A("mechanism", sasl.Plain.Name),
	).SetText(base64.StdEncoding.EncodeToString(resp)), nil
}

func (m *Machine) handleIQ(s *stanza.Stanza) (Result, bool) {
	id := s.Attr("id")
	typ := s.Attr("type")

	switch m.state {
	case BindSent:
		if id != m.bindID {
			return Result{}, false
		}
		if typ == stanza.TypeError {
			return Result{Err: fmt.Errorf("%w: resource bind rejected", ErrNegotiation)}, true
		}
		if typ != stanza.TypeResult {
			return Result{}, false
		}
		bound, err := m.boundJID(s)
		if err != nil {
			return Result{Err: err}, true
		}
		m.jid = bound
		m.sessionID = "session:" + uuid.NewString()
		m.enter(SessionSent)
		session := stanza.IQ(stanza.TypeSet, "", m.sessionID).
			Append(stanza.New("session", stanza.A("xmlns", stanza.NSSession)))
		return Result{Send: []*stanza.Stanza{session}}, true

	case SessionSent:
		// Servers that treat session establishment as a no-op answer with an
		// empty result, sometimes without echoing our id.
		if typ != stanza.TypeResult {
			if id == m.sessionID && typ == stanza.TypeError {
				return Result{Err: fmt.Errorf("%w: session rejected", ErrNegotiation)}, true
			}
			return Result{}, false
		}
		m.enter(Authenticated)
		return Result{Online: true, JID: m.jid}, true
	}
	return Result{}, false
}

func (m *Machine) boundJID(iq *stanza.Stanza) (string, error) {
	if text := strings.TrimSpace(iq.Child("bind").ChildText("jid")); text != "" {
		if j, err := jid.Parse(text); err == nil {
			return j.String(), nil
		}
		m.log.WithField("jid", text).Warn("server bound an unparseable JID, falling back")
	}
	j, err := jid.New(m.creds.Username, m.host, m.creds.Resource)
	if err != nil {
		return "", fmt.Errorf("%w: invalid JID: %v", ErrNegotiation, err)
	}
	return j.String(), nil
}

func (m *Machine) handleStreamError(s *stanza.Stanza) Result {
	se := &StreamError{}
	for _, c := range s.Children {
		if c.Name == "text" {
			se.Text = c.Text
			continue
		}
		if se.Condition == "" {
			se.Condition = c.Name
		}
	}
	if se.Replaced() {
		m.log.Warn("stream replaced by a new connection")
		return Result{Replaced: true, Err: se}
	}
	m.log.WithError(se).Warn("stream error")
	return Result{Err: se}
}
