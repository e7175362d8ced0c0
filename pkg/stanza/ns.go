package stanza

// Namespaces used on the wire.
const (
	NSFraming      = "urn:ietf:params:xml:ns:xmpp-framing"
	NSStream       = "http://etherx.jabber.org/streams"
	NSStreamErrors = "urn:ietf:params:xml:ns:xmpp-streams"
	NSStanzaErrors = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSSASL         = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind         = "urn:ietf:params:xml:ns:xmpp-bind"
	NSSession      = "urn:ietf:params:xml:ns:xmpp-session"
	NSClient       = "jabber:client"
	NSPing         = "urn:xmpp:ping"

	NSMAM        = "urn:xmpp:mam:2"
	NSRSM        = "http://jabber.org/protocol/rsm"
	NSForward    = "urn:xmpp:forward:0"
	NSDelay      = "urn:xmpp:delay"
	NSStanzaID   = "urn:xmpp:sid:0"
	NSMUC        = "http://jabber.org/protocol/muc"
	NSMUCUser    = "http://jabber.org/protocol/muc#user"
	NSConference = "jabber:x:conference"
	NSChatStates = "http://jabber.org/protocol/chatstates"
	NSReactions  = "urn:xmpp:reactions:0"
	NSCorrect    = "urn:xmpp:message-correct:0"
	NSDiscoInfo  = "http://jabber.org/protocol/disco#info"
	NSDataForms  = "jabber:x:data"

	// NSVendorData qualifies the ad hoc <data> element carrying sender and
	// media metadata.
	NSVendorData = "urn:chatcore:data:0"
	// NSVendorRooms qualifies the room listing query.
	NSVendorRooms = "ns:getrooms"
)

// Stanza types.
const (
	TypeGet       = "get"
	TypeSet       = "set"
	TypeResult    = "result"
	TypeError     = "error"
	TypeGroupchat = "groupchat"
	TypeChat      = "chat"
	TypeHeadline  = "headline"

	TypeUnavailable = "unavailable"
)

// IQ builds an <iq> with the given type, recipient and id.
func IQ(typ, to, id string) *Stanza {
	return New("iq", A("type", typ)).SetAttrIf("to", to).SetAttrIf("id", id)
}

// Message builds a <message> with the given type, recipient and id.
func Message(typ, to, id string) *Stanza {
	return New("message").SetAttrIf("to", to).SetAttrIf("id", id).SetAttrIf("type", typ)
}

// Presence builds a <presence> addressed to the given JID.
func Presence(to, id string) *Stanza {
	return New("presence").SetAttrIf("to", to).SetAttrIf("id", id)
}

// Text builds a leaf element with text content.
func Text(name, text string) *Stanza {
	return New(name).SetText(text)
}
