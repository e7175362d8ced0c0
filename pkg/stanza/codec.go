package stanza

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxStanzaSize is the largest text frame accepted by Parse (1 MB)
	MaxStanzaSize = 1024 * 1024

	xmlNamespaceURL = "http://www.w3.org/XML/1998/namespace"
)

var (
	ErrParse          = errors.New("stanza: parse error")
	ErrEmpty          = errors.New("stanza: no element in input")
	ErrStanzaTooLarge = errors.New("stanza: exceeds maximum size (1 MB)")
)

// Parse reads exactly one top-level element from text. Anything after the
// first element is ignored.
func Parse(text string) (*Stanza, error) {
	if len(text) > MaxStanzaSize {
		return nil, ErrStanzaTooLarge
	}
	s, err := NewDecoder(strings.NewReader(text)).Next()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrParse, ErrEmpty)
	}
	return s, err
}

// MustParse is Parse for literals in tests and fixtures. It panics on error.
func MustParse(text string) *Stanza {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

// Decoder reads consecutive top-level elements from a stream.
type Decoder struct {
	d *xml.Decoder
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{d: xml.NewDecoder(r)}
}

// Next returns the next top-level element. It returns io.EOF when the input
// ends cleanly between elements; every other failure wraps ErrParse.
func (d *Decoder) Next() (*Stanza, error) {
	for {
		tok, err := d.d.Token()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return d.element(start, "")
		}
	}
}

func (d *Decoder) element(start xml.StartElement, parentSpace string) (*Stanza, error) {
	s := &Stanza{Name: start.Name.Local}

	hasXMLNS := false
	for _, a := range start.Attr {
		name := attrName(a.Name)
		if name == "xmlns" {
			hasXMLNS = true
		}
		s.SetAttr(name, a.Value)
	}
	// Namespaces declared through a prefix are surfaced as a plain xmlns
	// attribute so lookups by namespace work the same for both forms.
	if !hasXMLNS && start.Name.Space != "" && start.Name.Space != parentSpace {
		s.SetAttr("xmlns", start.Name.Space)
	}

	var text strings.Builder
	for {
		tok, err := d.d.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: inside <%s>: %v", ErrParse, s.Name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := d.element(t, start.Name.Space)
			if err != nil {
				return nil, err
			}
			s.Children = append(s.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			s.Text = text.String()
			if insignificantText(s) {
				s.Text = ""
			}
			return s, nil
		}
	}
}

// insignificantText reports whether s carries only whitespace between its
// children. Such text is indentation; it is neither parsed nor written.
func insignificantText(s *Stanza) bool {
	return len(s.Children) > 0 && strings.TrimSpace(s.Text) == ""
}

func attrName(n xml.Name) string {
	switch {
	case n.Space == "":
		return n.Local
	case n.Space == "xmlns":
		return "xmlns:" + n.Local
	case n.Space == xmlNamespaceURL:
		return "xml:" + n.Local
	case strings.ContainsAny(n.Space, ":/"):
		// resolved namespace URI; the original prefix is not recoverable
		return n.Local
	default:
		return n.Space + ":" + n.Local
	}
}

// String serializes the element to XML text.
func (s *Stanza) String() string {
	var buf bytes.Buffer
	s.write(&buf)
	return buf.String()
}

// WriteTo writes the serialized element to w.
func (s *Stanza) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	s.write(&buf)
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

func (s *Stanza) write(buf *bytes.Buffer) {
	buf.WriteByte('<')
	buf.WriteString(s.Name)
	for _, a := range s.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString("='")
		_ = xml.EscapeText(buf, []byte(a.Value))
		buf.WriteByte('\'')
	}
	if len(s.Children) == 0 && s.Text == "" {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	if s.Text != "" && !insignificantText(s) {
		_ = xml.EscapeText(buf, []byte(s.Text))
	}
	for _, c := range s.Children {
		c.write(buf)
	}
	buf.WriteString("</")
	buf.WriteString(s.Name)
	buf.WriteByte('>')
}
