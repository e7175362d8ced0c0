// Package stanza models XMPP stanzas as plain element trees.
//
// A Stanza is a tree of named elements carrying ordered attributes, ordered
// children and optional character data. The same type is used for inbound
// stanzas produced by the parser and for outbound stanzas built with the
// helpers in this package.
package stanza

import "strings"

// Attr is a single attribute. Attribute names are unique within an element.
type Attr struct {
	Name  string
	Value string
}

// Stanza is one XML element with its attributes, children and text.
type Stanza struct {
	Name     string
	Attrs    []Attr
	Children []*Stanza
	Text     string
}

// New creates an element with the given name and attributes.
func New(name string, attrs ...Attr) *Stanza {
	s := &Stanza{Name: name}
	for _, a := range attrs {
		s.SetAttr(a.Name, a.Value)
	}
	return s
}

// A is shorthand for building an Attr.
func A(name, value string) Attr {
	return Attr{Name: name, Value: value}
}

// Attr returns the value of the named attribute, or "" if absent.
func (s *Stanza) Attr(name string) string {
	v, _ := s.LookupAttr(name)
	return v
}

// LookupAttr returns the value of the named attribute and whether it exists.
func (s *Stanza) LookupAttr(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, a := range s.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets an attribute, replacing an existing value in place so the
// original insertion position is kept.
func (s *Stanza) SetAttr(name, value string) *Stanza {
	for i := range s.Attrs {
		if s.Attrs[i].Name == name {
			s.Attrs[i].Value = value
			return s
		}
	}
	s.Attrs = append(s.Attrs, Attr{Name: name, Value: value})
	return s
}

// SetAttrIf sets the attribute only when value is non-empty.
func (s *Stanza) SetAttrIf(name, value string) *Stanza {
	if value == "" {
		return s
	}
	return s.SetAttr(name, value)
}

// Append adds children in order.
func (s *Stanza) Append(children ...*Stanza) *Stanza {
	for _, c := range children {
		if c != nil {
			s.Children = append(s.Children, c)
		}
	}
	return s
}

// SetText replaces the character data of the element. Whitespace-only text
// on an element that also has children is indentation and is not written.
func (s *Stanza) SetText(text string) *Stanza {
	s.Text = text
	return s
}

// Namespace returns the xmlns attribute of the element.
func (s *Stanza) Namespace() string {
	return s.Attr("xmlns")
}

// Is reports whether the element has the given name and, if xmlns is
// non-empty, the given namespace.
func (s *Stanza) Is(name, xmlns string) bool {
	if s == nil || s.Name != name {
		return false
	}
	return xmlns == "" || s.Namespace() == xmlns
}

// Child returns the first direct child with the given name. When an xmlns is
// supplied the child must also declare that namespace.
func (s *Stanza) Child(name string, xmlns ...string) *Stanza {
	if s == nil {
		return nil
	}
	ns := ""
	if len(xmlns) > 0 {
		ns = xmlns[0]
	}
	for _, c := range s.Children {
		if c.Is(name, ns) {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every direct child with the given name in document
// order.
func (s *Stanza) ChildrenNamed(name string) []*Stanza {
	if s == nil {
		return nil
	}
	var out []*Stanza
	for _, c := range s.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// ChildText returns the text of the first direct child with the given name.
func (s *Stanza) ChildText(name string) string {
	if c := s.Child(name); c != nil {
		return c.Text
	}
	return ""
}

// Find performs a depth-first search of the descendants of s (not s itself)
// and returns the first element with the given name.
func (s *Stanza) Find(name string) *Stanza {
	if s == nil {
		return nil
	}
	for _, c := range s.Children {
		if c.Name == name {
			return c
		}
		if found := c.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// FindAll returns every descendant with the given name, depth first.
func (s *Stanza) FindAll(name string) []*Stanza {
	if s == nil {
		return nil
	}
	var out []*Stanza
	for _, c := range s.Children {
		if c.Name == name {
			out = append(out, c)
		}
		out = append(out, c.FindAll(name)...)
	}
	return out
}

// IDContains reports whether the id attribute contains the given marker.
func (s *Stanza) IDContains(marker string) bool {
	return strings.Contains(s.Attr("id"), marker)
}

// Equal reports whether two trees are structurally identical: same names,
// attributes in the same order, same text and equal children in order.
func (s *Stanza) Equal(o *Stanza) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Name != o.Name || s.Text != o.Text {
		return false
	}
	if len(s.Attrs) != len(o.Attrs) || len(s.Children) != len(o.Children) {
		return false
	}
	for i := range s.Attrs {
		if s.Attrs[i] != o.Attrs[i] {
			return false
		}
	}
	for i := range s.Children {
		if !s.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (s *Stanza) Clone() *Stanza {
	if s == nil {
		return nil
	}
	c := &Stanza{Name: s.Name, Text: s.Text}
	if len(s.Attrs) > 0 {
		c.Attrs = append([]Attr(nil), s.Attrs...)
	}
	for _, child := range s.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return c
}
