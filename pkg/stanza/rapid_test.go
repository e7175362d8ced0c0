package stanza

import (
	"testing"

	"pgregory.net/rapid"
)

func genStanza(depth int) *rapid.Generator[*Stanza] {
	return rapid.Custom(func(t *rapid.T) *Stanza {
		s := New(rapid.StringMatching(`[a-z][a-z0-9]{0,7}`).Draw(t, "name"))

		nAttrs := rapid.IntRange(0, 4).Draw(t, "nAttrs")
		for i := 0; i < nAttrs; i++ {
			key := rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "attrKey")
			if _, exists := s.LookupAttr(key); exists {
				continue
			}
			s.SetAttr(key, rapid.StringMatching(`[a-zA-Z0-9 <>&'":/.@-]{0,16}`).Draw(t, "attrValue"))
		}

		if rapid.Bool().Draw(t, "hasText") {
			s.Text = rapid.StringMatching(`[a-zA-Z0-9 \t\n<>&'"]{0,20}`).Draw(t, "text")
		}

		if depth > 0 {
			nChildren := rapid.IntRange(0, 3).Draw(t, "nChildren")
			for i := 0; i < nChildren; i++ {
				s.Children = append(s.Children, genStanza(depth-1).Draw(t, "child"))
			}
		}
		return s
	})
}

// TestStanzaRoundTrip checks that any constructed tree survives
// serialize-then-parse unchanged.
func TestStanzaRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := genStanza(3).Draw(t, "stanza")

		text := original.String()
		decoded, err := Parse(text)
		if err != nil {
			t.Fatalf("parse failed for %q: %v", text, err)
		}

		if !decoded.Equal(withoutIndentation(original)) {
			t.Fatalf("round trip mismatch:\n sent %s\n got  %s", text, decoded.String())
		}
	})
}

// withoutIndentation is what a tree looks like after the parser: whitespace
// between children is gone.
func withoutIndentation(s *Stanza) *Stanza {
	out := s.Clone()
	var walk func(*Stanza)
	walk = func(e *Stanza) {
		if insignificantText(e) {
			e.Text = ""
		}
		for _, c := range e.Children {
			walk(c)
		}
	}
	walk(out)
	return out
}

// TestNonEmptyNeverSelfCloses checks the serializer invariant for elements
// with content.
func TestNonEmptyNeverSelfCloses(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := genStanza(2).Draw(t, "stanza")
		out := s.String()
		closing := "</" + s.Name + ">"
		hasContent := len(s.Children) > 0 || s.Text != ""
		endsWithClose := len(out) >= len(closing) && out[len(out)-len(closing):] == closing
		if hasContent != endsWithClose {
			t.Fatalf("content=%v but serialized as %q", hasContent, out)
		}
	})
}
