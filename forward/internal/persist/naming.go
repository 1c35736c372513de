package persist

import (
	"fmt"
	"strings"
)

// Naming turns destination keys into backend object names (indices, tables,
// lists, topics, subjects).
type Naming struct {
	Prefix    string
	Lowercase bool
	Encoding  bool
}

// Name builds the backend name for a destination key.
func (n Naming) Name(destination string) string {
	name := destination
	if n.Lowercase {
		name = strings.ToLower(name)
	}
	if n.Encoding {
		name = Encode(name)
	} else {
		name = Sanitize(name)
	}
	return n.Prefix + name
}

// Encode is the reversible encoding: every character outside [A-Za-z0-9], and
// the escape character x itself, becomes x followed by its 4-hex code point.
func Encode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isAlnum(r) && r != 'x' {
			b.WriteRune(r)
			continue
		}
		fmt.Fprintf(&b, "x%04x", r)
	}
	return b.String()
}

// Sanitize replaces characters outside [A-Za-z0-9_] with an underscore.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if isAlnum(r) || r == '_' {
			return r
		}
		return '_'
	}, s)
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
