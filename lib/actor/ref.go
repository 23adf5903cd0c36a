package actor

import (
	"fmt"
	"strings"
)

// Ref is a stable, typed handle to an actor. It is the value type stored in indexes.
type Ref struct {
	Type string `json:"type" msgpack:"type"`
	Key  string `json:"key" msgpack:"key"`
}

// NewRef creates a reference to the actor of type typ with the given key.
func NewRef(typ, key string) Ref {
	return Ref{Type: typ, Key: key}
}

func (r Ref) String() string {
	return r.Type + "/" + r.Key
}

// IsZero reports whether r is the zero reference.
func (r Ref) IsZero() bool {
	return r.Type == "" && r.Key == ""
}

// ParseRef parses the output of Ref.String.
func ParseRef(s string) (Ref, error) {
	typ, key, ok := strings.Cut(s, "/")
	if !ok || typ == "" {
		return Ref{}, fmt.Errorf("invalid actor reference %q", s)
	}
	return Ref{Type: typ, Key: key}, nil
}

// Compare orders references by type, then key.
func Compare(a, b Ref) int {
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return strings.Compare(a.Key, b.Key)
}
