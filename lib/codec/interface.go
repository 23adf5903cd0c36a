package codec

import "fmt"

// IStateCodec serializes persisted state
type IStateCodec interface {
	// Name returns the name the codec is selected by in the configuration
	Name() string
	// Marshal encodes v into a byte slice
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into the value pointed to by v
	Unmarshal(data []byte, v any) error
}

// Names lists all selectable codecs
var Names = []string{"msgpack", "json", "gob"}

// New returns the codec registered under name
func New(name string) (IStateCodec, error) {
	switch name {
	case "msgpack", "":
		return NewMsgpackCodec(), nil
	case "json":
		return NewJSONCodec(), nil
	case "gob":
		return NewGOBCodec(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q (valid: %v)", name, Names)
	}
}
