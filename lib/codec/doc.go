// Package codec turns actor state and bucket state into bytes for the storage
// backends. All codecs are stateless and safe for concurrent use.
//
// Implementations:
//
//   - msgpack: compact binary encoding (vmihailenco/msgpack), the default.
//   - json: human readable, handy when inspecting a bbolt file by hand.
//   - gob: Go's own binary format. Types must be concrete, interface fields are not supported.
//
// Usage:
//
//	c, err := codec.New("msgpack")
//	data, err := c.Marshal(state)
//	err = c.Unmarshal(data, &state)
package codec
