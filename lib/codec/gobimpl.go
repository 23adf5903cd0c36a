package codec

import (
	"bytes"
	"encoding/gob"
)

// NewGOBCodec creates a codec using Go's binary gob format
func NewGOBCodec() IStateCodec {
	return gobCodecImpl{}
}

type gobCodecImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.IStateCodec)
// --------------------------------------------------------------------------

func (gobCodecImpl) Name() string { return "gob" }

func (gobCodecImpl) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodecImpl) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
