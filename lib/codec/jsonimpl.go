package codec

import "encoding/json"

// NewJSONCodec creates a codec using encoding/json
func NewJSONCodec() IStateCodec {
	return jsonCodecImpl{}
}

type jsonCodecImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.IStateCodec)
// --------------------------------------------------------------------------

func (jsonCodecImpl) Name() string { return "json" }

func (jsonCodecImpl) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodecImpl) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
