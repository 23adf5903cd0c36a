package codec

import "github.com/vmihailenco/msgpack/v5"

// NewMsgpackCodec creates a codec using MessagePack
func NewMsgpackCodec() IStateCodec {
	return msgpackCodecImpl{}
}

type msgpackCodecImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.IStateCodec)
// --------------------------------------------------------------------------

func (msgpackCodecImpl) Name() string { return "msgpack" }

func (msgpackCodecImpl) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodecImpl) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
