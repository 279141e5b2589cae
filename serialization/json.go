package serialization

import (
	"github.com/bytedance/sonic"
)

type jsonCodec struct {
	api sonic.API
}

// JSON returns a codec backed by sonic configured for encoding/json compatibility
func JSON() Codec {
	return jsonCodec{api: sonic.ConfigStd}
}

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) ContentType() string { return ContentTypeJSON }

func (c jsonCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, ErrNilValue
	}
	return c.api.Marshal(v)
}

func (c jsonCodec) Unmarshal(data []byte, v any) error {
	return c.api.Unmarshal(data, v)
}
