package serialization

import (
	"errors"
	"fmt"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrEncodeFailure = errors.New("serialization: encode failed")
	ErrDecodeFailure = errors.New("serialization: decode failed")
)

// EncodeEnvelope serializes a whole envelope to MessagePack for transports
// that have no native header support.
func EncodeEnvelope(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeFailure, ErrNilValue)
	}
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// DecodeEnvelope is the inverse of EncodeEnvelope
func DecodeEnvelope(data []byte) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return &env, nil
}
