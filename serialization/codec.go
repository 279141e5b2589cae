// Package serialization provides the payload codecs used to encode events into
// envelope bodies and the wire codecs used by transports that carry whole envelopes.
package serialization

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Content types understood by the built-in codecs
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgPack = "application/msgpack"
)

var (
	// ErrUnknownContentType is returned when no codec is registered for a content type
	ErrUnknownContentType = errors.New("serialization: unknown content type")

	// ErrNilValue is returned when asked to encode a nil value
	ErrNilValue = errors.New("serialization: nil value")
)

// Codec encodes and decodes values for one content type
type Codec interface {
	// Name is a short identifier used in logs and configuration ("json", "msgpack")
	Name() string

	// ContentType is stamped on envelopes encoded with this codec
	ContentType() string

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CodecRegistry resolves codecs by content type or name
type CodecRegistry struct {
	mu     sync.RWMutex
	byType map[string]Codec
	byName map[string]Codec
}

// NewCodecRegistry creates a registry holding the given codecs
func NewCodecRegistry(codecs ...Codec) *CodecRegistry {
	r := &CodecRegistry{
		byType: make(map[string]Codec),
		byName: make(map[string]Codec),
	}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// Register adds a codec, replacing any codec with the same content type or name
func (r *CodecRegistry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[normalizeContentType(c.ContentType())] = c
	r.byName[strings.ToLower(c.Name())] = c
}

// ForContentType returns the codec for a content type.
// Parameters such as "; charset=utf-8" are ignored. An empty content type
// resolves to JSON when registered.
func (r *CodecRegistry) ForContentType(contentType string) (Codec, error) {
	ct := normalizeContentType(contentType)
	if ct == "" {
		ct = ContentTypeJSON
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byType[ct]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContentType, contentType)
	}
	return c, nil
}

// ByName returns the codec with the given name
func (r *CodecRegistry) ByName(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: codec %q", ErrUnknownContentType, name)
	}
	return c, nil
}

// ContentTypes lists the registered content types in sorted order
func (r *CodecRegistry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for ct := range r.byType {
		types = append(types, ct)
	}
	sort.Strings(types)
	return types
}

var defaultRegistry = NewCodecRegistry(JSON(), MsgPack())

// Default returns the process-wide registry with the built-in codecs
func Default() *CodecRegistry {
	return defaultRegistry
}

func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
