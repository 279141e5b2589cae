package messaging

import (
	"fmt"
	"sort"

	"github.com/glimte/domainevent-go/contracts"
	"github.com/glimte/domainevent-go/serialization"
)

// Decoder turns an envelope body into a concrete event value
type Decoder func(codec serialization.Codec, body []byte) (any, error)

// TypeEntry binds a type discriminator to the decoder for that type
type TypeEntry struct {
	Name   string
	Decode Decoder
}

// TypeOf returns the entry for T under its default type name
func TypeOf[T any]() TypeEntry {
	return Named[T](contracts.TypeNameFor[T]())
}

// Named returns the entry for T under an explicit type name
func Named[T any](name string) TypeEntry {
	return TypeEntry{
		Name: name,
		Decode: func(codec serialization.Codec, body []byte) (any, error) {
			var v T
			if err := codec.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// TypeMap is the set of event types a Receiver session will decode.
// It is read-only once built and safe to share between receivers.
type TypeMap struct {
	decoders map[string]Decoder
}

// NewTypeMap builds a type map. A later entry with the same name replaces an earlier one.
func NewTypeMap(entries ...TypeEntry) *TypeMap {
	m := &TypeMap{decoders: make(map[string]Decoder, len(entries))}
	for _, e := range entries {
		if e.Name == "" || e.Decode == nil {
			continue
		}
		m.decoders[e.Name] = e.Decode
	}
	return m
}

// Contains reports whether the type name is part of the map
func (m *TypeMap) Contains(typeName string) bool {
	if m == nil {
		return false
	}
	_, ok := m.decoders[typeName]
	return ok
}

// Decode decodes body as the type registered under typeName.
// It fails with ErrUnknownEventType when the name is not in the map.
func (m *TypeMap) Decode(typeName string, codec serialization.Codec, body []byte) (any, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, typeName)
	}
	decode, ok := m.decoders[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, typeName)
	}
	return decode(codec, body)
}

// Names returns the registered type names in sorted order
func (m *TypeMap) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.decoders))
	for name := range m.decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of types in the map
func (m *TypeMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.decoders)
}
