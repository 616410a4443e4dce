// Package codec defines the serialization contract for job payloads and
// results, with JSON and MessagePack implementations. Payloads are opaque
// to the queue core; the codec only matters at the typed edges where a
// caller submits arguments and a handler decodes them.
package codec

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes payloads and results.
type Codec interface {
	// Marshal serializes v to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into v.
	Unmarshal(data []byte, v any) error

	// Name returns the codec identifier (e.g. "json", "msgpack").
	Name() string
}

// Codec name constants.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// JSON encodes payloads as JSON. This is the default.
type JSON struct{}

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name implements Codec.
func (JSON) Name() string { return NameJSON }

// Msgpack encodes payloads as MessagePack, for callers moving binary or
// numeric-heavy arguments that JSON handles poorly.
type Msgpack struct{}

// Marshal implements Codec.
func (Msgpack) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

// Unmarshal implements Codec.
func (Msgpack) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// Name implements Codec.
func (Msgpack) Name() string { return NameMsgpack }

// Get returns a codec by name. Unknown names default to JSON.
func Get(name string) Codec {
	switch name {
	case NameMsgpack:
		return Msgpack{}
	default:
		return JSON{}
	}
}
