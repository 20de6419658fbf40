// Package codec provides serialization of workflow payload data.
//
// Workflow input, output, and context maps cross two boundaries: they are
// persisted by the state store backends and published with lifecycle
// events. The codec package handles encoding and decoding at both, so the
// wire format can be chosen independently of the store or transport.
//
// Usage:
//
//	// JSON (default)
//	store := workflow.NewRedisStore(client)
//
//	// MessagePack
//	store := workflow.NewRedisStore(client).WithCodec(codec.MsgPack{})
//
//	// Protobuf for proto.Message payloads
//	notifier := notify.NewNATS(conn, notify.WithCodec(codec.Proto{}))
package codec

import "sync"

// Codec encodes/decodes workflow payload data.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes the payload to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes to the target type.
	// The target must be a pointer.
	Decode(data []byte, v any) error

	// ContentType returns the MIME type (e.g., "application/json").
	ContentType() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}

var (
	mu       sync.RWMutex
	registry = map[string]Codec{
		"application/json": JSON{},
	}
)

// Register adds a codec to the global registry.
// Codecs are looked up by their ContentType() when decoding stored or
// published payloads.
func Register(codec Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[codec.ContentType()] = codec
}

// Get retrieves a codec by content type from the global registry.
// Returns the codec and true if found, or nil and false if not found.
func Get(contentType string) (Codec, bool) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[contentType]
	return c, ok
}

// MustGet retrieves a codec by content type, returning the default JSON
// codec if the requested content type is not found.
func MustGet(contentType string) Codec {
	if c, ok := Get(contentType); ok {
		return c
	}
	return JSON{}
}
