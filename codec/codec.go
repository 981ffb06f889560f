// Package codec converts typed values to the []byte values stored by a
// kv.Store. It backs the typed table facade; the cache layer itself only ever
// sees bytes.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
