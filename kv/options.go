package kv

import (
	"bytes"
	"unicode/utf8"
)

// Encoding selects how iterator keys or values are delivered.
type Encoding uint8

const (
	// EncodingBinary delivers raw bytes (default).
	EncodingBinary Encoding = iota
	// EncodingUTF8 requires valid UTF-8; Next fails with ErrEncoding otherwise.
	EncodingUTF8
)

func (e Encoding) String() string {
	switch e {
	case EncodingBinary:
		return "binary"
	case EncodingUTF8:
		return "utf8"
	default:
		return "unknown"
	}
}

// IterOptions configures an iterator.
//
//   - Start: inclusive lower bound; nil means the beginning of the key space.
//   - End: exclusive upper bound; nil means the end of the key space.
//   - Reverse: visit keys in descending order (from End towards Start).
//   - KeyEncoding, ValueEncoding: EncodingBinary unless set.
type IterOptions struct {
	Start         []byte
	End           []byte
	Reverse       bool
	KeyEncoding   Encoding
	ValueEncoding Encoding
}

// Validate rejects empty (non-nil) bounds and Start > End.
func (o IterOptions) Validate() error {
	if (o.Start != nil && len(o.Start) == 0) || (o.End != nil && len(o.End) == 0) {
		return ErrInvalidRange
	}
	if o.Start != nil && o.End != nil && bytes.Compare(o.Start, o.End) > 0 {
		return ErrInvalidRange
	}
	if o.KeyEncoding > EncodingUTF8 || o.ValueEncoding > EncodingUTF8 {
		return ErrEncoding
	}
	return nil
}

// Contains reports whether key lies in [Start, End).
func (o IterOptions) Contains(key []byte) bool {
	if o.Start != nil && bytes.Compare(key, o.Start) < 0 {
		return false
	}
	if o.End != nil && bytes.Compare(key, o.End) >= 0 {
		return false
	}
	return true
}

// Beyond reports whether key is past the far end of the range in the
// direction of travel, i.e. no later key can be in range either.
func (o IterOptions) Beyond(key []byte) bool {
	if o.Reverse {
		return o.Start != nil && bytes.Compare(key, o.Start) < 0
	}
	return o.End != nil && bytes.Compare(key, o.End) >= 0
}

// Check applies the configured encodings to e.
func (o IterOptions) Check(e Entry) error {
	if o.KeyEncoding == EncodingUTF8 && !utf8.Valid(e.Key) {
		return ErrEncoding
	}
	if o.ValueEncoding == EncodingUTF8 && !utf8.Valid(e.Value) {
		return ErrEncoding
	}
	return nil
}

// Advances reports whether next lies strictly after last in the direction of
// travel. A nil last means nothing has been returned yet.
func (o IterOptions) Advances(last, next []byte) bool {
	if last == nil {
		return true
	}
	c := bytes.Compare(next, last)
	if o.Reverse {
		return c < 0
	}
	return c > 0
}
