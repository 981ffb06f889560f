// Package namespace gives every logical database a disjoint slice of a shared
// kv.Store.
//
// A database name is escaped into a prefix-free code: every '!' is doubled and
// the code is terminated by "!:". No code is a prefix of another, so keys of
// "bang!" can never be read, overwritten or iterated through "bang!!".
package namespace

import (
	"errors"
	"strings"
)

const (
	escapeChar = '!'
	terminator = ':'
)

var (
	ErrEmptyName = errors.New("namespace: database name cannot be empty")
	ErrMalformed = errors.New("namespace: malformed prefix")
)

// Escape returns the physical key prefix for name.
func Escape(name string) []byte {
	out := make([]byte, 0, len(name)+2+strings.Count(name, "!"))
	for i := 0; i < len(name); i++ {
		if name[i] == escapeChar {
			out = append(out, escapeChar)
		}
		out = append(out, name[i])
	}
	return append(out, escapeChar, terminator)
}

// Unescape decodes the database name at the start of key and returns it along
// with the remaining user key.
func Unescape(key []byte) (name string, rest []byte, err error) {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c != escapeChar {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(key) {
			return "", nil, ErrMalformed
		}
		switch key[i+1] {
		case escapeChar:
			b.WriteByte(escapeChar)
			i++
		case terminator:
			if b.Len() == 0 {
				return "", nil, ErrMalformed
			}
			return b.String(), key[i+2:], nil
		default:
			return "", nil, ErrMalformed
		}
	}
	return "", nil, ErrMalformed
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists (prefix is all 0xff).
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func join(prefix, key []byte) []byte {
	out := make([]byte, len(prefix)+len(key))
	copy(out, prefix)
	copy(out[len(prefix):], key)
	return out
}
