package util

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// EntryKeyPrefix is the provider keyspace owned by the Entry Cache.
const EntryKeyPrefix = "entry:"

// EntryKey returns the provider key for key inside the database whose escaped
// name is ns. ns is prefix-free, so keys of different databases never collide.
func EntryKey(ns []byte, key []byte) string {
	b := make([]byte, 0, len(EntryKeyPrefix)+len(ns)+len(key))
	b = append(b, EntryKeyPrefix...)
	b = append(b, ns...)
	b = append(b, key...)
	return string(b)
}

// Stripe maps key onto one of n lock stripes.
func Stripe(key []byte, n int) int {
	return int(xxhash.Sum64(key) % uint64(n))
}

// Stripes returns the distinct stripes of keys in ascending order, the order in
// which they must be locked.
func Stripes(keys [][]byte, n int) []int {
	seen := make(map[int]struct{}, len(keys))
	out := make([]int, 0, len(keys))
	for _, k := range keys {
		s := Stripe(k, n)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}
