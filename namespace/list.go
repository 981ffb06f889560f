package namespace

import (
	"context"

	"github.com/unkn0wn-root/cachekv/kv"
)

// List returns the names of the databases that hold at least one key in
// parent, in key order. It skips over each database's key range instead of
// visiting every key. Keys not written through a namespace are reported as
// ErrMalformed.
func List(ctx context.Context, parent kv.Store) ([]string, error) {
	var (
		names []string
		start []byte
	)
	for {
		it, err := parent.Iterator(ctx, kv.IterOptions{Start: start})
		if err != nil {
			return nil, err
		}
		e, ok, err := it.Next(ctx)
		_ = it.Close()
		if err != nil {
			return nil, err
		}
		if !ok {
			return names, nil
		}
		name, _, err := Unescape(e.Key)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		start = prefixEnd(Escape(name))
		if start == nil {
			return names, nil
		}
	}
}
