package cachekv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/cachekv/backend/memdb"
	gen "github.com/unkn0wn-root/cachekv/genstore"
	"github.com/unkn0wn-root/cachekv/internal/wire"
	"github.com/unkn0wn-root/cachekv/kv"
	"github.com/unkn0wn-root/cachekv/kv/kvtest"
	pr "github.com/unkn0wn-root/cachekv/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

// memProvider is a map-backed provider with fault switches.
type memProvider struct {
	mu     sync.Mutex
	m      map[string]memEntry
	reject bool  // Set returns ok=false
	setErr error // Set fails
	delErr error // Del fails
	getErr error // Get fails
	closed bool
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, false, p.getErr
	}
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setErr != nil {
		return false, p.setErr
	}
	if p.reject {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.delErr != nil {
		return p.delErr
	}
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

func (p *memProvider) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// flakyGen wraps a Local gen store with switchable failures.
type flakyGen struct {
	*gen.Local
	mu      sync.Mutex
	bumpErr error
	snapErr error
}

func newFlakyGen() *flakyGen { return &flakyGen{Local: gen.NewLocal(0, 0)} }

func (g *flakyGen) set(bumpErr, snapErr error) {
	g.mu.Lock()
	g.bumpErr, g.snapErr = bumpErr, snapErr
	g.mu.Unlock()
}

func (g *flakyGen) Snapshot(ctx context.Context, k string) (uint64, error) {
	g.mu.Lock()
	err := g.snapErr
	g.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return g.Local.Snapshot(ctx, k)
}

func (g *flakyGen) Bump(ctx context.Context, k string) (uint64, error) {
	g.mu.Lock()
	err := g.bumpErr
	g.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return g.Local.Bump(ctx, k)
}

// recHooks records hook events as "event:detail" strings.
type recHooks struct {
	mu     sync.Mutex
	events []string
}

func (h *recHooks) add(s string) {
	h.mu.Lock()
	h.events = append(h.events, s)
	h.mu.Unlock()
}

func (h *recHooks) has(s string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == s {
			return true
		}
	}
	return false
}

func (h *recHooks) SelfHeal(_, reason string)             { h.add("self_heal:" + reason) }
func (h *recHooks) ProviderSetRejected(string)            { h.add("set_rejected") }
func (h *recHooks) GenSnapshotError(string, error)        { h.add("gen_snapshot_error") }
func (h *recHooks) GenBumpError(string, error)            { h.add("gen_bump_error") }
func (h *recHooks) InvalidateOutage(string, error, error) { h.add("invalidate_outage") }
func (h *recHooks) PopulateSkipped(_, reason string)      { h.add("populate_skipped:" + reason) }

type fixture struct {
	engine *memdb.DB
	obs    *kvtest.Observer
	prov   *memProvider
	gens   *flakyGen
	hooks  *recHooks
	db     *db
}

func newFixture(t *testing.T, name string, opt func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		engine: memdb.New(memdb.Options{}),
		prov:   newMemProvider(),
		gens:   newFlakyGen(),
		hooks:  &recHooks{},
	}
	f.obs = kvtest.NewObserver(f.engine)
	opts := Options{
		Store:    f.obs,
		Provider: f.prov,
		GenStore: f.gens,
		Hooks:    f.hooks,
	}
	if opt != nil {
		opt(&opts)
	}
	d, err := newDB(name, opts)
	if err != nil {
		t.Fatalf("newDB: %v", err)
	}
	f.db = d
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return f
}

func mustPut(t *testing.T, s kv.Store, k, v string) {
	t.Helper()
	if err := s.Put(context.Background(), []byte(k), []byte(v)); err != nil {
		t.Fatalf("Put(%q): %v", k, err)
	}
}

func mustGet(t *testing.T, s kv.Store, k, want string) {
	t.Helper()
	got, err := s.Get(context.Background(), []byte(k))
	if err != nil {
		t.Fatalf("Get(%q): %v", k, err)
	}
	if string(got) != want {
		t.Fatalf("Get(%q) = %q want %q", k, got, want)
	}
}

func mustNotFound(t *testing.T, s kv.Store, k string) {
	t.Helper()
	_, err := s.Get(context.Background(), []byte(k))
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get(%q) err = %v want ErrNotFound", k, err)
	}
}

// ==============================
// Drop-in conformance
// ==============================

func TestContract(t *testing.T) {
	for _, snapshot := range []bool{false, true} {
		snapshot := snapshot
		t.Run(fmt.Sprintf("snapshot=%v", snapshot), func(t *testing.T) {
			kvtest.RunStoreContract(t, func(t *testing.T) kv.Store {
				d, err := Open("contract", Options{
					Store:    memdb.New(memdb.Options{Snapshot: snapshot}),
					Provider: newMemProvider(),
				})
				if err != nil {
					t.Fatalf("Open: %v", err)
				}
				return d
			})
		})
	}
}

// ==============================
// Read path and write-through
// ==============================

// TestReadThroughServesFromCache: after a Put through the wrapper, Gets are
// answered without reaching the engine.
func TestReadThroughServesFromCache(t *testing.T) {
	f := newFixture(t, "db", nil)

	mustPut(t, f.db, "k", "v")
	f.obs.Reset()

	mustGet(t, f.db, "k", "v")
	mustGet(t, f.db, "k", "v")
	if n := f.obs.Calls(kvtest.OpGet); n != 0 {
		t.Fatalf("engine Get calls = %d want 0", n)
	}
	if s := f.db.Stats(); s.Hits != 2 || s.Misses != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestMissPopulatesPresent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)

	// written behind the cache's back
	if err := f.db.view.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	mustGet(t, f.db, "k", "v")
	mustGet(t, f.db, "k", "v")
	if n := f.obs.Calls(kvtest.OpGet); n != 1 {
		t.Fatalf("engine Get calls = %d want 1", n)
	}
	if s := f.db.Stats(); s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestDeleteInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)

	mustPut(t, f.db, "k", "v")
	if err := f.db.Delete(ctx, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, st := f.db.entries.get(ctx, []byte("k")); st == statePresent {
		t.Fatalf("entry still present after delete")
	}
	f.obs.Reset()
	mustNotFound(t, f.db, "k")
	// unknown, not Absent: the engine is consulted once
	if n := f.obs.Calls(kvtest.OpGet); n != 1 {
		t.Fatalf("engine Get calls = %d want 1", n)
	}
}

func TestNotFoundCachedUntilPut(t *testing.T) {
	f := newFixture(t, "db", nil)

	mustNotFound(t, f.db, "k")
	mustNotFound(t, f.db, "k")
	if n := f.obs.Calls(kvtest.OpGet); n != 1 {
		t.Fatalf("engine Get calls = %d want 1", n)
	}
	if s := f.db.Stats(); s.AbsentHits != 1 {
		t.Fatalf("stats = %+v", s)
	}

	mustPut(t, f.db, "k", "v2")
	mustGet(t, f.db, "k", "v2")
}

func TestDisableNotFoundCache(t *testing.T) {
	f := newFixture(t, "db", func(o *Options) { o.DisableNotFoundCache = true })

	mustNotFound(t, f.db, "k")
	mustNotFound(t, f.db, "k")
	if n := f.obs.Calls(kvtest.OpGet); n != 2 {
		t.Fatalf("engine Get calls = %d want 2", n)
	}
}

func TestEmptyValueIsPresent(t *testing.T) {
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "k", "")
	got, err := f.db.Get(context.Background(), []byte("k"))
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("Get = %q, %v; want empty non-nil value", got, err)
	}
}

func TestReturnedValueIsACopy(t *testing.T) {
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "k", "abc")
	got, _ := f.db.Get(context.Background(), []byte("k"))
	got[0] = 'X'
	mustGet(t, f.db, "k", "abc")
}

// ==============================
// Namespaces
// ==============================

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	engine := memdb.New(memdb.Options{})
	prov := newMemProvider()
	open := func(name string) DB {
		t.Helper()
		d, err := Open(name, Options{Store: engine, Provider: prov})
		if err != nil {
			t.Fatalf("Open(%q): %v", name, err)
		}
		return d
	}

	one := open("bang!")
	mustPut(t, one, "!db1", "secret")

	two := open("bang!!")
	for _, k := range []string{"!db1", ":!db1", "!:!db1", "!!:!db1"} {
		mustNotFound(t, two, k)
	}
	it, err := two.Iterator(ctx, kv.IterOptions{})
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}
	if e, ok, err := it.Next(ctx); ok || err != nil {
		t.Fatalf("bang!! sees %q (err=%v)", e.Key, err)
	}
	_ = it.Close()

	if err := one.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	one = open("bang!")
	mustNotFound(t, one, "missing")
	mustGet(t, one, "!db1", "secret")

	// the longer name writes; "bang!!"+"db2" must not read back as "bang!"+"!db2"
	mustPut(t, two, "db2", "other")
	if err := one.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	one = open("bang!")
	defer one.Close(ctx)
	for _, k := range []string{"!db2", "db2", "!!db2"} {
		mustNotFound(t, one, k)
	}
	mustGet(t, two, "db2", "other")
	_ = two.Close(ctx)
}

// ==============================
// Iterators bypass the cache
// ==============================

func TestIteratorMonotonicUnderDelete(t *testing.T) {
	ctx := context.Background()
	for _, snapshot := range []bool{false, true} {
		d, err := Open("it", Options{Store: memdb.New(memdb.Options{Snapshot: snapshot}), Provider: newMemProvider()})
		if err != nil {
			t.Fatal(err)
		}
		for _, k := range []string{"a", "b", "c"} {
			mustPut(t, d, k, k)
		}
		it, err := d.Iterator(ctx, kv.IterOptions{Start: []byte("a")})
		if err != nil {
			t.Fatal(err)
		}
		e, ok, err := it.Next(ctx)
		if err != nil || !ok || string(e.Key) != "a" {
			t.Fatalf("first = %q ok=%v err=%v", e.Key, ok, err)
		}
		if err := d.Delete(ctx, []byte("b")); err != nil {
			t.Fatal(err)
		}
		e, ok, err = it.Next(ctx)
		if err != nil || !ok {
			t.Fatalf("second: ok=%v err=%v", ok, err)
		}
		want := "c"
		if snapshot {
			want = "b"
		}
		if string(e.Key) != want {
			t.Fatalf("snapshot=%v: second = %q want %q", snapshot, e.Key, want)
		}
		_ = it.Close()
		_ = d.Close(ctx)
	}
}

func TestIteratorMonotonicUnderInsertBehind(t *testing.T) {
	ctx := context.Background()
	for _, snapshot := range []bool{false, true} {
		d, err := Open("it", Options{Store: memdb.New(memdb.Options{Snapshot: snapshot}), Provider: newMemProvider()})
		if err != nil {
			t.Fatal(err)
		}
		for _, k := range []string{"c", "d", "e"} {
			mustPut(t, d, k, k)
		}
		it, err := d.Iterator(ctx, kv.IterOptions{Start: []byte("c")})
		if err != nil {
			t.Fatal(err)
		}
		if e, ok, err := it.Next(ctx); err != nil || !ok || string(e.Key) != "c" {
			t.Fatalf("first = %q ok=%v err=%v", e.Key, ok, err)
		}
		err = d.Batch(ctx, []kv.Op{kv.Del([]byte("c")), kv.Put([]byte("a"), []byte("a")), kv.Put([]byte("b"), []byte("b"))})
		if err != nil {
			t.Fatal(err)
		}
		e, ok, err := it.Next(ctx)
		if err != nil || !ok || string(e.Key) != "d" {
			t.Fatalf("snapshot=%v: second = %q ok=%v err=%v, want d", snapshot, e.Key, ok, err)
		}
		_ = it.Close()
		_ = d.Close(ctx)
	}
}

func TestIteratorExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "a", "1")

	it, err := f.db.Iterator(ctx, kv.IterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	if _, ok, err := it.Next(ctx); !ok || err != nil {
		t.Fatalf("first: ok=%v err=%v", ok, err)
	}
	for i := 0; i < 3; i++ {
		if _, ok, err := it.Next(ctx); ok || err != nil {
			t.Fatalf("after end #%d: ok=%v err=%v", i, ok, err)
		}
	}
	if n := f.prov.len(); n != 1 {
		t.Fatalf("iteration touched the cache: %d records", n)
	}
}

// ==============================
// Batch
// ==============================

func TestBatchLaterOpWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "a", "old")

	err := f.db.Batch(ctx, []kv.Op{kv.Del([]byte("a")), kv.Put([]byte("a"), []byte("v"))})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	v, st := f.db.entries.get(ctx, []byte("a"))
	if st != statePresent || string(v) != "v" {
		t.Fatalf("entry = %q state=%d; want Present(v)", v, st)
	}

	err = f.db.Batch(ctx, []kv.Op{kv.Put([]byte("a"), []byte("x")), kv.Del([]byte("a"))})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if _, st := f.db.entries.get(ctx, []byte("a")); st != stateUnknown {
		t.Fatalf("state=%d want unknown", st)
	}
	mustNotFound(t, f.db, "a")
}

func TestBatchInvalidatesCachedAbsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	mustNotFound(t, f.db, "a")
	if err := f.db.Batch(ctx, []kv.Op{kv.Put([]byte("a"), []byte("1")), kv.Put([]byte("b"), []byte("2"))}); err != nil {
		t.Fatal(err)
	}
	f.obs.Reset()
	mustGet(t, f.db, "a", "1")
	mustGet(t, f.db, "b", "2")
	if n := f.obs.Calls(kvtest.OpGet); n != 0 {
		t.Fatalf("engine Get calls = %d want 0", n)
	}
}

func TestEmptyBatchReachesEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	if err := f.db.Batch(ctx, nil); err != nil {
		t.Fatalf("Batch(nil): %v", err)
	}
	if n := f.obs.Calls(kvtest.OpBatch); n != 1 {
		t.Fatalf("engine Batch calls = %d want 1", n)
	}
}

// ==============================
// Engine errors
// ==============================

func TestEngineErrorsVerbatimCacheUntouched(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "k", "v1")

	f.obs.Fail(kvtest.OpPut, boom)
	if err := f.db.Put(ctx, []byte("k"), []byte("v2")); err != boom {
		t.Fatalf("Put err = %v want %v", err, boom)
	}
	f.obs.Fail(kvtest.OpDelete, boom)
	if err := f.db.Delete(ctx, []byte("k")); err != boom {
		t.Fatalf("Delete err = %v want %v", err, boom)
	}
	f.obs.Fail(kvtest.OpBatch, boom)
	if err := f.db.Batch(ctx, []kv.Op{kv.Del([]byte("k"))}); err != boom {
		t.Fatalf("Batch err = %v want %v", err, boom)
	}
	mustGet(t, f.db, "k", "v1")

	f.obs.Fail(kvtest.OpGet, boom)
	if _, err := f.db.Get(ctx, []byte("other")); err != boom {
		t.Fatalf("Get err = %v want %v", err, boom)
	}
	if _, st := f.db.entries.get(ctx, []byte("other")); st != stateUnknown {
		t.Fatalf("failed Get populated the cache: state=%d", st)
	}
}

// ==============================
// Generations and self-heal
// ==============================

// TestPopulateRacingPutIsDropped: a Put lands between the engine read and the
// populate. The old value must not become Present.
func TestPopulateRacingPutIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	if err := f.db.view.Put(ctx, []byte("k"), []byte("old")); err != nil {
		t.Fatal(err)
	}

	var once sync.Once
	f.obs.AfterGet = func(ctx context.Context, _ []byte) {
		once.Do(func() {
			if err := f.db.Put(ctx, []byte("k"), []byte("new")); err != nil {
				t.Errorf("racing Put: %v", err)
			}
		})
	}

	mustGet(t, f.db, "k", "old")
	if !f.hooks.has("populate_skipped:" + ReasonGenMoved) {
		t.Fatalf("populate not skipped; hooks=%v", f.hooks.events)
	}
	if s := f.db.Stats(); s.PopulateSkips != 1 {
		t.Fatalf("stats = %+v", s)
	}
	f.obs.Reset()
	mustGet(t, f.db, "k", "new")
	if n := f.obs.Calls(kvtest.OpGet); n != 0 {
		t.Fatalf("engine Get calls = %d want 0", n)
	}
}

// TestPopulateRacingMutationWithFailedBump: the racing mutation cannot bump the
// generation. Its record delete succeeds, so it reports success, and the stale
// read must still not be cached.
func TestPopulateRacingMutationWithFailedBump(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(ctx context.Context, d *db) error
		check  func(t *testing.T, d *db)
	}{
		{
			name:   "put",
			mutate: func(ctx context.Context, d *db) error { return d.Put(ctx, []byte("k"), []byte("new")) },
			check:  func(t *testing.T, d *db) { mustGet(t, d, "k", "new") },
		},
		{
			name:   "delete",
			mutate: func(ctx context.Context, d *db) error { return d.Delete(ctx, []byte("k")) },
			check:  func(t *testing.T, d *db) { mustNotFound(t, d, "k") },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, "db", nil)
			if err := f.db.view.Put(ctx, []byte("k"), []byte("old")); err != nil {
				t.Fatal(err)
			}

			var once sync.Once
			f.obs.AfterGet = func(ctx context.Context, _ []byte) {
				once.Do(func() {
					f.gens.set(errors.New("gen down"), nil)
					if err := tc.mutate(ctx, f.db); err != nil {
						t.Errorf("racing mutation: %v", err)
					}
					f.gens.set(nil, nil)
				})
			}

			mustGet(t, f.db, "k", "old")
			if !f.hooks.has("gen_bump_error") {
				t.Fatalf("bump did not fail; hooks=%v", f.hooks.events)
			}
			if !f.hooks.has("populate_skipped:" + ReasonMutated) {
				t.Fatalf("populate not skipped; hooks=%v", f.hooks.events)
			}
			if n := f.prov.len(); n != 0 {
				t.Fatalf("provider holds %d records want 0", n)
			}
			tc.check(t, f.db)
		})
	}
}

// TestStaleRecordIsRejected: a record written under an old generation, however
// late it lands, is never served.
func TestStaleRecordIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "k", "v1")
	mustPut(t, f.db, "k", "v2")

	sk := f.db.entries.storageKey([]byte("k"))
	// late write of the first value under gen 1
	stale := wire.EncodePresent(1, []byte("v1"))
	if ok, err := f.prov.Set(ctx, sk, stale, 1, 0); !ok || err != nil {
		t.Fatalf("inject: ok=%v err=%v", ok, err)
	}
	mustGet(t, f.db, "k", "v2")
	if !f.hooks.has("self_heal:" + ReasonGenMismatch) {
		t.Fatalf("no gen_mismatch self-heal; hooks=%v", f.hooks.events)
	}
}

func TestSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	if err := f.db.view.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	sk := f.db.entries.storageKey([]byte("k"))
	if ok, err := f.prov.Set(ctx, sk, []byte("not-wire-format"), 1, time.Minute); err != nil || !ok {
		t.Fatalf("inject corrupt: ok=%v err=%v", ok, err)
	}

	mustGet(t, f.db, "k", "v")
	if !f.hooks.has("self_heal:" + ReasonCorrupt) {
		t.Fatalf("no corrupt self-heal; hooks=%v", f.hooks.events)
	}
	if s := f.db.Stats(); s.SelfHeals != 1 {
		t.Fatalf("stats = %+v", s)
	}
	// the populate replaced the corrupt record
	f.obs.Reset()
	mustGet(t, f.db, "k", "v")
	if n := f.obs.Calls(kvtest.OpGet); n != 0 {
		t.Fatalf("engine Get calls = %d want 0", n)
	}
}

func TestStorageKeyLayout(t *testing.T) {
	f := newFixture(t, "bang!", nil)
	if got := f.db.entries.storageKey([]byte("k")); got != "entry:bang!!!:k" {
		t.Fatalf("storage key = %q", got)
	}
}

// ==============================
// Cache outages
// ==============================

func TestInvalidateErrorWhenBumpAndDeleteFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "k", "v1")

	bumpErr := errors.New("gen down")
	delErr := errors.New("provider down")
	f.gens.set(bumpErr, nil)
	f.prov.mu.Lock()
	f.prov.delErr = delErr
	f.prov.mu.Unlock()

	err := f.db.Put(ctx, []byte("k"), []byte("v2"))
	var ie *InvalidateError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v want *InvalidateError", err)
	}
	if ie.Key != "k" || !errors.Is(err, bumpErr) || !errors.Is(err, delErr) {
		t.Fatalf("unexpected error contents: %v", ie)
	}
	if !f.hooks.has("invalidate_outage") {
		t.Fatalf("outage hook not called; hooks=%v", f.hooks.events)
	}
	// the engine write itself went through
	v, gerr := f.engine.Get(ctx, append(f.db.view.Prefix(), 'k'))
	if gerr != nil || !bytes.Equal(v, []byte("v2")) {
		t.Fatalf("engine value = %q err=%v", v, gerr)
	}
}

func TestBumpFailureFallsBackToDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "k", "v1")

	f.gens.set(errors.New("gen down"), nil)
	if err := f.db.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !f.hooks.has("gen_bump_error") {
		t.Fatalf("bump hook not called")
	}
	if f.prov.has(f.db.entries.storageKey([]byte("k"))) {
		t.Fatalf("stale record survived a failed bump")
	}
	f.gens.set(nil, nil)
	mustGet(t, f.db, "k", "v2")
}

func TestGenSnapshotFailureBypassesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "k", "v")

	f.gens.set(nil, errors.New("gen down"))
	f.obs.Reset()
	mustGet(t, f.db, "k", "v")
	mustNotFound(t, f.db, "missing")
	if n := f.obs.Calls(kvtest.OpGet); n != 2 {
		t.Fatalf("engine Get calls = %d want 2", n)
	}
	if !f.hooks.has("gen_snapshot_error") {
		t.Fatalf("snapshot hook not called")
	}
	f.gens.set(nil, nil)
	if _, st := f.db.entries.get(ctx, []byte("missing")); st != stateUnknown {
		t.Fatalf("populated without a generation: state=%d", st)
	}
}

func TestProviderRejectionIsAMiss(t *testing.T) {
	f := newFixture(t, "db", nil)
	f.prov.mu.Lock()
	f.prov.reject = true
	f.prov.mu.Unlock()

	mustPut(t, f.db, "k", "v")
	if !f.hooks.has("set_rejected") {
		t.Fatalf("rejection hook not called")
	}
	f.obs.Reset()
	mustGet(t, f.db, "k", "v")
	if n := f.obs.Calls(kvtest.OpGet); n != 1 {
		t.Fatalf("engine Get calls = %d want 1", n)
	}
}

func TestProviderGetErrorFallsThrough(t *testing.T) {
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "k", "v")
	f.prov.mu.Lock()
	f.prov.getErr = errors.New("provider down")
	f.prov.mu.Unlock()
	mustGet(t, f.db, "k", "v")
}

func TestEvictionReturnsToUnknown(t *testing.T) {
	f := newFixture(t, "db", nil)
	mustPut(t, f.db, "k", "v")
	if err := f.prov.Del(context.Background(), f.db.entries.storageKey([]byte("k"))); err != nil {
		t.Fatal(err)
	}
	f.obs.Reset()
	mustGet(t, f.db, "k", "v")
	if n := f.obs.Calls(kvtest.OpGet); n != 1 {
		t.Fatalf("engine Get calls = %d want 1", n)
	}
}

// ==============================
// Lifecycle and options
// ==============================

func TestDisabledIsPassThrough(t *testing.T) {
	f := newFixture(t, "db", func(o *Options) { o.Disabled = true })
	if f.db.Enabled() {
		t.Fatalf("Enabled() = true")
	}
	mustPut(t, f.db, "k", "v")
	mustGet(t, f.db, "k", "v")
	mustGet(t, f.db, "k", "v")
	if n := f.obs.Calls(kvtest.OpGet); n != 2 {
		t.Fatalf("engine Get calls = %d want 2", n)
	}
	if f.prov.len() != 0 {
		t.Fatalf("disabled DB wrote to the provider")
	}
}

func TestCloseIsIdempotentAndRejectsOps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", nil)
	if err := f.db.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.db.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !f.prov.closed {
		t.Fatalf("provider not closed")
	}
	if _, err := f.db.Get(ctx, []byte("k")); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("Get after close: %v", err)
	}
	if err := f.db.Put(ctx, []byte("k"), []byte("v")); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("Put after close: %v", err)
	}
	// shared engine stays open
	if err := f.engine.Put(ctx, []byte("x"), []byte("y")); err != nil {
		t.Fatalf("engine closed without CloseStore: %v", err)
	}
}

func TestCloseStoreClosesEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", func(o *Options) { o.CloseStore = true })
	if err := f.db.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.engine.Get(ctx, []byte("x")); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("engine Get after close: %v", err)
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open("db", Options{}); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("nil store: %v", err)
	}
	if _, err := Open("", Options{Store: memdb.New(memdb.Options{})}); err == nil {
		t.Fatalf("empty name accepted")
	}
	_, err := Open("db", Options{Store: memdb.New(memdb.Options{}), EntryTTL: time.Hour, GenRetention: time.Minute})
	if err == nil {
		t.Fatalf("retention below entry TTL accepted")
	}
}

func TestDefaults(t *testing.T) {
	d, err := newDB("db", Options{Store: memdb.New(memdb.Options{})})
	if err != nil {
		t.Fatalf("newDB: %v", err)
	}
	defer d.Close(context.Background())
	if d.entries.ttl != defaultEntryTTL || len(d.locks.stripes) != defaultStripes {
		t.Fatalf("ttl=%v stripes=%d", d.entries.ttl, len(d.locks.stripes))
	}
	if d.Name() != "db" || !d.Enabled() {
		t.Fatalf("name=%q enabled=%v", d.Name(), d.Enabled())
	}
	mustPut(t, d, "k", "v")
	mustGet(t, d, "k", "v")
	if s := d.Stats(); s.Hits != 1 {
		t.Fatalf("default provider did not serve the hit: %+v", s)
	}
}

// ==============================
// Concurrency
// ==============================

// TestConcurrentWritersAndReaders: once writers stop, the cache agrees with the
// engine for every key.
func TestConcurrentWritersAndReaders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "db", func(o *Options) { o.LockStripes = 4 })

	keys := []string{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		w := w
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := []byte(keys[i%len(keys)])
				switch i % 3 {
				case 0:
					_ = f.db.Delete(ctx, k)
				case 1:
					_ = f.db.Batch(ctx, []kv.Op{kv.Put(k, []byte(fmt.Sprintf("b%d-%d", w, i))), kv.Del([]byte(keys[(i+1)%len(keys)]))})
				default:
					_ = f.db.Put(ctx, k, []byte(fmt.Sprintf("p%d-%d", w, i)))
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 400; i++ {
				_, _ = f.db.Get(ctx, []byte(keys[i%len(keys)]))
			}
		}()
	}
	wg.Wait()

	for _, k := range keys {
		want, werr := f.db.view.Get(ctx, []byte(k))
		got, gerr := f.db.Get(ctx, []byte(k))
		if !errors.Is(gerr, werr) && gerr != werr {
			t.Fatalf("%s: cache err=%v engine err=%v", k, gerr, werr)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%s: cache=%q engine=%q", k, got, want)
		}
	}
}
