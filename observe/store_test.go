package observe

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
)

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := OpenBoltStore(filepath.Join(t.TempDir(), "observe.db"))
	if err != nil {
		t.Fatalf("open bolt store: %s", err)
	}
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func identities(subs []Subscriber) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Identity)
	}
	sort.Strings(out)
	return out
}

func TestStorePutIterDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Put(ctx, "/sensor", "dev-1", Record{Token: []byte{0x01}, Seq: 0}); err != nil {
				t.Fatalf("put dev-1: %s", err)
			}
			if err := store.Put(ctx, "/sensor", "dev-2", Record{Token: []byte{0x02}, Seq: 0}); err != nil {
				t.Fatalf("put dev-2: %s", err)
			}
			if err := store.Put(ctx, "/other", "dev-1", Record{Token: []byte{0x03}, Seq: 0}); err != nil {
				t.Fatalf("put dev-1 other: %s", err)
			}

			subs, err := store.Iter(ctx, "/sensor")
			if err != nil {
				t.Fatalf("iter: %s", err)
			}
			if got, want := identities(subs), []string{"dev-1", "dev-2"}; !equalStrings(got, want) {
				t.Fatalf("iter /sensor = %v, want %v", got, want)
			}

			if err := store.Delete(ctx, "/sensor", "dev-1"); err != nil {
				t.Fatalf("delete: %s", err)
			}
			subs, err = store.Iter(ctx, "/sensor")
			if err != nil {
				t.Fatalf("iter after delete: %s", err)
			}
			if got, want := identities(subs), []string{"dev-2"}; !equalStrings(got, want) {
				t.Fatalf("iter /sensor after delete = %v, want %v", got, want)
			}

			// /other is untouched by the /sensor delete.
			subs, err = store.Iter(ctx, "/other")
			if err != nil {
				t.Fatalf("iter /other: %s", err)
			}
			if len(subs) != 1 {
				t.Fatalf("iter /other = %v, want 1 entry", subs)
			}
		})
	}
}

func TestStoreDeleteAll(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			store.Put(ctx, "/a", "dev-1", Record{Token: []byte{1}})
			store.Put(ctx, "/b", "dev-1", Record{Token: []byte{2}})
			store.Put(ctx, "/a", "dev-2", Record{Token: []byte{3}})

			if err := store.DeleteAll(ctx, "dev-1"); err != nil {
				t.Fatalf("delete all: %s", err)
			}

			subsA, _ := store.Iter(ctx, "/a")
			if got, want := identities(subsA), []string{"dev-2"}; !equalStrings(got, want) {
				t.Fatalf("/a after DeleteAll(dev-1) = %v, want %v", got, want)
			}
			subsB, _ := store.Iter(ctx, "/b")
			if len(subsB) != 0 {
				t.Fatalf("/b after DeleteAll(dev-1) = %v, want empty", subsB)
			}
		})
	}
}

func TestStoreBumpSeq(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Put(ctx, "/sensor", "dev-1", Record{Token: []byte{0xaa}, Seq: 0}); err != nil {
				t.Fatalf("put: %s", err)
			}
			seq, err := store.BumpSeq(ctx, "/sensor", "dev-1")
			if err != nil {
				t.Fatalf("bump seq: %s", err)
			}
			if seq != 1 {
				t.Fatalf("first bump = %d, want 1", seq)
			}
			seq, err = store.BumpSeq(ctx, "/sensor", "dev-1")
			if err != nil {
				t.Fatalf("bump seq 2: %s", err)
			}
			if seq != 2 {
				t.Fatalf("second bump = %d, want 2", seq)
			}

			subs, err := store.Iter(ctx, "/sensor")
			if err != nil || len(subs) != 1 {
				t.Fatalf("iter after bump = %v, %v", subs, err)
			}
			if subs[0].Record.Seq != 2 {
				t.Fatalf("stored seq = %d, want 2", subs[0].Record.Seq)
			}
			if string(subs[0].Record.Token) != "\xaa" {
				t.Fatalf("token mutated by bump: %x", subs[0].Record.Token)
			}

			if _, err := store.BumpSeq(ctx, "/sensor", "no-such-dev"); err == nil {
				t.Fatalf("bump seq on unknown subscription: want error")
			}
		})
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
