package history

import (
	"bytes"
	"io"
	"log"
	"strings"
	"testing"
)

func quiet[K int | uint32 | float64, T any](h *History[K, T]) *History[K, T] {
	return h.Named("test", log.New(io.Discard, "", 0))
}

func TestAdd_EvictsOldestFirst(t *testing.T) {
	h := quiet(New[int, string](3))
	for i := 1; i <= 10; i++ {
		h.Add(i, "v")
		if h.Len() > 3 {
			t.Fatalf("len=%d after %d adds", h.Len(), i)
		}
		oldest, _ := h.Oldest()
		want := i - 2
		if want < 1 {
			want = 1
		}
		if oldest.Key != want {
			t.Fatalf("after add %d oldest=%d want %d", i, oldest.Key, want)
		}
	}
	if got := h.Keys(); len(got) != 3 || got[0] != 8 || got[2] != 10 {
		t.Fatalf("keys=%v", got)
	}
}

func TestAdd_UnboundedWhenZero(t *testing.T) {
	h := quiet(New[int, int](0))
	for i := 0; i < 500; i++ {
		h.Add(i, i)
	}
	if h.Len() != 500 {
		t.Fatalf("len=%d", h.Len())
	}
}

func TestAdd_DuplicateKeepsExistingAndWarns(t *testing.T) {
	var buf bytes.Buffer
	h := New[int, string](0).Named("inputs", log.New(&buf, "", 0))
	h.Add(5, "first")
	got := h.Add(5, "second")
	if got != "first" {
		t.Fatalf("Add returned %q, want existing entry", got)
	}
	if v, _ := h.Exact(5); v != "first" {
		t.Fatalf("entry overwritten: %q", v)
	}
	if !strings.Contains(buf.String(), "duplicate key 5") {
		t.Fatalf("missing conflict warning: %q", buf.String())
	}
}

func TestAdd_OutOfOrderKeepsOrdering(t *testing.T) {
	var buf bytes.Buffer
	h := New[int, string](0).Named("states", log.New(&buf, "", 0))
	h.Add(10, "a")
	h.Add(30, "c")
	h.Add(20, "b")
	keys := h.Keys()
	if len(keys) != 3 || keys[0] != 10 || keys[1] != 20 || keys[2] != 30 {
		t.Fatalf("keys=%v", keys)
	}
	if !strings.Contains(buf.String(), "out-of-order") {
		t.Fatalf("expected out-of-order warning, got %q", buf.String())
	}
	if v, _ := h.Exact(30); v != "c" {
		t.Fatalf("existing entry corrupted: %q", v)
	}
}

func TestGet_NearestLookup(t *testing.T) {
	h := quiet(New[int, string](0))
	h.Add(10, "ten")
	h.Add(20, "twenty")
	h.Add(30, "thirty")

	cases := []struct {
		key  int
		want string
	}{
		{5, "ten"},
		{10, "ten"},
		{20, "twenty"},
		{25, "twenty"},
		{30, "thirty"},
		{35, "thirty"},
	}
	for _, c := range cases {
		got, ok := h.Get(c.key)
		if !ok || got != c.want {
			t.Fatalf("Get(%d)=%q,%v want %q", c.key, got, ok, c.want)
		}
	}
}

func TestGet_EmptyHistory(t *testing.T) {
	h := New[float64, int](4)
	if v, ok := h.Get(1.5); ok || v != 0 {
		t.Fatalf("Get on empty = %d,%v", v, ok)
	}
	if _, ok := h.Oldest(); ok {
		t.Fatalf("Oldest on empty should fail")
	}
}

func TestOverwrite(t *testing.T) {
	h := quiet(New[int, string](0))
	if h.Overwrite(1, "x") {
		t.Fatalf("overwrite of missing key reported success")
	}
	if h.Len() != 0 {
		t.Fatalf("overwrite of missing key inserted an entry")
	}
	h.Add(1, "a")
	h.Add(2, "b")
	if !h.Overwrite(1, "z") {
		t.Fatalf("overwrite of existing key failed")
	}
	if h.Len() != 2 {
		t.Fatalf("len changed to %d", h.Len())
	}
	if v, _ := h.Exact(1); v != "z" {
		t.Fatalf("value=%q", v)
	}
}

func TestSet_ReplacesUnconditionally(t *testing.T) {
	h := quiet(New[int, string](0))
	h.Set(3, "a")
	h.Set(3, "b")
	if h.Len() != 1 {
		t.Fatalf("len=%d", h.Len())
	}
	if v, _ := h.Exact(3); v != "b" {
		t.Fatalf("value=%q", v)
	}
}

func TestGetAround(t *testing.T) {
	h := quiet(New[float64, string](0))
	h.Add(1.0, "a")
	if _, _, ok := h.GetAround(1.0); ok {
		t.Fatalf("GetAround with one entry should fail")
	}
	h.Add(2.0, "b")
	h.Add(3.0, "c")

	if _, _, ok := h.GetAround(0.5); ok {
		t.Fatalf("GetAround before oldest should fail")
	}
	before, after, ok := h.GetAround(2.5)
	if !ok || before.Value != "b" || after.Value != "c" {
		t.Fatalf("GetAround(2.5)=%v,%v,%v", before, after, ok)
	}
	before, after, ok = h.GetAround(1.0)
	if !ok || before.Key != 1.0 || after.Key != 2.0 {
		t.Fatalf("GetAround(1.0)=%v,%v,%v", before, after, ok)
	}
	before, after, ok = h.GetAround(9.0)
	if !ok || before.Key != 3.0 || after.Key != 3.0 {
		t.Fatalf("GetAround(9.0)=%v,%v,%v", before, after, ok)
	}
}

func TestGetAllAfterAndClearAllBefore(t *testing.T) {
	h := quiet(New[int, int](0))
	for i := 1; i <= 5; i++ {
		h.Add(i*10, i)
	}
	after := h.GetAllAfter(20)
	if len(after) != 3 || after[0].Key != 30 || after[2].Key != 50 {
		t.Fatalf("GetAllAfter(20)=%v", after)
	}
	if got := h.GetAllAfter(25); len(got) != 3 || got[0].Key != 30 {
		t.Fatalf("GetAllAfter(25)=%v", got)
	}
	if got := h.GetAllAfter(50); len(got) != 0 {
		t.Fatalf("GetAllAfter(50)=%v", got)
	}

	h.ClearAllBefore(30)
	if keys := h.Keys(); len(keys) != 3 || keys[0] != 30 {
		t.Fatalf("keys after ClearAllBefore=%v", keys)
	}
}

func TestAuthoritativeFlagsFollowEviction(t *testing.T) {
	h := quiet(New[int, string](2))
	h.AddAuthoritative(1, "a")
	h.Add(2, "b")
	if !h.IsAuthoritative(1) || h.IsAuthoritative(2) {
		t.Fatalf("flags wrong before eviction")
	}
	h.Add(3, "c")
	if h.IsAuthoritative(1) {
		t.Fatalf("evicted key still flagged authoritative")
	}
	h.AddAuthoritative(3, "dup")
	if h.IsAuthoritative(3) {
		t.Fatalf("duplicate AddAuthoritative flagged the existing entry")
	}
	h.SetAuthoritative(2, true)
	h.Remove(2)
	if h.IsAuthoritative(2) {
		t.Fatalf("removed key still flagged")
	}
	h.SetAuthoritative(3, true)
	h.Clear()
	if h.Len() != 0 || h.IsAuthoritative(3) {
		t.Fatalf("Clear left state behind")
	}
}

func TestFind(t *testing.T) {
	h := quiet(New[float64, uint32](0))
	h.Add(0.1, 7)
	h.Add(0.2, 8)
	h.Add(0.3, 9)
	e, ok := h.Find(func(_ float64, v uint32) bool { return v == 8 })
	if !ok || e.Key != 0.2 {
		t.Fatalf("Find=%v,%v", e, ok)
	}
	if _, ok := h.Find(func(_ float64, v uint32) bool { return v == 99 }); ok {
		t.Fatalf("Find matched a missing value")
	}
}
