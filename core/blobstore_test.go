package core

import "testing"

func TestMemBlobStorePutGetIdempotent(t *testing.T) {
	bs := NewMemBlobStore()
	h1 := bs.Put([]byte("hello"))
	h2 := bs.Put([]byte("hello"))
	if h1 != h2 {
		t.Fatalf("expected identical hash for identical content, got %s vs %s", h1, h2)
	}
	got, ok := bs.Get(h1)
	if !ok {
		t.Fatalf("expected stored content to be found")
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestMemBlobStoreMissing(t *testing.T) {
	bs := NewMemBlobStore()
	if _, ok := bs.Get(HashBytes([]byte("nope"))); ok {
		t.Fatalf("expected miss for unwritten key")
	}
}

func TestOverlayBlobStoreShadowsBase(t *testing.T) {
	base := NewMemBlobStore()
	baseHash := base.Put([]byte("base-value"))

	overlay := base.Overlay()
	overlayHash := overlay.Put([]byte("overlay-value"))

	if got, ok := overlay.Get(baseHash); !ok || string(got) != "base-value" {
		t.Fatalf("overlay should read through to base, got %q ok=%v", got, ok)
	}
	if _, ok := base.Get(overlayHash); ok {
		t.Fatalf("base must not observe overlay-only writes")
	}
	if got, ok := overlay.Get(overlayHash); !ok || string(got) != "overlay-value" {
		t.Fatalf("overlay should read back its own write, got %q ok=%v", got, ok)
	}
}

func TestOverlayBlobStoreNested(t *testing.T) {
	base := NewMemBlobStore()
	h := base.Put([]byte("v1"))
	o1 := base.Overlay()
	o2 := o1.Overlay()
	if got, ok := o2.Get(h); !ok || string(got) != "v1" {
		t.Fatalf("nested overlay should read through two layers, got %q ok=%v", got, ok)
	}
}
