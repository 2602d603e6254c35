package gallery_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/MrWong99/lumina/internal/gallery"
)

func newStore(t *testing.T) *gallery.FileStore {
	t.Helper()
	return gallery.NewFileStore(filepath.Join(t.TempDir(), "nested", "gallery.json"))
}

func TestFileStore_EmptyList(t *testing.T) {
	t.Parallel()
	items, err := newStore(t).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("List() = %d items, want 0", len(items))
	}
}

func TestFileStore_AppendNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	first := gallery.NewItem(gallery.Image, "data:image/png;base64,AA==", "a cat", "m1")
	second := gallery.NewItem(gallery.Image, "data:image/png;base64,AQ==", "a dog", "m2")
	for _, it := range []gallery.Item{first, second} {
		if err := s.Append(ctx, it); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	items, err := gallery.NewFileStore(s.Path()).List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("List() = %d items, want 2", len(items))
	}
	if items[0].ID != second.ID || items[1].ID != first.ID {
		t.Errorf("order = [%s %s], want newest first", items[0].Prompt, items[1].Prompt)
	}
	if items[0].Model != "m2" || items[0].Type != gallery.Image {
		t.Errorf("item = %+v", items[0])
	}
}

func TestFileStore_Remove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	a := gallery.NewItem(gallery.Image, "data:,a", "a", "m")
	b := gallery.NewItem(gallery.Image, "data:,b", "b", "m")
	_ = s.Append(ctx, a)
	_ = s.Append(ctx, b)

	if err := s.Remove(ctx, a.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	items, _ := s.List(ctx)
	if len(items) != 1 || items[0].ID != b.ID {
		t.Errorf("after Remove = %+v, want only b", items)
	}

	if err := s.Remove(ctx, uuid.New()); !errors.Is(err, gallery.ErrNotFound) {
		t.Errorf("Remove(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestFileStore_Clear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	_ = s.Append(ctx, gallery.NewItem(gallery.Image, "data:,a", "a", "m"))

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	items, err := s.List(ctx)
	if err != nil || len(items) != 0 {
		t.Errorf("List() = %v, %v; want empty", items, err)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), []byte("[oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.List(context.Background()); err == nil {
		t.Error("List() error = nil, want parse error")
	}
}

func TestNewItem(t *testing.T) {
	t.Parallel()
	a := gallery.NewItem(gallery.Video, "data:,x", "p", "m")
	b := gallery.NewItem(gallery.Video, "data:,x", "p", "m")
	if a.ID == b.ID {
		t.Error("NewItem reused an id")
	}
	if a.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}
