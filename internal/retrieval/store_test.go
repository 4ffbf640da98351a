package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:", NewHashEmbedder(64), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRetrieveRanksByScoreDescending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	docs := []struct{ id, source, text string }{
		{"1", "cats.txt", "cats are small furry felines that purr"},
		{"2", "dogs.txt", "dogs are loyal companions that bark"},
		{"3", "cooking.txt", "simmer the onions until translucent"},
	}
	for i, d := range docs {
		if err := s.Add(ctx, d.id, d.source, i, d.text); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Retrieve(ctx, "furry cats that purr", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d passages, want 2", len(got))
	}
	if got[0].Source != "cats.txt" {
		t.Fatalf("top passage from %s, want cats.txt", got[0].Source)
	}
	if got[0].Score < got[1].Score {
		t.Fatalf("scores not descending: %v then %v", got[0].Score, got[1].Score)
	}
}

func TestRetrieveTieBreakBySource(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Identical text embeds identically, forcing a score tie.
	if err := s.Add(ctx, "b-id", "zebra.txt", 0, "identical passage text"); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, "a-id", "aardvark.txt", 0, "identical passage text"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Retrieve(ctx, "identical passage text", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Source != "aardvark.txt" {
		t.Fatalf("tie not broken by source: %+v", got)
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Retrieve(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("empty index must not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d passages from empty index", len(got))
	}
}

func TestMinScoreFilters(t *testing.T) {
	ctx := context.Background()
	s, err := OpenStore(":memory:", NewHashEmbedder(64), 0.9)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Add(ctx, "1", "a.txt", 0, "completely unrelated words here"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Retrieve(ctx, "quantum chromodynamics lattice", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("low-score passage not filtered: %+v", got)
	}
}

func TestIndexDirChunksFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dir := t.TempDir()
	body := "first paragraph about gophers.\n\nsecond paragraph about burrows."
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89, 'P'}, 0o644); err != nil {
		t.Fatal(err)
	}

	added, err := IndexDir(ctx, s, dir)
	if err != nil {
		t.Fatal(err)
	}
	if added == 0 {
		t.Fatal("nothing indexed")
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != added {
		t.Fatalf("store holds %d chunks, indexer reported %d", n, added)
	}

	got, err := s.Retrieve(ctx, "gophers", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Source != "notes.md" {
		t.Fatalf("retrieve after indexing: %+v", got)
	}
}

func TestChunkText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"whitespace", "  \n\n  ", 0},
		{"single", "one paragraph", 1},
		{"merged", "short one\n\nshort two", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ChunkText(tc.in); len(got) != tc.want {
				t.Fatalf("ChunkText(%q) produced %d chunks, want %d", tc.in, len(got), tc.want)
			}
		})
	}
}

func TestStoreRecordsEmbeddingDimension(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	s, err := OpenStore(path, NewHashEmbedder(64), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, "1", "notes.txt", 0, "cats are small furry felines"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// A nil embedder picks up the recorded dimension, so chunks indexed
	// under a non-default width stay retrievable.
	s2, err := OpenStore(path, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()
	if got := s2.embedder.Dim(); got != 64 {
		t.Fatalf("adopted dimension = %d, want 64", got)
	}
	got, err := s2.Retrieve(ctx, "furry cats", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("retrieve = %+v", got)
	}

	// A mismatched embedder is an error, not an empty result set.
	if _, err := OpenStore(path, NewHashEmbedder(32), 0); err == nil {
		t.Fatal("dimension mismatch accepted")
	}
}
