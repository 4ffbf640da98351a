package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id        TEXT PRIMARY KEY,
	source    TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	text      TEXT NOT NULL,
	embedding BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const metaDimKey = "embedding_dim"

// Store is a sqlite-backed vector index. Embeddings are stored as raw
// little-endian float32 blobs; similarity search scans and ranks in process,
// which is plenty for the corpus sizes a local chat session indexes.
type Store struct {
	db       *sql.DB
	embedder Embedder
	minScore float64
}

// OpenStore opens (creating if needed) the index at path. Use ":memory:"
// for an ephemeral index. The embedding dimension is recorded in the
// store on first use; opening with an embedder of a different dimension
// fails rather than returning silently empty results. A nil embedder
// adopts the stored dimension (hash embedder default for a new index).
func OpenStore(path string, embedder Embedder, minScore float64) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("retrieval: open index %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("retrieval: init schema: %w", err)
	}

	stored, ok, err := storedDim(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("retrieval: read index dimension: %w", err)
	}
	if embedder == nil {
		if ok {
			embedder = NewHashEmbedder(stored)
		} else {
			embedder = NewHashEmbedder(0)
		}
	} else if ok && embedder.Dim() != stored {
		_ = db.Close()
		return nil, fmt.Errorf("retrieval: index %s was built with dimension %d, embedder produces %d (reindex or match --dim)",
			path, stored, embedder.Dim())
	}
	if !ok {
		if _, err := db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
			metaDimKey, embedder.Dim()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("retrieval: record index dimension: %w", err)
		}
	}
	return &Store{db: db, embedder: embedder, minScore: minScore}, nil
}

func storedDim(db *sql.DB) (int, bool, error) {
	var dim int
	err := db.QueryRow(`SELECT value FROM meta WHERE key = ?`, metaDimKey).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return dim, true, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Add inserts or replaces one chunk with its embedding.
func (s *Store) Add(ctx context.Context, id, source string, seq int, text string) error {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("retrieval: embed chunk %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunks (id, source, seq, text, embedding) VALUES (?, ?, ?, ?, ?)`,
		id, source, seq, text, encodeVector(vec))
	if err != nil {
		return fmt.Errorf("retrieval: insert chunk %s: %w", id, err)
	}
	return nil
}

// Count returns the number of indexed chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// Retrieve returns up to k passages ranked by cosine similarity descending.
// Ties are broken by source then id so results are stable. Backend failures
// come back wrapped in ErrUnavailable.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrUnavailable, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, source, text, embedding FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var scored []Passage
	for rows.Next() {
		var (
			p    Passage
			blob []byte
		)
		if err := rows.Scan(&p.ID, &p.Source, &p.Text, &blob); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		vec := decodeVector(blob)
		if len(vec) != len(queryVec) {
			continue // indexed under a different embedder dimension
		}
		p.Score = cosine(queryVec, vec)
		if p.Score < s.minScore {
			continue
		}
		scored = append(scored, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Source != scored[j].Source {
			return scored[i].Source < scored[j].Source
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
