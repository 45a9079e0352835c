// Package semantic is the vector knowledge base behind resolver semantic
// search: documents and their embeddings in SQLite, scored by cosine
// similarity in Go.
package semantic

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"autopilot/internal/embedding"
	"autopilot/internal/logging"
	"autopilot/internal/resolver"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/blake3"
)

// Document is one indexed text with its metadata.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Index stores documents with their embeddings. Safe for concurrent use.
type Index struct {
	mu        sync.RWMutex
	db        *sql.DB
	engine    embedding.Engine
	batchSize int
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	content      TEXT NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}',
	content_hash TEXT NOT NULL,
	model        TEXT NOT NULL,
	embedding    BLOB NOT NULL,
	updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_documents_model ON documents(model);
`

// Open opens (or creates) the index database at path.
func Open(path string, engine embedding.Engine, batchSize int) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "semantic.Open")
	defer timer.Stop()

	if engine == nil {
		return nil, fmt.Errorf("semantic index requires an embedding engine")
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			logging.EmbeddingDebug("Index: %s failed: %v", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}

	logging.Embedding("Semantic index opened at %s (engine=%s)", path, engine.Name())
	return &Index{db: db, engine: engine, batchSize: batchSize}, nil
}

// Close closes the database.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.db.Close()
}

func contentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

// Upsert embeds and stores docs. Documents whose content and engine are
// unchanged since the last upsert are not re-embedded. It returns the
// number of documents embedded.
func (x *Index) Upsert(ctx context.Context, docs []Document) (int, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "Index.Upsert")
	defer timer.Stop()

	x.mu.Lock()
	defer x.mu.Unlock()

	model := x.engine.Name()
	stale := make([]Document, 0, len(docs))
	for _, d := range docs {
		var hash, storedModel string
		err := x.db.QueryRowContext(ctx, "SELECT content_hash, model FROM documents WHERE id = ?", d.ID).Scan(&hash, &storedModel)
		switch {
		case err == sql.ErrNoRows:
			stale = append(stale, d)
		case err != nil:
			return 0, fmt.Errorf("lookup %s: %w", d.ID, err)
		case hash != contentHash(d.Content) || storedModel != model:
			stale = append(stale, d)
		default:
			if err := x.writeMetadata(ctx, d); err != nil {
				return 0, err
			}
		}
	}

	embedded := 0
	for start := 0; start < len(stale); start += x.batchSize {
		end := min(start+x.batchSize, len(stale))
		batch := stale[start:end]

		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Content
		}
		vecs, err := x.engine.EmbedBatch(ctx, texts)
		if err != nil {
			return embedded, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if len(vecs) != len(batch) {
			return embedded, fmt.Errorf("engine returned %d vectors for %d documents", len(vecs), len(batch))
		}

		tx, err := x.db.BeginTx(ctx, nil)
		if err != nil {
			return embedded, err
		}
		for i, d := range batch {
			meta, _ := json.Marshal(d.Metadata)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO documents (id, content, metadata, content_hash, model, embedding, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(id) DO UPDATE SET
					content = excluded.content,
					metadata = excluded.metadata,
					content_hash = excluded.content_hash,
					model = excluded.model,
					embedding = excluded.embedding,
					updated_at = CURRENT_TIMESTAMP`,
				d.ID, d.Content, string(meta), contentHash(d.Content), model, encodeVector(vecs[i]))
			if err != nil {
				tx.Rollback()
				return embedded, fmt.Errorf("store %s: %w", d.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return embedded, err
		}
		embedded += len(batch)
	}

	logging.Embedding("Index upsert: %d documents, %d embedded", len(docs), embedded)
	return embedded, nil
}

func (x *Index) writeMetadata(ctx context.Context, d Document) error {
	meta, _ := json.Marshal(d.Metadata)
	_, err := x.db.ExecContext(ctx, "UPDATE documents SET metadata = ? WHERE id = ?", string(meta), d.ID)
	return err
}

// Prune deletes every document whose id is not in keep.
func (x *Index) Prune(ctx context.Context, keep map[string]bool) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	rows, err := x.db.QueryContext(ctx, "SELECT id FROM documents")
	if err != nil {
		return 0, err
	}
	var drop []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[id] {
			drop = append(drop, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range drop {
		if _, err := x.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
			return 0, err
		}
	}
	return len(drop), nil
}

// Count returns the number of indexed documents.
func (x *Index) Count(ctx context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var n int
	err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n)
	return n, err
}

// Search implements resolver.SemanticSearcher. Only documents embedded by
// the current engine are scored.
func (x *Index) Search(ctx context.Context, query string, maxResults int) ([]resolver.SemanticResult, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "Index.Search")
	defer timer.Stop()

	qvec, err := embedding.EmbedQuery(ctx, x.engine, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	rows, err := x.db.QueryContext(ctx,
		"SELECT content, metadata, embedding FROM documents WHERE model = ? ORDER BY id", x.engine.Name())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		docs   []resolver.SemanticResult
		corpus [][]float32
	)
	for rows.Next() {
		var content, metaJSON string
		var blob []byte
		if err := rows.Scan(&content, &metaJSON, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			logging.EmbeddingDebug("Index.Search: skipping corrupt vector: %v", err)
			continue
		}
		var meta map[string]string
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		docs = append(docs, resolver.SemanticResult{Content: content, Metadata: meta})
		corpus = append(corpus, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	top := embedding.FindTopK(qvec, corpus, maxResults)
	out := make([]resolver.SemanticResult, len(top))
	for i, hit := range top {
		out[i] = docs[hit.Index]
		out[i].Score = hit.Similarity
	}
	return out, nil
}

func encodeVector(vec []float32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, vec); err != nil {
		return nil, err
	}
	return vec, nil
}
