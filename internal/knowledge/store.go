// Package knowledge implements the rulebook/lore retrieval layer: document
// ingestion, chunk storage, and semantic search over a SQLite database.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"gmkit/internal/embedding"
	"gmkit/internal/logging"
	"gmkit/internal/turn"
)

// SQLiteStore holds document chunks with embeddings in a single collection.
// It implements turn.KnowledgeStore.
type SQLiteStore struct {
	db         *sql.DB
	mu         sync.RWMutex
	engine     embedding.Engine
	collection string
	topK       int
	activeDocs map[string]bool
}

// Options configures a SQLiteStore.
type Options struct {
	// Collection names the chunk namespace inside the shared database.
	Collection string
	// Engine embeds queries and chunks. Nil falls back to keyword search.
	Engine embedding.Engine
	// TopK is the default result count when a search asks for none.
	TopK int
	// ActiveDocIDs restricts retrieval to the listed documents. Empty means
	// every active document.
	ActiveDocIDs []string
}

// Open opens (or creates) the knowledge database at path.
func Open(path string, opts Options) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "knowledge.Open")
	defer timer.Stop()

	if opts.Collection == "" {
		opts.Collection = "gm_knowledge"
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.KnowledgeDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.KnowledgeDebug("Failed to set journal_mode=WAL: %v", err)
	}

	s := &SQLiteStore{
		db:         db,
		engine:     opts.Engine,
		collection: opts.Collection,
		topK:       opts.TopK,
	}
	if len(opts.ActiveDocIDs) > 0 {
		s.activeDocs = make(map[string]bool, len(opts.ActiveDocIDs))
		for _, id := range opts.ActiveDocIDs {
			s.activeDocs[id] = true
		}
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var knowledgeSchema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		title TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'unknown',
		source TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		doc_id TEXT NOT NULL REFERENCES documents(id),
		seq INTEGER NOT NULL,
		text TEXT NOT NULL,
		meta TEXT,
		embedding BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id)`,
}

func (s *SQLiteStore) initialize() error {
	for _, stmt := range knowledgeSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create knowledge schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Search retrieves the best-matching chunks for a query. When an embedding
// engine is available the query is embedded and chunks are ranked by cosine
// similarity; otherwise a keyword scan stands in.
func (s *SQLiteStore) Search(ctx context.Context, tc turn.TurnContext, spec turn.RetrievalSpec) ([]turn.Hit, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "knowledge.Search")
	defer timer.Stop()

	query := strings.TrimSpace(spec.Query)
	if query == "" {
		return nil, nil
	}
	topK := spec.TopK
	if topK <= 0 {
		topK = s.topK
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates, err := s.loadCandidates(ctx, spec.Filters)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if s.engine != nil {
		hits, err := s.rankByEmbedding(ctx, query, candidates, topK)
		if err == nil {
			return hits, nil
		}
		logging.Get(logging.CategoryKnowledge).Warn("Embedding search failed, using keyword fallback: %v", err)
	}
	return rankByKeywords(query, candidates, topK), nil
}

type chunkRow struct {
	text      string
	meta      map[string]any
	embedding []float32
}

// loadCandidates pulls active chunks from the collection and applies
// metadata filters in Go. String filter values require equality; list values
// require membership.
func (s *SQLiteStore) loadCandidates(ctx context.Context, filters map[string]any) ([]chunkRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.text, c.meta, c.embedding FROM chunks c
		 JOIN documents d ON d.id = c.doc_id
		 WHERE c.collection = ? AND d.active = 1`,
		s.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var out []chunkRow
	for rows.Next() {
		var (
			c        chunkRow
			metaJSON sql.NullString
			blob     []byte
		)
		if err := rows.Scan(&c.text, &metaJSON, &blob); err != nil {
			return nil, err
		}
		c.meta = decodeMeta(metaJSON)
		c.embedding = decodeVector(blob)
		if !matchesFilters(c.meta, filters) {
			continue
		}
		if s.activeDocs != nil && !s.activeDocs[asString(c.meta["doc_id"])] {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func matchesFilters(meta, filters map[string]any) bool {
	for key, want := range filters {
		got := asString(meta[key])
		switch w := want.(type) {
		case string:
			if got != w {
				return false
			}
		case []string:
			if !containsString(w, got) {
				return false
			}
		case []any:
			found := false
			for _, v := range w {
				if asString(v) == got {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if fmt.Sprint(want) != got {
				return false
			}
		}
	}
	return true
}

func (s *SQLiteStore) rankByEmbedding(ctx context.Context, query string, candidates []chunkRow, topK int) ([]turn.Hit, error) {
	qvec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	type scored struct {
		row   chunkRow
		score float64
	}
	var ranked []scored
	for _, c := range candidates {
		if len(c.embedding) == 0 {
			continue
		}
		score, err := embedding.CosineSimilarity(qvec, c.embedding)
		if err != nil {
			continue
		}
		ranked = append(ranked, scored{c, score})
	}
	if len(ranked) == 0 {
		return nil, nil
	}

	// Partial selection sort, topK is small.
	for i := 0; i < len(ranked) && i < topK; i++ {
		best := i
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].score > ranked[best].score {
				best = j
			}
		}
		ranked[i], ranked[best] = ranked[best], ranked[i]
	}
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	hits := make([]turn.Hit, 0, len(ranked))
	for _, r := range ranked {
		hits = append(hits, turn.Hit{Text: r.row.text, Score: r.score, Meta: r.row.meta})
	}
	return hits, nil
}

// rankByKeywords scores chunks by the fraction of query terms they contain.
func rankByKeywords(query string, candidates []chunkRow, topK int) []turn.Hit {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	var hits []turn.Hit
	for _, c := range candidates {
		lower := strings.ToLower(c.text)
		matched := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, turn.Hit{
			Text:  c.text,
			Score: float64(matched) / float64(len(terms)),
			Meta:  c.meta,
		})
	}

	for i := 0; i < len(hits) && i < topK; i++ {
		best := i
		for j := i + 1; j < len(hits); j++ {
			if hits[j].Score > hits[best].Score {
				best = j
			}
		}
		hits[i], hits[best] = hits[best], hits[i]
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func decodeMeta(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
