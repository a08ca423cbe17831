package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"gmkit/internal/logging"
)

// Recognized chunk classifications. "unknown" marks everything the ingester
// could not classify.
var chunkKinds = []string{
	"rules", "lore", "examples", "tables", "characters", "locations",
	"quests", "factions", "items", "monsters", "gm_advice", "story", "unknown",
}

// IngestOptions controls document ingestion.
type IngestOptions struct {
	// Title is a human-readable document name. Defaults to the source base name.
	Title string
	// Kind classifies every chunk of this document (rules, lore, gm_advice...).
	Kind string
	// Ruleset tags chunks with a game system identifier.
	Ruleset string
	// ChunkMaxChars bounds chunk size. Defaults to 1200.
	ChunkMaxChars int
	// ChunkOverlap carries trailing context into the next chunk. Defaults to 120.
	ChunkOverlap int
}

// Document describes an ingested document.
type Document struct {
	ID     string
	Title  string
	Kind   string
	Source string
	Active bool
	Chunks int
}

// chunkPiece is one chunk of source text with its page of origin. Page is
// 1-based and zero when the source carries no page breaks.
type chunkPiece struct {
	text string
	page int
}

// IngestText splits content into chunks, embeds them, and stores them under a
// new document. HTML sources are stripped to text first. Form feeds (the page
// separator pdftotext emits) delimit pages, and chunks remember theirs.
func (s *SQLiteStore) IngestText(ctx context.Context, source, content string, opts IngestOptions) (*Document, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "knowledge.IngestText")
	defer timer.Stop()

	if opts.Title == "" {
		opts.Title = filepath.Base(source)
	}
	if opts.Kind == "" || !containsString(chunkKinds, opts.Kind) {
		opts.Kind = "unknown"
	}
	if opts.ChunkMaxChars <= 0 {
		opts.ChunkMaxChars = 1200
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkMaxChars {
		opts.ChunkOverlap = 120
	}

	if isHTML(source, content) {
		content = stripHTML(content)
	}

	pieces := splitPieces(content, opts.ChunkMaxChars, opts.ChunkOverlap)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("document %q produced no chunks", opts.Title)
	}
	logging.Knowledge("Ingesting %q: %d chunk(s), kind=%s", opts.Title, len(pieces), opts.Kind)

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.text
	}
	vectors, err := s.embedChunks(ctx, texts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	doc := &Document{
		ID:     uuid.NewString(),
		Title:  opts.Title,
		Kind:   opts.Kind,
		Source: source,
		Active: true,
		Chunks: len(pieces),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, collection, title, kind, source) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, s.collection, doc.Title, doc.Kind, doc.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}

	for i, piece := range pieces {
		meta := map[string]any{
			"doc_id":   doc.ID,
			"title":    doc.Title,
			"doc_kind": doc.Kind,
			"type":     doc.Kind,
			"seq":      i,
		}
		if piece.page > 0 {
			meta["page"] = piece.page
		}
		if opts.Ruleset != "" {
			meta["ruleset"] = opts.Ruleset
		}
		metaJSON, _ := json.Marshal(meta)

		var blob []byte
		if vectors != nil {
			blob = encodeVector(vectors[i])
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, collection, doc_id, seq, text, meta, embedding) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), s.collection, doc.ID, i, piece.text, string(metaJSON), blob)
		if err != nil {
			return nil, fmt.Errorf("failed to insert chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ingest: %w", err)
	}
	return doc, nil
}

// embedChunks embeds pieces in parallel batches. A nil engine skips embedding
// and the store falls back to keyword search.
func (s *SQLiteStore) embedChunks(ctx context.Context, pieces []string) ([][]float32, error) {
	if s.engine == nil {
		return nil, nil
	}

	const batchSize = 16
	vectors := make([][]float32, len(pieces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(pieces); start += batchSize {
		start := start
		end := start + batchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		g.Go(func() error {
			batch, err := s.engine.EmbedBatch(gctx, pieces[start:end])
			if err != nil {
				return fmt.Errorf("failed to embed chunks %d-%d: %w", start, end-1, err)
			}
			copy(vectors[start:], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// splitPieces chunks content page by page when form-feed page breaks are
// present, so each chunk keeps its page number; otherwise the whole text is
// chunked as one unpaged body.
func splitPieces(content string, maxChars, overlap int) []chunkPiece {
	pages := strings.Split(content, "\f")
	if len(pages) == 1 {
		var pieces []chunkPiece
		for _, text := range chunkText(content, maxChars, overlap) {
			pieces = append(pieces, chunkPiece{text: text})
		}
		return pieces
	}

	var pieces []chunkPiece
	for i, page := range pages {
		for _, text := range chunkText(page, maxChars, overlap) {
			pieces = append(pieces, chunkPiece{text: text, page: i + 1})
		}
	}
	return pieces
}

// chunkText splits text into pieces of at most maxChars characters, breaking
// on paragraph then sentence boundaries where possible, with overlap carried
// between adjacent pieces.
func chunkText(text string, maxChars, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxChars {
			chunks = append(chunks, text)
			break
		}
		cut := breakPoint(text, maxChars)
		chunks = append(chunks, strings.TrimSpace(text[:cut]))

		next := cut - overlap
		if next <= 0 {
			next = cut
		}
		text = strings.TrimSpace(text[next:])
	}
	return chunks
}

// breakPoint finds the best split position at or before limit: paragraph
// break, then sentence end, then whitespace, then a hard cut.
func breakPoint(text string, limit int) int {
	window := text[:limit]
	if i := strings.LastIndex(window, "\n\n"); i > limit/2 {
		return i
	}
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.LastIndex(window, sep); i > limit/2 {
			return i + len(sep)
		}
	}
	if i := strings.LastIndexByte(window, ' '); i > limit/2 {
		return i
	}
	return limit
}

func isHTML(source, content string) bool {
	ext := strings.ToLower(filepath.Ext(source))
	if ext == ".html" || ext == ".htm" {
		return true
	}
	head := strings.ToLower(strings.TrimSpace(content))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// stripHTML extracts visible text from an HTML document, skipping script and
// style subtrees.
func stripHTML(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return content
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}

// ListDocuments returns every document in this collection.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.title, d.kind, COALESCE(d.source, ''), d.active,
		        (SELECT COUNT(*) FROM chunks c WHERE c.doc_id = d.id)
		 FROM documents d WHERE d.collection = ? ORDER BY d.created_at`,
		s.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			d      Document
			active int
		)
		if err := rows.Scan(&d.ID, &d.Title, &d.Kind, &d.Source, &active, &d.Chunks); err != nil {
			return nil, err
		}
		d.Active = active != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDocumentActive toggles a document in or out of retrieval.
func (s *SQLiteStore) SetDocumentActive(ctx context.Context, docID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := 0
	if active {
		val = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET active = ? WHERE id = ? AND collection = ?`,
		val, docID, s.collection)
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", docID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s not found", docID)
	}
	return nil
}

// DeleteDocument removes a document and its chunks.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE id = ? AND collection = ?`, docID, s.collection)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s not found", docID)
	}
	return tx.Commit()
}
