// Package memory keeps a per-agent full-text index of content the agent has
// seen or produced. The orchestrator reads recent entries into each tool's
// agent context; the remember tool writes to it.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"
)

const (
	// DefaultRecentLimit is used when Recent is called with limit <= 0.
	DefaultRecentLimit = 5

	// maxContentLen caps a single indexed document.
	maxContentLen = 2000
)

// Document is one indexed piece of agent content.
type Document struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is a search hit.
type Result struct {
	Document
	Score float64 `json:"score"`
}

// Config configures a ContentIndex.
type Config struct {
	// Path is the index directory. Empty keeps the index in memory.
	Path string
}

// ContentIndex is a bleve-backed store of agent content.
type ContentIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	now   func() time.Time
}

// Open opens the index at cfg.Path, creating it if needed.
func Open(cfg Config) (*ContentIndex, error) {
	if cfg.Path == "" {
		return NewInMemory()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	var index bleve.Index
	var err error
	if _, statErr := os.Stat(cfg.Path); os.IsNotExist(statErr) {
		index, err = bleve.New(cfg.Path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create bleve index: %w", err)
		}
	} else {
		index, err = bleve.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bleve index: %w", err)
		}
	}
	return &ContentIndex{index: index, now: time.Now}, nil
}

// NewInMemory creates an index that lives only in memory.
func NewInMemory() (*ContentIndex, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory index: %w", err)
	}
	return &ContentIndex{index: index, now: time.Now}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = true

	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name
	kw.Store = true

	date := bleve.NewDateTimeFieldMapping()
	date.Store = true

	doc.AddFieldMappingsAt("content", text)
	doc.AddFieldMappingsAt("agent_id", kw)
	doc.AddFieldMappingsAt("source", kw)
	doc.AddFieldMappingsAt("created_at", date)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Index stores content for an agent and returns the document id.
func (c *ContentIndex) Index(ctx context.Context, agentID, content, source string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if agentID == "" || content == "" {
		return "", fmt.Errorf("agent id and content are required")
	}
	if len(content) > maxContentLen {
		content = content[:maxContentLen] + "..."
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating document id: %w", err)
	}
	doc := Document{
		ID:        id.String(),
		AgentID:   agentID,
		Content:   content,
		Source:    source,
		CreatedAt: c.now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.index.Index(doc.ID, doc); err != nil {
		return "", fmt.Errorf("failed to index document: %w", err)
	}
	return doc.ID, nil
}

func agentQuery(agentID string) *query.TermQuery {
	q := bleve.NewTermQuery(agentID)
	q.SetField("agent_id")
	return q
}

// Recent returns the agent's newest content, newest first.
func (c *ContentIndex) Recent(ctx context.Context, agentID string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	req := bleve.NewSearchRequest(agentQuery(agentID))
	req.Size = limit
	req.Fields = []string{"content"}
	req.SortBy([]string{"-created_at", "-_id"})

	c.mu.RLock()
	res, err := c.index.SearchInContext(ctx, req)
	c.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("recent content search failed: %w", err)
	}

	out := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if content, ok := hit.Fields["content"].(string); ok {
			out = append(out, content)
		}
	}
	return out, nil
}

// Search runs a full-text query over one agent's content.
func (c *ContentIndex) Search(ctx context.Context, agentID, text string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	q := bleve.NewConjunctionQuery(agentQuery(agentID), bleve.NewMatchQuery(text))
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"*"}

	c.mu.RLock()
	res, err := c.index.SearchInContext(ctx, req)
	c.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	var out []Result
	for _, hit := range res.Hits {
		r := Result{Score: hit.Score}
		r.ID = hit.ID
		r.AgentID, _ = hit.Fields["agent_id"].(string)
		r.Content, _ = hit.Fields["content"].(string)
		r.Source, _ = hit.Fields["source"].(string)
		if ts, ok := hit.Fields["created_at"].(string); ok {
			r.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		}
		out = append(out, r)
	}
	return out, nil
}

// Count returns the number of indexed documents.
func (c *ContentIndex) Count() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.DocCount()
}

// Close closes the index.
func (c *ContentIndex) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Close()
}
