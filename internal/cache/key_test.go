package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type searchOptions struct {
	MaxResults int      `json:"max_results,omitempty"`
	Sort       string   `json:"sort,omitempty"`
	Fields     []string `json:"fields,omitempty"`
}

func TestGenerateKey(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		opts := map[string]any{"max_results": 10}
		assert.Equal(t, GenerateKey("arxiv", "transformers", opts), GenerateKey("arxiv", "transformers", opts))
	})

	t.Run("ignores case and surrounding whitespace in the query", func(t *testing.T) {
		assert.Equal(t,
			GenerateKey("p", "Query", map[string]any{}),
			GenerateKey("p", " query ", map[string]any{}))
	})

	t.Run("collapses inner whitespace", func(t *testing.T) {
		assert.Equal(t,
			GenerateKey("pubmed", "CRISPR  \t cas9\ngene editing", nil),
			GenerateKey("pubmed", "crispr cas9 gene editing", nil))
	})

	t.Run("canonicalises option order", func(t *testing.T) {
		a := map[string]any{"year": 2024, "sort": "relevance", "max_results": 20}
		b := map[string]any{"max_results": 20, "year": 2024, "sort": "relevance"}
		assert.Equal(t, GenerateKey("openalex", "q", a), GenerateKey("openalex", "q", b))
	})

	t.Run("treats nil, empty map and empty struct alike", func(t *testing.T) {
		nilKey := GenerateKey("core", "q", nil)
		assert.Equal(t, nilKey, GenerateKey("core", "q", map[string]any{}))
		assert.Equal(t, nilKey, GenerateKey("core", "q", struct{}{}))
		assert.Equal(t, nilKey, GenerateKey("core", "q", searchOptions{}))
	})

	t.Run("struct and equivalent map produce the same key", func(t *testing.T) {
		s := searchOptions{MaxResults: 5, Sort: "date"}
		m := map[string]any{"sort": "date", "max_results": 5}
		assert.Equal(t, GenerateKey("dblp", "q", s), GenerateKey("dblp", "q", m))
	})

	t.Run("different inputs produce different keys", func(t *testing.T) {
		base := GenerateKey("arxiv", "q", searchOptions{MaxResults: 5})
		assert.NotEqual(t, base, GenerateKey("pubmed", "q", searchOptions{MaxResults: 5}))
		assert.NotEqual(t, base, GenerateKey("arxiv", "q2", searchOptions{MaxResults: 5}))
		assert.NotEqual(t, base, GenerateKey("arxiv", "q", searchOptions{MaxResults: 6}))
	})

	t.Run("keeps large integers distinct", func(t *testing.T) {
		a := GenerateKey("crossref", "q", map[string]any{"offset": int64(9007199254740993)})
		b := GenerateKey("crossref", "q", map[string]any{"offset": int64(9007199254740992)})
		assert.NotEqual(t, a, b)
	})

	t.Run("integral floats match integers", func(t *testing.T) {
		assert.Equal(t,
			GenerateKey("crossref", "q", map[string]any{"rows": 20.0}),
			GenerateKey("crossref", "q", map[string]any{"rows": 20}))
	})

	t.Run("is prefixed by namespace", func(t *testing.T) {
		key := GenerateKey("semantic_scholar", "q", nil)
		assert.True(t, strings.HasPrefix(key, "semantic_scholar:"))
		assert.Len(t, strings.TrimPrefix(key, "semantic_scholar:"), 64)
	})
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase conversion", "Machine Learning", "machine learning"},
		{"trim both ends", "  protein folding  ", "protein folding"},
		{"mixed whitespace", "  CRISPR \t  CAS9  \n  ", "crispr cas9"},
		{"only whitespace", "   \t\n  ", ""},
		{"unicode characters preserved", "Müller cells", "müller cells"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuery(tt.input))
		})
	}
}
