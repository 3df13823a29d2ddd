package searchindex

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/schemacache"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "snake case", input: "git_commit", want: []string{"git", "commit"}},
		{name: "camel case", input: "readFileV2", want: []string{"read", "file", "v2"}},
		{name: "mixed separators", input: "git_commit-all", want: []string{"git", "commit", "all"}},
		{name: "acronym run", input: "HTTPServer", want: []string{"httpserver"}},
		{name: "sentence", input: "Create a new commit.", want: []string{"create", "a", "new", "commit"}},
		{name: "empty", input: "", want: nil},
		{name: "punctuation only", input: "---", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.input))
		})
	}
}

func owned(server, name, desc string) schemacache.OwnedTool {
	return schemacache.OwnedTool{
		Server: server,
		Tool: schemacache.ToolSchema{
			Name:        name,
			Description: desc,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		},
	}
}

func TestQueryRanksNameMatchesFirst(t *testing.T) {
	idx := Build([]schemacache.OwnedTool{
		owned("notes", "create_note", "Create a note mentioning commit ids"),
		owned("git", "git_commit", "Create a commit from staged changes"),
		owned("fs", "read_file", "Read a file from disk"),
	})

	hits := idx.Query("git commit", 10)
	require.NotEmpty(t, hits)
	assert.Equal(t, "git_commit", hits[0].Tool.Name)
	assert.Equal(t, "git", hits[0].Server)
	assert.Greater(t, hits[0].Score, 0.0)
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i].Score, hits[i-1].Score)
	}
}

func TestQueryTokenInNameOrDescriptionIsFound(t *testing.T) {
	idx := Build([]schemacache.OwnedTool{
		owned("git", "git_commit", "Create a commit from staged changes"),
		owned("fs", "read_file", "Read a file from disk"),
	})

	for _, q := range []string{"commit", "staged", "disk", "readFile"} {
		hits := idx.Query(q, 10)
		require.NotEmpty(t, hits, "query %q", q)
	}
}

func TestQueryNoMatch(t *testing.T) {
	idx := Build([]schemacache.OwnedTool{
		owned("git", "git_commit", "Create a commit"),
	})
	assert.Empty(t, idx.Query("kubernetes", 10))
	assert.Empty(t, idx.Query("", 10))
	assert.Empty(t, idx.Query("commit", 0))
}

func TestQueryLimit(t *testing.T) {
	var tools []schemacache.OwnedTool
	for i := 0; i < 40; i++ {
		tools = append(tools, owned("s", fmt.Sprintf("tool_%d", i), "shared keyword widget"))
	}
	idx := Build(tools)
	assert.Equal(t, 40, idx.Size())

	hits := idx.Query("widget", 5)
	assert.Len(t, hits, 5)
}

func TestQueryDeterministicTieBreak(t *testing.T) {
	idx := Build([]schemacache.OwnedTool{
		owned("a", "ping", ""),
		owned("b", "ping", ""),
	})

	first := idx.Query("ping", 10)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].Server)
	for i := 0; i < 20; i++ {
		again := idx.Query("ping", 10)
		assert.Equal(t, first, again)
	}
}

func TestEmptyIndex(t *testing.T) {
	idx := Build(nil)
	assert.Zero(t, idx.Size())
	assert.Empty(t, idx.Query("anything", 10))
}
