package extract

import (
	"fmt"
	"strings"
	"testing"
)

func words(n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(out, " ")
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{
			name: "empty text",
			text: "   \n\t ",
			size: 10,
			want: nil,
		},
		{
			name: "shorter than one chunk",
			text: "just a few words",
			size: 10,
			want: []string{"just a few words"},
		},
		{
			name: "exact multiple",
			text: words(6),
			size: 3,
			want: []string{"w0 w1 w2", "w3 w4 w5"},
		},
		{
			name: "trailing partial chunk",
			text: words(7),
			size: 3,
			want: []string{"w0 w1 w2", "w3 w4 w5", "w6"},
		},
		{
			name:    "overlap repeats boundary words",
			text:    words(8),
			size:    4,
			overlap: 2,
			want:    []string{"w0 w1 w2 w3", "w2 w3 w4 w5", "w4 w5 w6 w7"},
		},
		{
			name:    "overlap larger than size is ignored",
			text:    words(4),
			size:    2,
			overlap: 5,
			want:    []string{"w0 w1", "w2 w3"},
		},
		{
			name: "zero size",
			text: words(4),
			size: 0,
			want: nil,
		},
		{
			name: "collapses whitespace runs",
			text: "a  b\nc\t\td",
			size: 2,
			want: []string{"a b", "c d"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.text, tt.size, tt.overlap)
			if len(got) != len(tt.want) {
				t.Fatalf("Chunk = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunkNeverLosesWords(t *testing.T) {
	text := words(137)
	chunks := Chunk(text, 10, 3)

	// Every source word appears in at least one chunk.
	seen := make(map[string]bool)
	for _, c := range chunks {
		for _, w := range strings.Fields(c) {
			seen[w] = true
		}
	}
	for _, w := range strings.Fields(text) {
		if !seen[w] {
			t.Errorf("word %q lost in chunking", w)
		}
	}
}
