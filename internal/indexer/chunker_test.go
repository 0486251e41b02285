package indexer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunker() *Chunker {
	return NewChunker(450, 80, 700, 75)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "line one\r\nline two", "line one\nline two"},
		{"outer whitespace", "  hello  ", "hello"},
		{"already clean", "hello", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestSplitEmpty(t *testing.T) {
	assert.Nil(t, testChunker().Split(""))
}

func TestSplitShortText(t *testing.T) {
	chunks := testChunker().Split("Budget is $50,000.")
	require.Len(t, chunks, 1)
	assert.Equal(t, "Budget is $50,000.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, 18, chunks[0].EndOffset)
}

func TestSplitOffsetsSliceSource(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 12; i++ {
		b.WriteString("The quarterly review covered revenue growth and several open hiring decisions. ")
		b.WriteString("Engineering flagged the migration timeline as the main risk for next quarter.\n\n")
	}
	source := Normalize(b.String())

	chunks := testChunker().Split(source)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.Equal(t, c.Text, source[c.StartOffset:c.EndOffset], "chunk %d text must equal its source span", i)
		assert.LessOrEqual(t, len(c.Text), 700, "chunk %d exceeds max size", i)
	}
}

func TestSplitSizeBounds(t *testing.T) {
	source := Normalize(strings.Repeat("Sentence about planning the launch. ", 60))
	chunks := testChunker().Split(source)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.GreaterOrEqual(t, len(c.Text), 80, "chunk %d below min size", i)
		assert.LessOrEqual(t, len(c.Text), 700, "chunk %d above max size", i)
	}
}

func TestSplitDeterministic(t *testing.T) {
	source := Normalize(strings.Repeat("Notes from the roadmap discussion about priorities. ", 40))
	first := testChunker().Split(source)
	second := testChunker().Split(source)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i], second[i])
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("hello world")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint("hello world"))
	assert.NotEqual(t, fp, Fingerprint("hello worlds"))
}

func TestRecoverOffsets(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "Sentence number %d covers a distinct topic, item %d in the log. ", i, i*7)
	}
	source := Normalize(b.String())
	chunks := testChunker().Split(source)
	require.Greater(t, len(chunks), 1)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	recovered := RecoverOffsets(source, texts)
	require.Equal(t, len(chunks), len(recovered))
	for i := range chunks {
		assert.Equal(t, chunks[i].StartOffset, recovered[i].StartOffset, "chunk %d start", i)
		assert.Equal(t, chunks[i].EndOffset, recovered[i].EndOffset, "chunk %d end", i)
	}
}

func TestExtractTerms(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "lowercase dedupe order",
			in:   "PostgreSQL beats MongoDB; PostgreSQL won",
			want: []string{"postgresql", "beats", "mongodb", "won"},
		},
		{
			name: "stopwords and short tokens dropped",
			in:   "it is the DB of choice",
			want: []string{"choice"},
		},
		{
			name: "identifiers kept",
			in:   "see CITE_TEST_002 for details",
			want: []string{"cite_test_002", "see", "details"},
		},
		{
			name: "empty",
			in:   "",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractTerms(tt.in)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestTokenEstimate(t *testing.T) {
	assert.Equal(t, 0, TokenEstimate(""))
	assert.Equal(t, 1, TokenEstimate("abc"))
	assert.Equal(t, 25, TokenEstimate(strings.Repeat("x", 100)))
}
