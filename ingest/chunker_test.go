package ingest

import (
	"strings"
	"testing"
)

func TestChunkShortTextSingleChunk(t *testing.T) {
	c := NewRecursiveChunker()
	chunks := c.Chunk("Just one short sentence.")
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0] != "Just one short sentence." {
		t.Errorf("chunk = %q", chunks[0])
	}
}

func TestChunkEmpty(t *testing.T) {
	c := NewRecursiveChunker()
	if chunks := c.Chunk("   \n\n  "); chunks != nil {
		t.Errorf("whitespace input should produce no chunks, got %v", chunks)
	}
}

func TestChunkSplitsAtParagraphs(t *testing.T) {
	c := NewRecursiveChunker(WithMaxTokens(10), WithOverlapTokens(0))
	para := strings.Repeat("word ", 9) // 45 chars, over the 40-char limit
	text := para + "\n\n" + para + "\n\n" + para
	chunks := c.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want several", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch) > 40 {
			t.Errorf("chunk %d is %d chars, over the 40-char cap: %q", i, len(ch), ch)
		}
	}
}

func TestChunkRespectsAbbreviations(t *testing.T) {
	c := NewRecursiveChunker(WithMaxTokens(16), WithOverlapTokens(0))
	text := "Dr. Smith arrived at 3.14 pm precisely today. Then everyone else followed quickly."
	chunks := c.Chunk(text)
	for _, ch := range chunks {
		if strings.HasSuffix(ch, "Dr.") || strings.HasSuffix(ch, "3.") {
			t.Errorf("split at abbreviation or decimal: %q", ch)
		}
	}
}

func TestChunkOverlapCarriesSuffix(t *testing.T) {
	c := NewRecursiveChunker(WithMaxTokens(10), WithOverlapTokens(3))
	sentences := "Alpha beta gamma delta. Epsilon zeta eta theta. Iota kappa lambda mu. Nu xi omicron pi."
	chunks := c.Chunk(sentences)
	if len(chunks) < 2 {
		t.Skipf("input produced %d chunks", len(chunks))
	}
	// Some trailing content of chunk N should reappear in chunk N+1.
	overlapFound := false
	for i := 1; i < len(chunks); i++ {
		words := strings.Fields(chunks[i-1])
		if len(words) == 0 {
			continue
		}
		if strings.Contains(chunks[i], words[len(words)-1]) {
			overlapFound = true
		}
	}
	if !overlapFound {
		t.Error("no overlap between consecutive chunks")
	}
}

func TestChunkLongWordHardSplit(t *testing.T) {
	c := NewRecursiveChunker(WithMaxTokens(5), WithOverlapTokens(0))
	chunks := c.Chunk(strings.Repeat("x", 100))
	if len(chunks) < 4 {
		t.Fatalf("chunks = %d, want hard splits", len(chunks))
	}
	for _, ch := range chunks {
		if len(ch) > 20 {
			t.Errorf("chunk over cap: %d chars", len(ch))
		}
	}
}

func TestStripHTMLBasic(t *testing.T) {
	html := `<html><head><style>body { color: red; }</style>
<script>alert("hi");</script></head>
<body><h1>Title</h1><p>First &amp; second &mdash; third.</p>
<div>Block</div></body></html>`
	got := StripHTML(html)

	if strings.Contains(got, "alert") || strings.Contains(got, "color: red") {
		t.Errorf("script/style leaked: %q", got)
	}
	if !strings.Contains(got, "First & second — third.") {
		t.Errorf("entities not decoded: %q", got)
	}
	if !strings.Contains(got, "Title") || !strings.Contains(got, "Block") {
		t.Errorf("content lost: %q", got)
	}
	if strings.Contains(got, "<") {
		t.Errorf("tag leaked: %q", got)
	}
}

func TestStripHTMLNumericEntities(t *testing.T) {
	got := StripHTML("A&#65;&#x42;")
	if got != "AAB" {
		t.Errorf("got %q, want AAB", got)
	}
}

func TestStripHTMLCollapsesBlankLines(t *testing.T) {
	got := StripHTML("<p>a</p>\n\n\n\n<p>b</p>")
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("blank lines not collapsed: %q", got)
	}
}
