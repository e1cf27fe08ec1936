package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

// Splitter cuts text into overlapping windows of at most ChunkSize runes.
// A window ends at the last sentence or word boundary in its final quarter
// when there is one.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 900
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{ChunkSize: chunkSize, Overlap: overlap}
}

func (s *Splitter) Split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := start + s.ChunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = boundary(runes, start, end)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
		next := end - s.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

func boundary(runes []rune, start, end int) int {
	floor := end - (end-start)/4
	word := -1
	for i := end - 1; i >= floor; i-- {
		switch {
		case runes[i] == '.' || runes[i] == '!' || runes[i] == '?' || runes[i] == '\n':
			return i + 1
		case word < 0 && unicode.IsSpace(runes[i]):
			word = i
		}
	}
	if word > 0 {
		return word
	}
	return end
}

// ImportOptions controls how a plain-text or markdown document becomes
// corpus chunks.
type ImportOptions struct {
	SourceDocument string
	Category       string
	ChunkSize      int
	Overlap        int
}

// ImportText splits document text into chunks. Markdown headings start a new
// section; chunk ids are <source>-<n> in document order.
func ImportText(text string, opts ImportOptions) ([]domain.KnowledgeChunk, error) {
	if !utf8.ValidString(text) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "import text",
			fmt.Errorf("%s is not valid utf-8", opts.SourceDocument))
	}
	source := strings.TrimSpace(opts.SourceDocument)
	if source == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "import text", fmt.Errorf("source document is required"))
	}
	splitter := NewSplitter(opts.ChunkSize, opts.Overlap)

	var (
		chunks  []domain.KnowledgeChunk
		section string
		body    strings.Builder
	)
	flush := func() {
		for _, piece := range splitter.Split(body.String()) {
			chunks = append(chunks, domain.KnowledgeChunk{
				ID:             fmt.Sprintf("%s-%d", source, len(chunks)+1),
				Text:           piece,
				SourceDocument: source,
				Section:        section,
				Category:       opts.Category,
			})
		}
		body.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			flush()
			section = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return chunks, nil
}

// ImportFile reads a .txt or .md file. The source document defaults to the
// file name without extension.
func ImportFile(path string, opts ImportOptions) ([]domain.KnowledgeChunk, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source document: %w", err)
	}
	if opts.SourceDocument == "" {
		opts.SourceDocument = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return ImportText(string(raw), opts)
}
