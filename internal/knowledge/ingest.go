package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// maxChunkRunes bounds individual chunk size; oversized sections are split
// on paragraph boundaries.
const maxChunkRunes = 1600

// IngestDir chunks every markdown/text file under dir and stores the chunks
// in the index. This is the one-time corpus build step; it is safe to re-run
// (chunk IDs are deterministic, existing entries are overwritten).
func (idx *Index) IngestDir(ctx context.Context, dir string) (int, error) {
	var docs []Document

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		source := strings.TrimSuffix(filepath.Base(path), ext)
		docs = append(docs, chunkFile(source, string(content))...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking corpus dir: %w", err)
	}
	if len(docs) == 0 {
		return 0, ErrEmptyCorpus
	}

	if err := idx.Add(ctx, docs); err != nil {
		return 0, err
	}
	idx.logger.Info("corpus ingested", zap.String("dir", dir), zap.Int("chunks", len(docs)))
	return len(docs), nil
}

// chunkFile splits a reference file into section-aligned chunks. Markdown
// headings start a new section; oversized sections are split further on
// blank lines.
func chunkFile(source, content string) []Document {
	type section struct {
		title string
		body  []string
	}

	sections := []section{{title: ""}}
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "#") {
			title := strings.TrimSpace(strings.TrimLeft(line, "# "))
			sections = append(sections, section{title: title})
			continue
		}
		last := &sections[len(sections)-1]
		last.body = append(last.body, line)
	}

	var docs []Document
	seq := 0
	for _, sec := range sections {
		text := strings.TrimSpace(strings.Join(sec.body, "\n"))
		if text == "" {
			continue
		}
		for _, part := range splitLong(text) {
			docs = append(docs, Document{
				ID:       fmt.Sprintf("%s#%d", source, seq),
				Content:  part,
				SourceID: source,
				Section:  sec.title,
			})
			seq++
		}
	}
	return docs
}

// splitLong breaks text into pieces of at most maxChunkRunes, preferring
// paragraph boundaries.
func splitLong(text string) []string {
	if len([]rune(text)) <= maxChunkRunes {
		return []string{text}
	}

	var parts []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		if current.Len() > 0 && len([]rune(current.String()+para)) > maxChunkRunes {
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
		}
		current.WriteString(para)
		current.WriteString("\n\n")
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}
