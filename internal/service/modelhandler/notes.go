package modelhandler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"

	"synthtune/internal/tabular"
)

const maxNotesChars = 2000

// loadNotes reads the free-text files shipped with a dataset and returns
// them as one block, truncated to maxNotesChars runes. Unreadable files are
// skipped.
func loadNotes(ctx context.Context, dir string) (string, error) {
	paths, err := tabular.DiscoverNotes(dir)
	if err != nil || len(paths) == 0 {
		return "", err
	}
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return "", fmt.Errorf("notes parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      extParser,
	})
	if err != nil {
		return "", fmt.Errorf("notes loader: %w", err)
	}

	var b strings.Builder
	for _, p := range paths {
		docs, err := loader.Load(ctx, document.Source{URI: p})
		if err != nil {
			slog.WarnContext(ctx, "skip dataset notes", slog.String("file", p), slog.Any("error", err))
			continue
		}
		for _, doc := range docs {
			content := strings.TrimSpace(doc.Content)
			if content == "" {
				continue
			}
			fmt.Fprintf(&b, "[%s]\n%s\n\n", filepath.Base(p), content)
		}
	}
	notes := []rune(strings.TrimSpace(b.String()))
	if len(notes) > maxNotesChars {
		notes = notes[:maxNotesChars]
	}
	return string(notes), nil
}
