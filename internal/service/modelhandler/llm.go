package modelhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"synthtune/internal/config"
	"synthtune/internal/models"
	"synthtune/internal/tabular"
)

const (
	defaultLLMRows  = 50
	maxEmptyRounds  = 3
	maxExampleCells = 4000
)

var ErrBadModelOutput = errors.New("chat model returned unusable csv")

func newChatModel(ctx context.Context, cfg config.LLMConfig) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key not configured")
	}
	switch cfg.Provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 4096,
		})
	default:
		return nil, fmt.Errorf("invalid llm provider: %s", cfg.Provider)
	}
}

// LLM generates rows in context: FineTune keeps the schema and a sample of
// rows, Generate asks the chat model for more rows in the same shape.
type LLM struct {
	chat model.BaseChatModel
	rows int

	batchSize int
	columns   []string
	examples  [][]string
	notes     string
}

func NewLLM(chat model.BaseChatModel, rows int) *LLM {
	if rows <= 0 {
		rows = defaultLLMRows
	}
	return &LLM{chat: chat, rows: rows}
}

func (l *LLM) FineTune(ctx context.Context, datasetDir string, epochs, batchSize int) error {
	if err := checkParams(epochs, batchSize); err != nil {
		return err
	}
	tbl, err := loadDataset(ctx, datasetDir)
	if err != nil {
		return err
	}
	n := min(batchSize, tbl.Len(), max(1, maxExampleCells/tbl.Width()))
	l.columns = tbl.Columns
	l.examples = tbl.Rows[:n]
	l.batchSize = batchSize
	notes, err := loadNotes(ctx, datasetDir)
	if err != nil {
		slog.WarnContext(ctx, "dataset notes unavailable", slog.Any("error", err))
	}
	l.notes = notes
	slog.InfoContext(ctx, "llm generator primed",
		slog.Int("columns", len(l.columns)),
		slog.Int("examples", n),
		slog.Int("notes_chars", len(l.notes)),
		slog.Int("epochs", epochs))
	return nil
}

func (l *LLM) Generate(ctx context.Context) (*models.Table, error) {
	if l.columns == nil {
		return nil, ErrNotTrained
	}
	out := &models.Table{Columns: append([]string(nil), l.columns...)}
	empty := 0
	for out.Len() < l.rows {
		want := min(l.batchSize, l.rows-out.Len())
		resp, err := l.chat.Generate(ctx, l.prompt(want))
		if err != nil {
			return nil, fmt.Errorf("chat generate: %w", err)
		}
		got, err := l.parse(resp.Content)
		if err != nil {
			return nil, err
		}
		if len(got) == 0 {
			empty++
			if empty >= maxEmptyRounds {
				return nil, fmt.Errorf("%w: no rows after %d attempts", ErrBadModelOutput, empty)
			}
			continue
		}
		if len(got) > want {
			got = got[:want]
		}
		out.Rows = append(out.Rows, got...)
	}
	return out, nil
}

func (l *LLM) prompt(n int) []*schema.Message {
	var sample strings.Builder
	_ = tabular.WriteCSV(&sample, &models.Table{Columns: l.columns, Rows: l.examples})

	system := "You generate synthetic tabular data. Reply with CSV only: " +
		"the exact header row first, then data rows. No commentary, no index column."
	var user strings.Builder
	if l.notes != "" {
		fmt.Fprintf(&user, "Notes shipped with the dataset:\n\n%s\n\n", l.notes)
	}
	fmt.Fprintf(&user, "Here is a sample of the real dataset:\n\n%s\n"+
		"Produce %d new, plausible rows with the same columns and value distributions. "+
		"Do not copy the sample rows.", sample.String(), n)
	return []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user.String()),
	}
}

func (l *LLM) parse(content string) ([][]string, error) {
	tbl, err := tabular.ReadCSVLenient(strings.NewReader(stripFences(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModelOutput, err)
	}
	if !slices.Equal(tbl.Columns, l.columns) {
		return nil, fmt.Errorf("%w: header %v, want %v", ErrBadModelOutput, tbl.Columns, l.columns)
	}
	return tbl.Rows, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
