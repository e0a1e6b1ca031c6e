package synth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/hybridrag/internal/ai"
	"github.com/xxxsen/hybridrag/internal/model"
	appErr "github.com/xxxsen/hybridrag/internal/pkg/errors"
)

// InsufficientInformation is the fixed answer for a query without usable context.
const InsufficientInformation = "I do not have enough information to answer that."

const (
	DefaultTimeout   = 60 * time.Second
	contextSeparator = "\n\n---\n\n"
)

const promptTemplate = `You are an expert enterprise assistant.
Strictly answer the user's question based ONLY on the following context.
If the answer is not in the context, say '` + InsufficientInformation + `'
Do not make up facts.

Context:
{{context}}

Question:
{{question}}`

// Synthesizer turns a query and its ranked context into an answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, chunks []model.FusedResult) (string, error)
}

type llmSynthesizer struct {
	gen     ai.IGenerator
	timeout time.Duration
}

func NewLLM(gen ai.IGenerator, timeout time.Duration) Synthesizer {
	if gen == nil {
		return Disabled{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &llmSynthesizer{gen: gen, timeout: timeout}
}

// BuildPrompt renders the grounded prompt for query over chunks, in order.
func BuildPrompt(query string, chunks []model.FusedResult) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.Content)
	}
	r := strings.NewReplacer(
		"{{context}}", strings.Join(parts, contextSeparator),
		"{{question}}", query,
	)
	return r.Replace(promptTemplate)
}

func (s *llmSynthesizer) Synthesize(ctx context.Context, query string, chunks []model.FusedResult) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	answer, err := s.gen.Generate(ctx, BuildPrompt(query, chunks))
	if err != nil {
		logutil.GetLogger(ctx).Error("generate answer failed", zap.Int("chunks", len(chunks)), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", appErr.Wrap(appErr.ErrGenerationTimeout, "generation timeout", err)
		}
		return "", appErr.Wrap(appErr.ErrGenerationFailed, "generation failed", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", appErr.New(appErr.ErrGenerationFailed, "generation failed")
	}
	logutil.GetLogger(ctx).Debug("answer generated", zap.Int("chunks", len(chunks)), zap.Duration("duration", time.Since(start)))
	return answer, nil
}

// Disabled is used when no generation provider is configured.
type Disabled struct{}

func (Disabled) Synthesize(ctx context.Context, query string, chunks []model.FusedResult) (string, error) {
	return "", appErr.New(appErr.ErrGenerationFailed, "answer generation is not configured")
}
