package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Engine turns document text into a Draft with a single model call
type Engine struct {
	generators map[Model]Generator
}

// NewEngine creates an Engine from the configured generators. Supported
// models without a generator report ErrModelUnavailable.
func NewEngine(generators map[Model]Generator) *Engine {
	g := make(map[Model]Generator, len(generators))
	for model, gen := range generators {
		if gen != nil {
			g[model] = gen
		}
	}
	return &Engine{generators: g}
}

// Models returns the configured models in a stable order
func (e *Engine) Models() []Model {
	models := make([]Model, 0, len(e.generators))
	for m := range e.generators {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i] < models[j] })
	return models
}

// Extract builds the prompt for text, calls the selected model exactly once
// and parses its answer. It never retries.
func (e *Engine) Extract(ctx context.Context, text string, model Model) (*Draft, error) {
	if _, err := ParseModel(string(model)); err != nil {
		return nil, err
	}

	gen, ok := e.generators[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", ErrModelUnavailable, model)
	}

	output, err := gen.Generate(ctx, BuildPrompt(text))
	if err != nil {
		if !errors.Is(err, ErrModelUnavailable) && !errors.Is(err, ErrGeneration) && !errors.Is(err, ErrMalformedModelOutput) {
			err = fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		return nil, fmt.Errorf("calling %s: %w", model, err)
	}

	draft, err := ParseDraft(output)
	if err != nil {
		slog.Warn("Model returned unusable output",
			"model", model,
			"output_length", len(output),
			"error", err,
		)
		return nil, fmt.Errorf("parsing %s output: %w", model, err)
	}

	return draft, nil
}

// Close closes every configured generator
func (e *Engine) Close() error {
	var errs []error
	for model, gen := range e.generators {
		if err := gen.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", model, err))
		}
	}
	return errors.Join(errs...)
}
