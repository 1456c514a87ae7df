package engine

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that the backend is reachable and the default model is
// available, pulling it if missing with progress written to w. The model is
// then warmed up so the first job does not pay the cold-load penalty.
func EnsureReady(ctx context.Context, b Backend, model string, w io.Writer) error {
	if !b.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; start it with: ollama serve")
	}
	if model == "" {
		return nil
	}

	if b.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
	} else {
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := b.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := b.Generate(warmCtx, model, "ping"); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", model)
	}
	return nil
}
