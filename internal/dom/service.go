package dom

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Service runs the extraction pipeline against one session at a time.
type Service struct {
	logger *zap.Logger
	opts   Options
}

// NewService returns a Service using opts, with zero fields defaulted.
func NewService(logger *zap.Logger, opts Options) *Service {
	return &Service{logger: logger.Named("dom"), opts: opts.withDefaults()}
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// Extract captures the page behind ctx's executor and serializes it. Nodes
// whose backend id is missing from prev are marked new.
func (s *Service) Extract(ctx context.Context, prev SelectorMap) (*State, error) {
	start := time.Now()
	c, err := CaptureDocument(ctx)
	if err != nil {
		return nil, err
	}
	captured := time.Since(start)

	tree, err := Build(c, s.opts.ViewportTolerance)
	if err != nil {
		return nil, fmt.Errorf("build tree: %w", err)
	}
	st := Serialize(tree, prev, s.opts)

	s.logger.Debug("DOM extracted",
		zap.Int("nodes", tree.Len()),
		zap.Int("indexed", len(st.SelectorMap)),
		zap.Duration("capture", captured),
		zap.Duration("elapsed", time.Since(start)))
	return st, nil
}
