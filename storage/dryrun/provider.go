// Package dryrun logs results instead of uploading them.
package dryrun

import (
	"context"
	"github.com/chrislloyd/buildkite-test-analytics/storage/common"
	"github.com/chrislloyd/buildkite-test-analytics/trace"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"go.uber.org/zap"
	"sync"
)

type Provider struct {
	mu     sync.Mutex
	traces []*trace.Trace
}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Start(ctx context.Context) error {
	logger := util.GetLogger("storage/dryrun", "Provider::Start")
	logger.Info("Dry run, results will not be uploaded")
	return nil
}

func (p *Provider) Result(ctx context.Context, tr *trace.Trace) error {
	logger := util.GetLogger("storage/dryrun", "Provider::Result")
	p.mu.Lock()
	p.traces = append(p.traces, tr)
	p.mu.Unlock()
	fields := []zap.Field{
		zap.String("id", tr.ID.String()),
		zap.String("identifier", tr.Identifier),
		zap.String("result", string(tr.Result)),
	}
	if tr.History != nil {
		fields = append(fields, zap.Duration("duration", tr.History.Duration), zap.Int("spans", len(tr.History.Children)))
	}
	logger.Info("Result", fields...)
	return nil
}

func (p *Provider) Complete(ctx context.Context, count common.ExamplesCount) error {
	logger := util.GetLogger("storage/dryrun", "Provider::Complete")
	logger.Info("Run complete",
		zap.Int("examples", count.Examples),
		zap.Int("failed", count.Failed),
		zap.Int("pending", count.Pending),
		zap.Int("errorsOutsideExamples", count.ErrorsOutsideExamples))
	return nil
}

func (p *Provider) Close() error {
	return nil
}

// Traces returns every trace reported so far.
func (p *Provider) Traces() []*trace.Trace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*trace.Trace(nil), p.traces...)
}
