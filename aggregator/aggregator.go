// Package aggregator turns a stream of test events into traces and reports
// them to a storage provider.
package aggregator

import (
	"context"
	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/chrislloyd/buildkite-test-analytics/consumer"
	"github.com/chrislloyd/buildkite-test-analytics/storage"
	"github.com/chrislloyd/buildkite-test-analytics/storage/common"
	"github.com/chrislloyd/buildkite-test-analytics/trace"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"go.uber.org/zap"
	"strings"
	"time"
)

const (
	sectionPause   = "pause"
	sectionSubtest = "subtest"

	// minDuration is reported for tests whose elapsed time rounds to zero.
	minDuration = time.Millisecond
)

type AsyncAggregator interface {
	PrepareActor() *actor.PID
}

// Complete asks the aggregator to finish the run. The aggregator responds
// with a *Summary once the provider has been told.
type Complete struct{}

// Summary is the outcome of a run.
type Summary struct {
	Count common.ExamplesCount
	// Err is the first error returned by the provider, if any.
	Err error
}

// Failed reports whether any test, or anything outside a test, failed.
func (s *Summary) Failed() bool {
	return s.Count.Failed > 0 || s.Count.ErrorsOutsideExamples > 0
}

type testRun struct {
	tracer *trace.Tracer
	output []string
	paused bool
}

type packageRun struct {
	output []string
	failed int
}

type aggregatorActor struct {
	ctx      context.Context
	pid      *actor.PID
	provider storage.Provider
	clock    *streamClock

	tests    map[string]*testRun
	packages map[string]*packageRun
	count    common.ExamplesCount
	err      error
}

// NewAggregator reports to provider. ctx bounds every provider call.
func NewAggregator(ctx context.Context, provider storage.Provider) AsyncAggregator {
	return newAggregatorActor(ctx, provider)
}

func newAggregatorActor(ctx context.Context, provider storage.Provider) *aggregatorActor {
	return &aggregatorActor{
		ctx:      ctx,
		provider: provider,
		clock:    &streamClock{},
		tests:    make(map[string]*testRun),
		packages: make(map[string]*packageRun),
	}
}

func (sa *aggregatorActor) PrepareActor() *actor.PID {
	props := actor.FromProducer(func() actor.Actor {
		return sa
	})
	sa.pid = actor.Spawn(props)
	return sa.pid
}

func (sa *aggregatorActor) Receive(c actor.Context) {
	logger := util.GetLogger("aggregator", "aggregatorActor::Receive")
	switch msg := c.Message().(type) {
	case *consumer.Event:
		sa.processEvent(msg)
	case *Complete:
		c.Respond(sa.complete())
	case *actor.Started:
		logger.Info("Actor started")
	case *actor.Restarting:
		logger.Info("Actor restarting")
	case *actor.Stopping:
		logger.Info("Stopping, actor is about shut down")
	case *actor.Stopped:
		logger.Info("Stopped, actor and its children are stopped")
	}
}

func (sa *aggregatorActor) processEvent(event *consumer.Event) {
	sa.clock.at = event.Time
	if event.Test == "" {
		sa.processPackageEvent(event)
		return
	}
	key := testKey(event.Package, event.Test)
	switch event.Action {
	case consumer.ActionRun:
		sa.tests[key] = &testRun{tracer: trace.NewTracerWithClock(sa.clock)}
	case consumer.ActionOutput:
		if run, ok := sa.tests[key]; ok {
			run.output = append(run.output, strings.TrimSuffix(event.Output, "\n"))
		}
	case consumer.ActionPause:
		if run, ok := sa.tests[key]; ok && !run.paused {
			run.tracer.Enter(sectionPause, nil)
			run.paused = true
		}
	case consumer.ActionCont:
		if run, ok := sa.tests[key]; ok && run.paused {
			sa.resume(run, event)
		}
	case consumer.ActionPass, consumer.ActionFail, consumer.ActionSkip:
		sa.finishTest(key, event)
	}
}

func (sa *aggregatorActor) processPackageEvent(event *consumer.Event) {
	logger := util.GetLogger("aggregator", "aggregatorActor::processPackageEvent")
	pkg := sa.packageRun(event.Package)
	switch event.Action {
	case consumer.ActionOutput:
		pkg.output = append(pkg.output, strings.TrimSuffix(event.Output, "\n"))
	case consumer.ActionFail:
		if pkg.failed == 0 {
			sa.count.ErrorsOutsideExamples++
			logger.Warn("Package failed outside of any test",
				zap.String("package", event.Package),
				zap.String("output", strings.Join(pkg.output, "\n")))
		}
		delete(sa.packages, event.Package)
	case consumer.ActionPass, consumer.ActionSkip:
		delete(sa.packages, event.Package)
	}
}

func (sa *aggregatorActor) finishTest(key string, event *consumer.Event) {
	logger := util.GetLogger("aggregator", "aggregatorActor::finishTest")
	run, ok := sa.tests[key]
	if !ok {
		run = &testRun{tracer: trace.NewTracerWithClock(sa.clock)}
	}
	delete(sa.tests, key)
	if run.paused {
		sa.resume(run, event)
	}

	elapsed := event.ElapsedDuration()
	if elapsed < minDuration {
		elapsed = minDuration
	}
	total := elapsed
	if run.tracer.Depth() == 1 {
		total = covering(run.tracer.Current(), elapsed)
	}
	history, err := run.tracer.Finalize(total)

	if parent, ok := sa.tests[parentKey(event.Package, event.Test)]; ok {
		sa.backfillSubtest(parent, event.Test, elapsed)
	}

	result := trace.ResultFromStatus(event.Action)
	sa.count.Examples++
	var failures []string
	switch result {
	case trace.Failed:
		sa.count.Failed++
		sa.packageRun(event.Package).failed++
		failures = run.output
	case trace.Skipped:
		sa.count.Pending++
	}
	if err != nil {
		logger.Warn("Unable to finalize test history, not reporting it", zap.String("test", event.Test), zap.Error(err))
		return
	}

	tr := trace.NewTrace(trace.Identity{
		Scope:      event.Package,
		Name:       event.Test,
		Identifier: event.Package + ":" + event.Test,
		Location:   event.Package,
		FileName:   event.Package,
	}, result, failures, history)
	sa.report(tr)
}

func (sa *aggregatorActor) resume(run *testRun, event *consumer.Event) {
	logger := util.GetLogger("aggregator", "aggregatorActor::resume")
	if err := run.tracer.Leave(); err != nil {
		logger.Warn("Unable to close pause", zap.String("test", event.Test), zap.Error(err))
	}
	run.paused = false
}

// backfillSubtest records a finished subtest in its parent. The span is
// clipped so it never starts before the span it is attached to; elapsed
// times are rounded by the runner.
func (sa *aggregatorActor) backfillSubtest(parent *testRun, name string, elapsed time.Duration) {
	current := parent.tracer.Current()
	if current == nil {
		return
	}
	d := elapsed
	if since := sa.clock.Now().Sub(current.StartAt); since < d {
		d = since
	}
	if d < 0 {
		d = 0
	}
	parent.tracer.Backfill(sectionSubtest, d, trace.Detail{"name": name})
}

func (sa *aggregatorActor) report(tr *trace.Trace) {
	logger := util.GetLogger("aggregator", "aggregatorActor::report")
	if sa.err != nil {
		logger.Debug("Provider failed earlier, dropping result", zap.String("identifier", tr.Identifier))
		return
	}
	if err := sa.provider.Result(sa.ctx, tr); err != nil {
		logger.Error("Unable to report result", zap.String("identifier", tr.Identifier), zap.Error(err))
		sa.err = err
	}
}

func (sa *aggregatorActor) complete() *Summary {
	logger := util.GetLogger("aggregator", "aggregatorActor::complete")
	for key := range sa.tests {
		logger.Warn("Test never finished", zap.String("test", key))
	}
	sa.tests = make(map[string]*testRun)

	summary := &Summary{Count: sa.count, Err: sa.err}
	if sa.err == nil {
		if err := sa.provider.Complete(sa.ctx, sa.count); err != nil {
			logger.Error("Unable to complete run", zap.Error(err))
			summary.Err = err
		}
	}
	return summary
}

func (sa *aggregatorActor) packageRun(name string) *packageRun {
	pkg, ok := sa.packages[name]
	if !ok {
		pkg = &packageRun{}
		sa.packages[name] = pkg
	}
	return pkg
}

// streamClock is the time of the event being applied, so spans follow the
// run's own timeline. go test -json flushes a package's events in bursts,
// so the time they are read says little. Events without a time fall back
// to the wall clock.
type streamClock struct {
	at time.Time
}

func (c *streamClock) Now() time.Time {
	if c.at.IsZero() {
		return time.Now()
	}
	return c.at
}

// covering extends total so the root ends no earlier than any of its
// children.
func covering(root *trace.Span, total time.Duration) time.Duration {
	for _, child := range root.Children {
		if end := child.EndAt.Sub(root.StartAt); end > total {
			total = end
		}
	}
	return total
}

func testKey(pkg, test string) string {
	return pkg + "\x00" + test
}

// parentKey is the key of the test that owns a subtest, or "" for a
// top-level test.
func parentKey(pkg, test string) string {
	i := strings.LastIndex(test, "/")
	if i < 0 {
		return ""
	}
	return testKey(pkg, test[:i])
}
