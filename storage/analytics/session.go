// Package analytics reports a test run to the test analytics collector.
//
// A Session registers the run over HTTP, then holds a cable connection
// subscribed to the run's channel for the rest of the run. Every result is
// sent as it arrives; nothing is buffered or retried, so any failure ends
// the session.
package analytics

import (
	"context"
	"github.com/chrislloyd/buildkite-test-analytics/bookkeeper"
	"github.com/chrislloyd/buildkite-test-analytics/cable"
	"github.com/chrislloyd/buildkite-test-analytics/storage/common"
	"github.com/chrislloyd/buildkite-test-analytics/trace"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/json-iterator/go"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"net/http"
	"sync"
	"time"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	actionRecordResults     = "record_results"
	actionEndOfTransmission = "end_of_transmission"
)

type recordResults struct {
	Action  string         `json:"action"`
	Results []*trace.Trace `json:"results"`
}

type endOfTransmission struct {
	Action        string               `json:"action"`
	ExamplesCount common.ExamplesCount `json:"examples_count"`
}

type confirmation struct {
	Confirm []string `json:"confirm"`
}

// Config holds the settings needed to construct a Session.
type Config struct {
	// Token authenticates the run with the collector. Required.
	Token string

	// UploadURL is the run registration endpoint.
	UploadURL string

	// StepTimeout bounds each cable handshake step. Defaults to
	// cable.DefaultTimeout.
	StepTimeout time.Duration

	// DrainTimeout is how long Complete waits for outstanding results to be
	// confirmed before closing. Defaults to one second.
	DrainTimeout time.Duration

	// BookKeeper tracks confirmations. The session closes it. Defaults to
	// an in-memory book keeper.
	BookKeeper bookkeeper.BookKeeper

	HTTPClient *http.Client
	Env        *Env
	Dialer     cable.Dialer
}

type Session struct {
	config Config

	mu     sync.Mutex
	client *cable.Client
	send   cable.Producer
	upload *Upload
}

func NewSession(config Config) (*Session, error) {
	if config.Token == "" {
		return nil, errors.NotValidf("empty analytics token, set %s", util.TokenEnv)
	}
	if config.UploadURL == "" {
		config.UploadURL = util.DefaultUploadURL
	}
	if config.StepTimeout == 0 {
		config.StepTimeout = cable.DefaultTimeout
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Env == nil {
		config.Env = OSEnv()
	}
	if config.BookKeeper == nil {
		bk, err := bookkeeper.New(util.BookKeeperConfig{Type: bookkeeper.MEMORY})
		if err != nil {
			return nil, err
		}
		config.BookKeeper = bk
	}
	return &Session{config: config}, nil
}

// Start registers the run and subscribes to its channel.
func (s *Session) Start(ctx context.Context) error {
	logger := util.GetLogger("storage/analytics", "Session::Start")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return errors.NotValidf("start of started session")
	}

	upload, err := Bootstrap(ctx, s.config.HTTPClient, s.config.UploadURL, s.config.Token, NewRunEnv(s.config.Env))
	if err != nil {
		return err
	}
	cableURL, err := upload.CableURL()
	if err != nil {
		return err
	}

	opts := []cable.Option{
		cable.WithHeader(http.Header{"Authorization": []string{AuthorizationHeader(s.config.Token)}}),
		cable.WithTimeout(s.config.StepTimeout),
	}
	if s.config.Dialer != nil {
		opts = append(opts, cable.WithDialer(s.config.Dialer))
	}
	client := cable.New(cableURL, opts...)
	if err := client.Start(ctx); err != nil {
		return errors.Annotate(err, "connecting to collector")
	}
	send, err := client.Subscribe(ctx, upload.Channel, s.handleMessage)
	if err != nil {
		client.Close()
		return errors.Annotatef(err, "subscribing to run channel")
	}

	s.client = client
	s.send = send
	s.upload = upload
	logger.Info("Session started", zap.String("upload", upload.ID))
	return nil
}

// Result sends one finished trace.
func (s *Session) Result(ctx context.Context, tr *trace.Trace) error {
	s.mu.Lock()
	send := s.send
	s.mu.Unlock()
	if send == nil {
		return errors.NotValidf("result before start")
	}
	if err := s.config.BookKeeper.MarkSent(tr.ID.String()); err != nil {
		return err
	}
	err := send(ctx, recordResults{Action: actionRecordResults, Results: []*trace.Trace{tr}})
	return errors.Annotatef(err, "sending result %s", tr.ID)
}

// Complete ends the run: it announces the totals, gives the collector up to
// DrainTimeout to confirm what was sent, and closes the connection.
func (s *Session) Complete(ctx context.Context, count common.ExamplesCount) error {
	logger := util.GetLogger("storage/analytics", "Session::Complete")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return errors.NotValidf("complete before start")
	}

	err := s.send(ctx, endOfTransmission{Action: actionEndOfTransmission, ExamplesCount: count})
	if err != nil {
		return errors.Annotate(err, "sending end of transmission")
	}
	if outstanding := s.drain(ctx); outstanding > 0 {
		logger.Warn("Closing with unconfirmed results", zap.Int("outstanding", outstanding))
	}

	client := s.client
	s.client = nil
	s.send = nil
	if err := client.Stop(ctx); err != nil {
		client.Close()
		return errors.Annotate(err, "disconnecting from collector")
	}
	logger.Info("Session complete", zap.Int("examples", count.Examples), zap.Int("failed", count.Failed))
	return nil
}

// Close releases the connection and the book keeper.
func (s *Session) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.send = nil
	s.mu.Unlock()
	if client != nil {
		client.Close()
	}
	return s.config.BookKeeper.Close()
}

// drain polls the book keeper until nothing is outstanding or the drain
// timeout passes, and returns what is still outstanding.
func (s *Session) drain(ctx context.Context) int {
	logger := util.GetLogger("storage/analytics", "Session::drain")
	deadline := time.NewTimer(s.config.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		outstanding, err := s.config.BookKeeper.Outstanding()
		if err != nil {
			logger.Warn("Unable to count outstanding results", zap.Error(err))
		} else if outstanding == 0 {
			return 0
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return outstanding
		case <-ctx.Done():
			return outstanding
		}
	}
}

func (s *Session) handleMessage(message jsoniter.RawMessage) {
	logger := util.GetLogger("storage/analytics", "Session::handleMessage")
	var c confirmation
	if err := json.Unmarshal(message, &c); err != nil {
		logger.Warn("Unreadable message from collector", zap.ByteString("message", message), zap.Error(err))
		return
	}
	if len(c.Confirm) == 0 {
		logger.Debug("Message from collector", zap.ByteString("message", message))
		return
	}
	for _, id := range c.Confirm {
		if err := s.config.BookKeeper.MarkConfirmed(id); err != nil {
			logger.Warn("Unable to record confirmation", zap.String("traceID", id), zap.Error(err))
		}
	}
}
