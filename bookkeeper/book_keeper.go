// Package bookkeeper keeps a ledger of traces that were sent to the
// collector and whether the collector has confirmed them.
package bookkeeper

import (
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack"
	"time"
)

const (
	MEMORY = "memory"
	DISK   = "disk"
)

type BookKeeper interface {
	// MarkSent records that a trace went out. Marking the same trace twice
	// has no further effect.
	MarkSent(traceID string) error
	// MarkConfirmed records the collector's confirmation of a trace.
	MarkConfirmed(traceID string) error
	// Confirmed reports whether the trace has been confirmed.
	Confirmed(traceID string) (bool, error)
	// Outstanding counts traces that were sent but not yet confirmed.
	Outstanding() (int, error)
	// Close releases the ledger. The memory ledger is emptied; the disk
	// ledger compacts its value log first and stays readable.
	Close() error
}

// New builds the book keeper named by config.
func New(config util.BookKeeperConfig) (BookKeeper, error) {
	var bk BookKeeper
	var err error
	switch config.Type {
	case "", MEMORY:
		bk, err = newBigCacheBK()
	case DISK, "badger":
		bk, err = newBadgerBK(config.Path)
	default:
		err = errors.NotSupportedf("book keeper type %q", config.Type)
	}
	return bk, errors.Trace(err)
}

type entry struct {
	SentAt      int64 `msgpack:"sent_at"`
	ConfirmedAt int64 `msgpack:"confirmed_at"`
}

func (e entry) outstanding() bool {
	return e.SentAt != 0 && e.ConfirmedAt == 0
}

func decodeEntry(data []byte) (entry, error) {
	var e entry
	if len(data) == 0 {
		return e, nil
	}
	err := msgpack.Unmarshal(data, &e)
	return e, errors.Trace(err)
}

func encodeEntry(e entry) ([]byte, error) {
	data, err := msgpack.Marshal(e)
	return data, errors.Trace(err)
}

func key(traceID string) []byte {
	return append([]byte("t-"), traceID...)
}

func now() int64 {
	return time.Now().UnixNano()
}
