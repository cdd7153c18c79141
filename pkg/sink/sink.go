// Package sink fans request and response events out to an external batch
// uploader without ever blocking the DNS request path.
package sink

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jyuch/advoid/pkg/logging"
)

// Outcome classifies a completed request for the response event record.
type Outcome string

const (
	OutcomeBlocked   Outcome = "Blocked"
	OutcomeForwarded Outcome = "Forwarded"
	OutcomeError     Outcome = "Error"
)

// RequestEvent is emitted once a query has been canonicalised, before
// classification begins.
type RequestEvent struct {
	ID     string    `json:"id"`
	Ts     time.Time `json:"ts"`
	Client string    `json:"client"`
	Name   string    `json:"name"`
	Class  uint16    `json:"class"`
	Type   uint16    `json:"type"`
}

// ResponseEvent is emitted once the response to a request has been built.
type ResponseEvent struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	Ts          time.Time `json:"ts"`
	Outcome     Outcome   `json:"outcome"`
	Rcode       int       `json:"rcode"`
	AnswerCount int       `json:"answer_count"`
}

// Sink is the interface the request handler sends events through. Sends
// never block for more than a channel enqueue.
type Sink interface {
	SendRequest(ev RequestEvent)
	SendResponse(ev ResponseEvent)
	Close(ctx context.Context) error
}

// Uploader delivers one flushed, newline-delimited-JSON batch to a backend.
// Implementations must treat ctx cancellation as a reason to abort the
// upload rather than retry.
type Uploader interface {
	Upload(ctx context.Context, payload []byte) error
}

// idGen produces 128-bit time-ordered identifiers rendered as unhyphenated
// lowercase hex. ulid.Monotonic's entropy source isn't safe for concurrent
// use on its own, so access is serialised with a mutex.
type idGen struct {
	mu      sync.Mutex
	entropy ulid.MonotonicReader
}

func newIDGen() *idGen {
	return &idGen{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *idGen) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return fmt.Sprintf("%x", id[:])
}

// NullSink discards every event. Used when no --sink backend is configured.
type NullSink struct{}

func (NullSink) SendRequest(RequestEvent)   {}
func (NullSink) SendResponse(ResponseEvent) {}
func (NullSink) Close(context.Context) error { return nil }

// Options configures a BatchingSink.
type Options struct {
	BatchSize    int
	FlushInterval time.Duration
	ChannelDepth int // defaults to BatchSize*4 if zero
}

// BatchingSink fans request/response events into two independent worker
// goroutines, each batching its own event kind and flushing to Uploader on
// a size/interval trigger, mirroring the buffer-then-flush-worker shape a
// query-logging backend uses for its own write buffering.
type BatchingSink struct {
	opts     Options
	uploader Uploader
	logger   *logging.Logger
	ids      *idGen

	reqCh  chan RequestEvent
	respCh chan ResponseEvent

	dropped func()

	wg sync.WaitGroup
}

// New creates a BatchingSink and starts its two worker goroutines. dropped
// is invoked (non-blocking, cheap) every time an event is dropped because
// its channel was full; callers wire it to the dns_sink_dropped_total
// counter.
func New(ctx context.Context, opts Options, uploader Uploader, logger *logging.Logger, dropped func()) *BatchingSink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.ChannelDepth <= 0 {
		opts.ChannelDepth = opts.BatchSize * 4
	}
	if dropped == nil {
		dropped = func() {}
	}

	s := &BatchingSink{
		opts:     opts,
		uploader: uploader,
		logger:   logger,
		ids:      newIDGen(),
		reqCh:    make(chan RequestEvent, opts.ChannelDepth),
		respCh:   make(chan ResponseEvent, opts.ChannelDepth),
		dropped:  dropped,
	}

	s.wg.Add(2)
	go s.runWorker(ctx, "request", s.reqCh, nil)
	go s.runWorker(ctx, "response", nil, s.respCh)
	return s
}

// NextID returns a fresh time-ordered identifier. The handler draws one for
// each request event and one for each response event, and reuses the
// request event's identifier as the response event's request_id.
func (s *BatchingSink) NextID() string {
	return s.ids.next()
}

// SendRequest enqueues a request event, dropping it if the channel is full.
func (s *BatchingSink) SendRequest(ev RequestEvent) {
	select {
	case s.reqCh <- ev:
	default:
		s.logger.Warn("sink request channel full, dropping event", "name", ev.Name)
		s.dropped()
	}
}

// SendResponse enqueues a response event, dropping it if the channel is full.
func (s *BatchingSink) SendResponse(ev ResponseEvent) {
	select {
	case s.respCh <- ev:
	default:
		s.logger.Warn("sink response channel full, dropping event", "request_id", ev.RequestID)
		s.dropped()
	}
}

// Close stops accepting new events by closing both channels and waits for
// the workers to flush whatever remains, bounded by ctx.
func (s *BatchingSink) Close(ctx context.Context) error {
	close(s.reqCh)
	close(s.respCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorker batches one event kind. Exactly one of reqCh/respCh is non-nil
// per call; the other stays nil so its case in the select never fires.
func (s *BatchingSink) runWorker(ctx context.Context, kind string, reqCh <-chan RequestEvent, respCh <-chan ResponseEvent) {
	defer s.wg.Done()
	defer s.recoverAndRestart(ctx, kind, reqCh, respCh)

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	var reqBatch []RequestEvent
	var respBatch []ResponseEvent
	if reqCh != nil {
		reqBatch = make([]RequestEvent, 0, s.opts.BatchSize)
	}
	if respCh != nil {
		respBatch = make([]ResponseEvent, 0, s.opts.BatchSize)
	}

	flush := func() {
		if len(reqBatch) > 0 {
			s.upload(ctx, kind, reqBatch)
			reqBatch = reqBatch[:0]
		}
		if len(respBatch) > 0 {
			s.upload(ctx, kind, respBatch)
			respBatch = respBatch[:0]
		}
	}

	for {
		select {
		case ev, ok := <-reqCh:
			if !ok {
				flush()
				return
			}
			reqBatch = append(reqBatch, ev)
			if len(reqBatch) >= s.opts.BatchSize {
				flush()
			}

		case ev, ok := <-respCh:
			if !ok {
				flush()
				return
			}
			respBatch = append(respBatch, ev)
			if len(respBatch) >= s.opts.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// recoverAndRestart logs and restarts the worker if it panics, per the
// background-worker recovery policy. After a clean channel-closed return the
// deferred call still runs, but recover() returns nil, so the worker is not
// restarted.
func (s *BatchingSink) recoverAndRestart(ctx context.Context, kind string, reqCh <-chan RequestEvent, respCh <-chan ResponseEvent) {
	if r := recover(); r != nil {
		s.logger.Error("sink worker panicked, restarting", "kind", kind, "panic", r)
		s.wg.Add(1)
		go s.runWorker(ctx, kind, reqCh, respCh)
	}
}

func (s *BatchingSink) upload(ctx context.Context, kind string, batch any) {
	payload, err := marshalNDJSON(batch)
	if err != nil {
		s.logger.Error("failed to serialise sink batch", "kind", kind, "error", err)
		return
	}
	if err := s.uploader.Upload(ctx, payload); err != nil {
		s.logger.Error("sink upload failed, dropping batch", "kind", kind, "error", err)
	}
}

func marshalNDJSON(batch any) ([]byte, error) {
	var buf []byte

	appendLine := func(v any) error {
		line, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
		return nil
	}

	switch b := batch.(type) {
	case []RequestEvent:
		for _, ev := range b {
			if err := appendLine(ev); err != nil {
				return nil, err
			}
		}
	case []ResponseEvent:
		for _, ev := range b {
			if err := appendLine(ev); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("sink: unsupported batch type %T", batch)
	}

	return buf, nil
}
