// Package queue paces outbound text onto the radio. The mesh can only carry
// a message every couple of seconds, so the relay buffers bursts here and
// signals backpressure before the buffer fills.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/time/rate"

	"github.com/kabili207/meshrelay/pkg/bridge"
	"github.com/kabili207/meshrelay/pkg/metrics"
	"github.com/kabili207/meshrelay/pkg/models"
	"github.com/kabili207/meshrelay/pkg/radio"
)

const (
	// MinimumMessageDelay is the shortest spacing the mesh reliably handles.
	// Shorter delays are honored but logged.
	MinimumMessageDelay = 2100 * time.Millisecond
	DefaultMessageDelay = 2200 * time.Millisecond

	DefaultMaxSize      = 500
	DefaultPollInterval = 500 * time.Millisecond
)

var (
	// ErrQueueFull is returned when the queue is at its hard capacity.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrBackpressure is returned for low priority messages once the queue
	// passes its high water mark.
	ErrBackpressure = errors.New("outbound queue above high water mark")
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

type Config struct {
	MaxSize         int           `mapstructure:"max_size"`
	MediumWaterMark int           `mapstructure:"medium_water_mark"`
	HighWaterMark   int           `mapstructure:"high_water_mark"`
	MessageDelay    time.Duration `mapstructure:"message_delay"`
	// PrioritizeDirect sends direct messages ahead of waiting broadcasts
	PrioritizeDirect bool `mapstructure:"prioritize_direct"`
	// PollInterval is how often the drain rechecks radio readiness
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Validate fills in defaults and orders the water marks below the maximum.
func (c *Config) Validate() {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > c.MaxSize {
		c.HighWaterMark = c.MaxSize * 3 / 4
	}
	if c.MediumWaterMark <= 0 || c.MediumWaterMark > c.HighWaterMark {
		c.MediumWaterMark = c.MaxSize / 2
	}
	if c.MediumWaterMark > c.HighWaterMark {
		c.MediumWaterMark = c.HighWaterMark
	}
	if c.MessageDelay <= 0 {
		c.MessageDelay = DefaultMessageDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Item is one queued send.
type Item struct {
	Message  *models.Message
	Options  radio.SendOptions
	Priority Priority
	// OnSent runs after the radio accepts the message
	OnSent func(*models.Message, radio.SendResult)

	Enqueued time.Time
	Seq      uint64
}

func (it *Item) direct() bool {
	return it.Options.DestinationID != ""
}

// Target is where the queue delivers: the registry's active backend.
type Target interface {
	Active() radio.Backend
	IsReady() bool
}

// Queue is a bounded, paced outbound buffer. Items are FIFO within their
// destination class (broadcast or direct).
type Queue struct {
	cfg      Config
	radioCfg radio.Config
	target   Target
	log      *slog.Logger

	mu        sync.Mutex
	broadcast []*Item
	direct    []*Item
	seq       uint64
	level     int
	wake      chan struct{}

	lastSent time.Time
	warnFull rate.Sometimes
}

func New(cfg Config, radioCfg radio.Config, target Target, log *slog.Logger) *Queue {
	cfg.Validate()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "queue")
	if cfg.MessageDelay < MinimumMessageDelay {
		log.Warn("message delay is below the reliable minimum, messages may be lost",
			"delay", cfg.MessageDelay, "minimum", MinimumMessageDelay)
	}
	return &Queue{
		cfg:      cfg,
		radioCfg: radioCfg,
		target:   target,
		log:      log,
		wake:     make(chan struct{}, 1),
		warnFull: rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

func (q *Queue) Config() Config { return q.cfg }

// Len returns the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.broadcast) + len(q.direct)
}

// Enqueue adds an item. It fails with ErrQueueFull at capacity, and with
// ErrBackpressure for low priority items at or above the high water mark.
func (q *Queue) Enqueue(item Item) error {
	if item.Message == nil {
		return errors.New("queue item has no message")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.broadcast) + len(q.direct)
	if n >= q.cfg.MaxSize {
		metrics.QueueRejectedTotal.WithLabelValues("full").Inc()
		q.warnFull.Do(func() {
			q.log.Warn("outbound queue full, rejecting messages", "size", n)
		})
		return fmt.Errorf("%w (%d items)", ErrQueueFull, n)
	}
	if item.Priority == PriorityLow && n >= q.cfg.HighWaterMark {
		metrics.QueueRejectedTotal.WithLabelValues("backpressure").Inc()
		return fmt.Errorf("%w (%d items)", ErrBackpressure, n)
	}

	q.seq++
	item.Seq = q.seq
	item.Enqueued = time.Now()
	if item.direct() {
		q.direct = append(q.direct, &item)
	} else {
		q.broadcast = append(q.broadcast, &item)
	}
	q.updateLevelLocked(n + 1)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// updateLevelLocked logs water mark crossings on the way up.
func (q *Queue) updateLevelLocked(n int) {
	metrics.QueueDepth.Set(float64(n))

	level := 0
	switch {
	case n >= q.cfg.HighWaterMark:
		level = 2
	case n >= q.cfg.MediumWaterMark:
		level = 1
	}
	if level > q.level {
		if level == 2 {
			q.log.Warn("outbound queue above high water mark, refusing low priority messages",
				"size", n, "high_water_mark", q.cfg.HighWaterMark)
		} else {
			q.log.Warn("outbound queue above medium water mark",
				"size", n, "medium_water_mark", q.cfg.MediumWaterMark)
		}
	}
	q.level = level
}

func (q *Queue) popLocked() *Item {
	var it *Item
	switch {
	case len(q.direct) == 0 && len(q.broadcast) == 0:
		return nil
	case len(q.direct) == 0:
		it, q.broadcast = q.broadcast[0], q.broadcast[1:]
	case len(q.broadcast) == 0:
		it, q.direct = q.direct[0], q.direct[1:]
	case q.cfg.PrioritizeDirect || q.direct[0].Seq < q.broadcast[0].Seq:
		it, q.direct = q.direct[0], q.direct[1:]
	default:
		it, q.broadcast = q.broadcast[0], q.broadcast[1:]
	}
	q.updateLevelLocked(len(q.broadcast) + len(q.direct))
	return it
}

func (q *Queue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Run drains the queue until ctx is cancelled. Each send waits for the radio
// to be ready and for the message delay to pass since the previous send.
func (q *Queue) Run(ctx context.Context) error {
	// a panicking driver surfaces as a send failure
	pool := bridge.NewPool(q.log, "radio-send", 1)
	defer func() {
		go pool.Close()
		if n := q.Len(); n > 0 {
			q.log.Info("discarding queued messages on shutdown", "count", n)
		}
	}()

	for {
		if !q.waitItem(ctx) || !q.waitReady(ctx) || !q.pace(ctx) {
			return nil
		}
		item := q.pop()
		if item == nil {
			continue
		}
		q.send(ctx, pool, item)
	}
}

func (q *Queue) waitItem(ctx context.Context) bool {
	for {
		if q.Len() > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-q.wake:
		}
	}
}

func (q *Queue) waitReady(ctx context.Context) bool {
	if q.target.IsReady() {
		return true
	}
	q.log.Debug("waiting for radio before sending")
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if q.target.IsReady() {
				return true
			}
		}
	}
}

// delay returns the spacing for the active backend.
func (q *Queue) delay() time.Duration {
	if b := q.target.Active(); b != nil {
		return radio.MessageDelay(b, q.radioCfg, q.cfg.MessageDelay)
	}
	return q.cfg.MessageDelay
}

func (q *Queue) pace(ctx context.Context) bool {
	if q.lastSent.IsZero() {
		return true
	}
	wait := time.Until(q.lastSent.Add(q.delay()))
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (q *Queue) send(ctx context.Context, pool *bridge.Pool, item *Item) {
	defer func() { q.lastSent = time.Now() }()

	log := q.log.With("seq", item.Seq, "channel", item.Options.Channel)
	if item.direct() {
		log = log.With("destination", item.Options.DestinationID)
	}

	b := q.target.Active()
	if b == nil {
		metrics.QueueFailedTotal.Inc()
		log.Error("no active radio, dropping queued message")
		return
	}

	res, err := bridge.Run(ctx, pool, func(ctx context.Context) (radio.SendResult, error) {
		return b.SendMessage(ctx, item.Message.Text, item.Options)
	})
	if err != nil {
		metrics.QueueFailedTotal.Inc()
		var pe *bridge.PanicError
		if errors.As(err, &pe) {
			log.Error("radio panicked sending queued message, dropping it", "backend", b.Name(), "panic", fmt.Sprint(pe.Value), "stack", string(pe.Stack))
			return
		}
		log.Error("failed to send queued message, dropping it", "backend", b.Name(), "error", err)
		return
	}
	metrics.QueueSentTotal.Inc()
	log.Debug("sent queued message", "backend", b.Name(), "message_id", res.MessageID, "waited", time.Since(item.Enqueued))

	if item.OnSent != nil {
		var pc panics.Catcher
		pc.Try(func() { item.OnSent(item.Message, res) })
		if r := pc.Recovered(); r != nil {
			log.Error("send callback panicked", "panic", fmt.Sprint(r.Value), "stack", string(r.Stack))
		}
	}
}
