// Package radiotest provides scriptable in-memory radio backends for tests.
package radiotest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/kabili207/meshrelay/pkg/models"
	"github.com/kabili207/meshrelay/pkg/radio"
)

// Sent records one SendMessage call.
type Sent struct {
	Text string
	Opts radio.SendOptions
	At   time.Time
}

// Backend is a fake transport with no active probe.
type Backend struct {
	name string
	// Delay, when non-zero, overrides the queue pacing
	Delay time.Duration

	mu          sync.Mutex
	connected   bool
	handler     radio.MessageHandler
	nodeHandler radio.NodeHandler
	connectErrs []error
	sendErrs    []error
	sent        []Sent
	connects    int
	disconnects int
	lastConfig  radio.Config
}

func New(name string) *Backend {
	return &Backend{name: name}
}

func (b *Backend) Name() string { return b.name }

// FailConnects makes the next len(errs) Connect calls return errs in order.
func (b *Backend) FailConnects(errs ...error) {
	b.mu.Lock()
	b.connectErrs = append(b.connectErrs, errs...)
	b.mu.Unlock()
}

// FailSends makes the next len(errs) SendMessage calls return errs in order.
func (b *Backend) FailSends(errs ...error) {
	b.mu.Lock()
	b.sendErrs = append(b.sendErrs, errs...)
	b.mu.Unlock()
}

func (b *Backend) Connect(ctx context.Context, cfg radio.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastConfig = cfg
	if len(b.connectErrs) > 0 {
		err := b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	if !b.connected {
		b.connected = true
		b.connects++
	}
	return nil
}

func (b *Backend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		b.connected = false
		b.disconnects++
	}
	return nil
}

func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SetConnected flips the link state without counting a connect or disconnect.
func (b *Backend) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Backend) SetMessageHandler(h radio.MessageHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Deliver hands m to the registered handler as inbound traffic.
func (b *Backend) Deliver(m *models.Message) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(m)
	}
}

func (b *Backend) SetNodeHandler(h radio.NodeHandler) {
	b.mu.Lock()
	b.nodeHandler = h
	b.mu.Unlock()
}

// DeliverNode hands n to the registered node handler.
func (b *Backend) DeliverNode(n *models.Node) {
	b.mu.Lock()
	h := b.nodeHandler
	b.mu.Unlock()
	if h != nil {
		h(n)
	}
}

func (b *Backend) SendMessage(ctx context.Context, text string, opts radio.SendOptions) (radio.SendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return radio.SendResult{}, radio.ErrNotConnected
	}
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return radio.SendResult{}, err
		}
	}
	b.sent = append(b.sent, Sent{Text: text, Opts: opts, At: time.Now()})
	return radio.SendResult{MessageID: strconv.Itoa(len(b.sent))}, nil
}

func (b *Backend) MessageDelay(_ radio.Config, def time.Duration) time.Duration {
	if b.Delay > 0 {
		return b.Delay
	}
	return def
}

// SentMessages returns a copy of everything sent so far.
func (b *Backend) SentMessages() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

func (b *Backend) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *Backend) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}

func (b *Backend) LastConfig() radio.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastConfig
}

// ProbingBackend answers health probes from a script.
type ProbingBackend struct {
	*Backend

	probeMu   sync.Mutex
	probeErrs []error
	probes    int
	// ProbeDelay stalls each probe, to exercise probe timeouts
	ProbeDelay time.Duration
}

func NewProbing(name string) *ProbingBackend {
	return &ProbingBackend{Backend: New(name)}
}

// ScriptProbes queues probe results. Once exhausted probes succeed.
func (b *ProbingBackend) ScriptProbes(errs ...error) {
	b.probeMu.Lock()
	b.probeErrs = append(b.probeErrs, errs...)
	b.probeMu.Unlock()
}

func (b *ProbingBackend) Probe(ctx context.Context) error {
	b.probeMu.Lock()
	b.probes++
	var err error
	if len(b.probeErrs) > 0 {
		err = b.probeErrs[0]
		b.probeErrs = b.probeErrs[1:]
	}
	delay := b.ProbeDelay
	b.probeMu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (b *ProbingBackend) Probes() int {
	b.probeMu.Lock()
	defer b.probeMu.Unlock()
	return b.probes
}

// NotifyingBackend reports link loss in real time and is never probed.
type NotifyingBackend struct {
	*Backend

	notifyMu sync.Mutex
	onDrop   func(error)
}

func NewNotifying(name string) *NotifyingBackend {
	return &NotifyingBackend{Backend: New(name)}
}

func (b *NotifyingBackend) NotifiesDisconnect() bool { return true }

func (b *NotifyingBackend) SetDisconnectHandler(fn func(error)) {
	b.notifyMu.Lock()
	b.onDrop = fn
	b.notifyMu.Unlock()
}

// Drop simulates link loss.
func (b *NotifyingBackend) Drop(err error) {
	b.SetConnected(false)
	b.notifyMu.Lock()
	fn := b.onDrop
	b.notifyMu.Unlock()
	if fn != nil {
		fn(err)
	}
}
