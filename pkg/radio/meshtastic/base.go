// Package meshtastic provides the Meshtastic radio backends: a stream
// backend for devices on TCP or serial, and an MQTT backend that joins a
// mesh through a broker.
package meshtastic

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	mt "github.com/kabili207/meshrelay/pkg/meshtastic"
	"github.com/kabili207/meshrelay/pkg/models"
	"github.com/kabili207/meshrelay/pkg/radio"
)

func init() {
	radio.RegisterFactory(StreamBackendName, func(log *slog.Logger) radio.Backend { return NewStream(log) })
	radio.RegisterFactory(MQTTBackendName, func(log *slog.Logger) radio.Backend { return NewMQTT(log) })
}

// callbacks holds the handlers the relay registers on a backend.
type callbacks struct {
	mu           sync.RWMutex
	onMessage    radio.MessageHandler
	onNode       radio.NodeHandler
	onDisconnect func(error)
}

func (c *callbacks) SetMessageHandler(h radio.MessageHandler) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

func (c *callbacks) SetNodeHandler(h radio.NodeHandler) {
	c.mu.Lock()
	c.onNode = h
	c.mu.Unlock()
}

func (c *callbacks) SetDisconnectHandler(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *callbacks) message(m *models.Message) {
	c.mu.RLock()
	h := c.onMessage
	c.mu.RUnlock()
	if h != nil && m != nil {
		h(m)
	}
}

func (c *callbacks) node(n *models.Node) {
	c.mu.RLock()
	h := c.onNode
	c.mu.RUnlock()
	if h != nil && n != nil {
		h(n)
	}
}

func (c *callbacks) disconnected(err error) {
	c.mu.RLock()
	fn := c.onDisconnect
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// dispatch records a node update in the cache before handing both results on.
func (c *callbacks) dispatch(nodes *nodeCache, num uint32, msg *models.Message, node *models.Node) {
	if node != nil {
		nodes.merge(num, node)
		c.node(node)
	}
	c.message(msg)
}

// packetIDs generates packet ids the way the firmware does: a rolling
// counter in the low bits mixed with the clock.
type packetIDs struct {
	mu      sync.Mutex
	counter uint32
}

func (p *packetIDs) next() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	p.counter = (p.counter & 0x3ff) | (uint32(time.Now().UnixNano()&0x3fffff) << 10)
	return p.counter
}

// hopValues returns the hop fields for a packet injected through a broker.
// The gateway hop counts against the limit.
func hopValues(limit int) (hopStart, hopLimit uint32) {
	if limit <= 0 {
		limit = mt.DefaultHopLimit
	}
	if limit > mt.MaxHopLimit {
		limit = mt.MaxHopLimit
	}
	return uint32(limit), uint32(limit) - 1
}

func parseReplyID(s string) uint32 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func configuredDelay(cfg radio.Config, def time.Duration) time.Duration {
	if cfg.MessageDelay > 0 {
		return cfg.MessageDelay
	}
	return def
}
