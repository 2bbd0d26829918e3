// Package radio defines the contract every mesh-radio transport implements
// and the registry that tracks which one is active.
package radio

import (
	"context"
	"errors"
	"time"

	"github.com/kabili207/meshrelay/pkg/models"
)

var (
	// ErrUnknownBackend is a configuration error: no factory by that name.
	ErrUnknownBackend = errors.New("unknown radio backend")
	// ErrNotConnected is returned when sending through a disconnected backend.
	ErrNotConnected = errors.New("radio not connected")
	// ErrProbeUnparsed means the device answered a probe but the reply could
	// not be decoded. The link is alive; health checks treat it as success.
	ErrProbeUnparsed = errors.New("probe reply could not be parsed")
	// ErrUnsupported is returned for configurations a backend cannot serve.
	ErrUnsupported = errors.New("unsupported radio configuration")
)

// Connection types understood by the backends.
const (
	ConnectionTCP    = "tcp"
	ConnectionSerial = "serial"
	ConnectionBLE    = "ble"
	ConnectionMQTT   = "mqtt"
)

// Config is the radio section of the relay configuration.
type Config struct {
	Backend        string        `mapstructure:"backend" validate:"required"`
	ConnectionType string        `mapstructure:"connection_type" validate:"omitempty,oneof=tcp serial ble mqtt"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	SerialPort     string        `mapstructure:"serial_port"`
	BaudRate       int           `mapstructure:"baud_rate"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MeshnetName    string        `mapstructure:"meshnet_name"`
	// MessageDelay overrides the queue's delay for this backend when set
	MessageDelay time.Duration `mapstructure:"message_delay"`
	MQTT         MQTTConfig    `mapstructure:"mqtt"`
}

// MQTTConfig configures the Meshtastic-over-MQTT backend.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// Root is the topic root, e.g. "msh/US"
	Root string `mapstructure:"root"`
	// NodeID is the gateway node the relay publishes as, e.g. "!abcd1234"
	NodeID     string          `mapstructure:"node_id"`
	Channels   []ChannelConfig `mapstructure:"channels"`
	PrivateKey string          `mapstructure:"private_key"`
}

// ChannelConfig names a channel and its base64 PSK. An empty key means the
// default key.
type ChannelConfig struct {
	Name string `mapstructure:"name"`
	Key  string `mapstructure:"key"`
}

// SendOptions routes an outbound text.
type SendOptions struct {
	Channel uint32
	// DestinationID addresses a single node; empty means broadcast
	DestinationID string
	ReplyToID     string
}

// SendResult describes an accepted send.
type SendResult struct {
	MessageID string
}

// MessageHandler receives decoded inbound traffic. Backends call it from
// their own goroutines.
type MessageHandler func(*models.Message)

// NodeHandler receives partial node updates. Unset fields are unknown, not
// cleared.
type NodeHandler func(*models.Node)

// Backend is a pluggable radio transport.
type Backend interface {
	// Name is the stable lowercase registry name.
	Name() string
	// Connect establishes the link. Calling it while connected is a no-op.
	Connect(ctx context.Context, cfg Config) error
	// Disconnect tears the link down. Calling it while disconnected is a no-op.
	Disconnect() error
	IsConnected() bool
	SetMessageHandler(h MessageHandler)
	SendMessage(ctx context.Context, text string, opts SendOptions) (SendResult, error)
}

// NodeReporter is implemented by backends that decode node info, position
// and telemetry traffic.
type NodeReporter interface {
	SetNodeHandler(h NodeHandler)
}

// MessageDelayer lets a backend override the pacing between sends.
type MessageDelayer interface {
	MessageDelay(cfg Config, def time.Duration) time.Duration
}

// Prober performs an active round trip with the device.
type Prober interface {
	Probe(ctx context.Context) error
}

// DisconnectNotifier is implemented by transports that report link loss as it
// happens. Health checks skip the active probe for these.
type DisconnectNotifier interface {
	NotifiesDisconnect() bool
	SetDisconnectHandler(func(error))
}

// MessageDelay returns b's pacing delay, falling back to def.
func MessageDelay(b Backend, cfg Config, def time.Duration) time.Duration {
	if d, ok := b.(MessageDelayer); ok {
		return d.MessageDelay(cfg, def)
	}
	return def
}

// NotifiesDisconnect reports whether b detects link loss in real time.
func NotifiesDisconnect(b Backend) bool {
	n, ok := b.(DisconnectNotifier)
	return ok && n.NotifiesDisconnect()
}
