// Package hooks holds the mochi-mqtt hook that turns the embedded broker into
// the relay's chat gateway.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/kabili207/meshrelay/pkg/metrics"
	"github.com/kabili207/meshrelay/pkg/models"
	"github.com/kabili207/meshrelay/pkg/relay"
)

const (
	DefaultListenAddr  = ":1883"
	DefaultTopicPrefix = "meshrelay"

	// requestTimeout bounds handing a chat request to the relay
	requestTimeout = 10 * time.Second
)

// GatewayConfig is the gateway section of the relay configuration.
type GatewayConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	TopicPrefix string `mapstructure:"topic_prefix" validate:"required,excludesall=#+"`
	// Username and PasswordHash protect the broker; both empty allows any
	// client to connect
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash" validate:"omitempty,hexadecimal,len=64"`
	Salt         string `mapstructure:"salt"`
}

// Relay is the part of the relay the gateway drives.
type Relay interface {
	Send(ctx context.Context, req relay.SendRequest) error
	RecordMapping(ctx context.Context, mm models.MessageMap) error
}

// MappingRequest links a relayed radio message to the chat event it became.
type MappingRequest struct {
	RadioID     string `json:"radio_id"`
	ChatID      string `json:"chat_id"`
	ChatRoom    string `json:"chat_room"`
	MeshnetName string `json:"meshnet_name"`
}

// GatewayHookOptions contains configuration settings for the hook.
type GatewayHookOptions struct {
	Server *mqtt.Server
	Config GatewayConfig
	Relay  Relay
}

var (
	_ models.GatewayClients = (*GatewayHook)(nil)
	_ relay.Publisher       = (*GatewayHook)(nil)
)

type GatewayHook struct {
	mqtt.HookBase
	config *GatewayHookOptions

	rxFilter     auth.RString
	statusTopic  string
	txTopic      string
	mapTopic     string
	knownClients map[string]*models.ClientDetails
	clientLock   sync.RWMutex
}

func (h *GatewayHook) ID() string {
	return "gateway-hook"
}

func (h *GatewayHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnConnect,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnPublish,
	}, []byte{b})
}

func (h *GatewayHook) Init(config any) error {
	opts, ok := config.(*GatewayHookOptions)
	if !ok || opts == nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config = opts
	if h.config.Server == nil || h.config.Relay == nil {
		return mqtt.ErrInvalidConfigType
	}

	prefix := strings.TrimSuffix(h.config.Config.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	h.rxFilter = auth.RString(prefix + "/rx/#")
	h.statusTopic = prefix + "/status"
	h.txTopic = prefix + "/tx"
	h.mapTopic = prefix + "/map"
	h.knownClients = make(map[string]*models.ClientDetails)

	if h.config.Config.PasswordHash == "" {
		h.Log.Warn("gateway has no credentials configured, any client may connect")
	}
	h.Log.Info("initialised", "prefix", prefix)
	return nil
}

// RxTopic is where relayed radio traffic for a meshnet is published.
func (h *GatewayHook) RxTopic(meshnet string) string {
	return strings.TrimSuffix(string(h.rxFilter), "#") + meshnet
}

// ConnectedClients lists the chat adapters currently connected.
func (h *GatewayHook) ConnectedClients() []*models.ClientDetails {
	h.clientLock.RLock()
	clients := make([]*models.ClientDetails, 0, len(h.knownClients))
	for _, c := range h.knownClients {
		cp := *c
		cp.Rooms = slices.Clone(c.Rooms)
		clients = append(clients, &cp)
	}
	h.clientLock.RUnlock()

	slices.SortFunc(clients, func(a, b *models.ClientDetails) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})
	return clients
}

// OnConnectAuthenticate returns true if the connecting client presented the
// configured credentials.
func (h *GatewayHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	user := string(pk.Connect.Username)
	if !h.validateUser(user, string(pk.Connect.Password)) {
		h.Log.Info("client failed authentication check", "username", user, "remote", cl.Net.Remote)
		return false
	}

	h.clientLock.Lock()
	h.knownClients[cl.ID] = &models.ClientDetails{
		UserID:   user,
		ClientID: cl.ID,
		Address:  cl.Net.Remote,
	}
	n := len(h.knownClients)
	h.clientLock.Unlock()
	metrics.GatewayClients.Set(float64(n))

	h.Log.Info("client authenticated", "username", user, "client", cl.ID)
	return true
}

// OnACLCheck lets adapters read relayed traffic and status, and write send
// and mapping requests.
func (h *GatewayHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if cl.Net.Inline {
		return true
	}

	h.clientLock.RLock()
	_, ok := h.knownClients[cl.ID]
	h.clientLock.RUnlock()
	if !ok {
		h.Log.Warn("unknown client in ACL check", "client", cl.ID, "topic", topic)
		return false
	}

	if write {
		return topic == h.txTopic || topic == h.mapTopic
	}
	return topic == h.statusTopic || h.rxFilter.FilterMatches(topic)
}

func (h *GatewayHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.Log.Info("client connected", "client", cl.ID)
	return nil
}

func (h *GatewayHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.clientLock.Lock()
	delete(h.knownClients, cl.ID)
	n := len(h.knownClients)
	h.clientLock.Unlock()
	metrics.GatewayClients.Set(float64(n))

	if err != nil {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire, "error", err)
	} else {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire)
	}
}

func (h *GatewayHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	h.clientLock.Lock()
	if cd, ok := h.knownClients[cl.ID]; ok {
		for _, sub := range pk.Filters {
			if h.rxFilter.FilterMatches(sub.Filter) && !slices.Contains(cd.Rooms, sub.Filter) {
				cd.Rooms = append(cd.Rooms, sub.Filter)
			}
		}
	}
	h.clientLock.Unlock()
	h.Log.Debug(fmt.Sprintf("subscribed qos=%v", reasonCodes), "client", cl.ID, "filters", pk.Filters)
}

// OnPublish consumes send and mapping requests. Everything else passes
// through untouched.
func (h *GatewayHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if cl.Net.Inline {
		return pk, nil
	}

	switch pk.TopicName {
	case h.txTopic:
		h.handleSend(cl, pk.Payload)
	case h.mapTopic:
		h.handleMapping(cl, pk.Payload)
	default:
		return pk, nil
	}
	// requests are for the relay, not for other subscribers
	return pk, packets.ErrRejectPacket
}

func (h *GatewayHook) handleSend(cl *mqtt.Client, payload []byte) {
	var req relay.SendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.Log.Warn("received malformed send request", "client", cl.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := h.config.Relay.Send(ctx, req); err != nil {
		h.Log.Warn("send request refused", "client", cl.ID, "sender", req.SenderID, "error", err)
		return
	}
	h.Log.Debug("queued send request", "client", cl.ID, "sender", req.SenderID)
}

func (h *GatewayHook) handleMapping(cl *mqtt.Client, payload []byte) {
	var req MappingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.Log.Warn("received malformed mapping request", "client", cl.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	err := h.config.Relay.RecordMapping(ctx, models.MessageMap{
		RadioID:     req.RadioID,
		ChatID:      req.ChatID,
		ChatRoom:    req.ChatRoom,
		MeshnetName: req.MeshnetName,
	})
	if err != nil {
		h.Log.Warn("mapping request refused", "client", cl.ID, "error", err)
	}
}

// PublishMessage sends a relayed radio message to subscribed adapters.
func (h *GatewayHook) PublishMessage(_ context.Context, m *models.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	meshnet := m.MeshnetName
	if meshnet == "" {
		meshnet = models.DefaultMeshnetName
	}
	if err := h.config.Server.Publish(h.RxTopic(meshnet), payload, false, 0); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// PublishStatus replaces the retained status document.
func (h *GatewayHook) PublishStatus(status any) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return h.config.Server.Publish(h.statusTopic, payload, true, 0)
}
