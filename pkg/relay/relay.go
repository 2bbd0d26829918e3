// Package relay connects the radio to the chat gateway. Inbound radio traffic
// is handled on the relay's event loop; storage work is handed to the store's
// worker pool and continued back on the loop so the loop never blocks.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jellydator/ttlcache/v3"

	"github.com/kabili207/meshrelay/pkg/bridge"
	mt "github.com/kabili207/meshrelay/pkg/meshtastic"
	"github.com/kabili207/meshrelay/pkg/metrics"
	"github.com/kabili207/meshrelay/pkg/models"
	"github.com/kabili207/meshrelay/pkg/queue"
	"github.com/kabili207/meshrelay/pkg/radio"
	"github.com/kabili207/meshrelay/pkg/store"
)

const (
	DefaultDedupTTL = 30 * time.Second

	// Metadata keys added to relayed messages
	MetaReplyToChatID = "reply_to_chat_id"
	MetaBridgedSender = "bridged_sender"
)

// ErrNoMapping is returned when a reply target has no stored message map entry.
var ErrNoMapping = errors.New("no message mapping")

var validate = validator.New()

type Config struct {
	DedupTTL time.Duration `mapstructure:"dedup_ttl" validate:"gte=0"`
	// ChatPrefix marks text the relay sent to the mesh, so echoes are dropped
	ChatPrefix    string `mapstructure:"chat_prefix"`
	MaxTextLength int    `mapstructure:"max_text_length" validate:"gte=0"`
	// BridgePrefixes mark text relayed onto the mesh by other bridges, written
	// as "<prefix><sender>: <text>"
	BridgePrefixes []string `mapstructure:"bridge_prefixes"`
	// MsgMapMaxEntries caps the message map; zero keeps everything
	MsgMapMaxEntries int `mapstructure:"-"`
	// MeshnetName is the radio's mesh; mappings for radio ids the relay sent
	// are stored under it
	MeshnetName string `mapstructure:"-"`
}

func (c *Config) applyDefaults() {
	if c.DedupTTL <= 0 {
		c.DedupTTL = DefaultDedupTTL
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = mt.MaxTextLength
	}
	if c.MeshnetName == "" {
		c.MeshnetName = models.DefaultMeshnetName
	}
}

// Publisher delivers relayed radio traffic to chat adapters.
type Publisher interface {
	PublishMessage(ctx context.Context, m *models.Message) error
}

// Enqueuer accepts outbound radio messages.
type Enqueuer interface {
	Enqueue(item queue.Item) error
}

// SendRequest is a chat adapter's request to send text onto the mesh.
type SendRequest struct {
	Text       string `json:"text" validate:"required"`
	SenderID   string `json:"sender_id" validate:"required"`
	SenderName string `json:"sender_name"`
	// Backend names the chat network, e.g. "matrix"
	Backend     string  `json:"backend" validate:"required"`
	MeshnetName string  `json:"meshnet_name"`
	ChatID      string  `json:"chat_id"`
	ChatRoom    string  `json:"chat_room"`
	Channel     *uint32 `json:"channel"`
	// DestinationID addresses a single node, e.g. "!a1b2c3d4"
	DestinationID string `json:"destination_id"`
	ReplyToChatID string `json:"reply_to_chat_id"`
	ReplyToID     string `json:"reply_to_id"`
	Priority      string `json:"priority" validate:"omitempty,oneof=low normal high"`
}

func (r *SendRequest) priority() queue.Priority {
	switch r.Priority {
	case "low":
		return queue.PriorityLow
	case "high":
		return queue.PriorityHigh
	default:
		return queue.PriorityNormal
	}
}

type Relay struct {
	cfg    Config
	loop   *bridge.Loop
	db     *store.Manager
	nodes  store.NodeStore
	msgMap store.MessageMapStore
	queue  Enqueuer
	log    *slog.Logger

	publisher Publisher
	seen      *ttlcache.Cache[string, struct{}]
}

func New(cfg Config, loop *bridge.Loop, db *store.Manager, q Enqueuer, log *slog.Logger) *Relay {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		cfg:    cfg,
		loop:   loop,
		db:     db,
		nodes:  store.NewNodeStore(db),
		msgMap: store.NewMessageMapStore(db),
		queue:  q,
		log:    log.With("component", "relay"),
		seen: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](cfg.DedupTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

// SetPublisher sets where relayed radio traffic goes. It must be called
// before Run.
func (r *Relay) SetPublisher(p Publisher) {
	r.publisher = p
}

// Attach registers the relay's handlers with a backend.
func (r *Relay) Attach(b radio.Backend) {
	b.SetMessageHandler(r.HandleMessage)
	if nr, ok := b.(radio.NodeReporter); ok {
		nr.SetNodeHandler(r.HandleNode)
	}
}

// Run expires dedup entries until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	go r.seen.Start()
	<-ctx.Done()
	r.seen.Stop()
	return nil
}

// HandleMessage takes inbound radio traffic from any goroutine and hands it
// to the loop.
func (r *Relay) HandleMessage(m *models.Message) {
	if m == nil {
		return
	}
	if err := r.loop.Post(func(ctx context.Context) { r.inbound(ctx, m) }); err != nil {
		r.log.Debug("relay loop stopped, dropping inbound message", "sender", m.SenderID)
	}
}

// HandleNode takes a partial node update from any goroutine.
func (r *Relay) HandleNode(n *models.Node) {
	if n == nil || n.NodeID == "" {
		return
	}
	err := r.loop.Post(func(ctx context.Context) {
		fut := store.Async(ctx, r.db, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.nodes.Save(ctx, n)
		})
		bridge.Then(r.loop, fut, func(_ context.Context, _ struct{}, err error) {
			if err != nil {
				r.log.Warn("failed to save node", "node", n.NodeID, "error", err)
			}
		})
	})
	if err != nil {
		r.log.Debug("relay loop stopped, dropping node update", "node", n.NodeID)
	}
}

func fingerprint(text, sender string, channel uint32) [32]byte {
	data := text + "|" + sender + "|" + strconv.FormatUint(uint64(channel), 10)
	return sha256.Sum256([]byte(data))
}

func dedupKey(m *models.Message) string {
	if m.MessageID != "" {
		return m.MeshnetName + "|" + m.SenderID + "|" + m.MessageID
	}
	fp := fingerprint(m.Text, m.SenderID, m.ChannelIndex())
	return hex.EncodeToString(fp[:])
}

// seenBefore records m and reports whether it was already recorded.
func (r *Relay) seenBefore(m *models.Message) bool {
	key := dedupKey(m)
	if r.seen.Has(key) {
		return true
	}
	r.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func (r *Relay) inbound(ctx context.Context, m *models.Message) {
	log := r.log.With("backend", m.Backend, "sender", m.SenderID)

	if r.seenBefore(m) {
		metrics.DuplicateMessagesTotal.Inc()
		log.Debug("dropping duplicate message", "message_id", m.MessageID)
		return
	}
	if HasRelayPrefix(m.Text, r.cfg.ChatPrefix) {
		log.Debug("dropping echo of relayed chat message")
		return
	}
	metrics.InboundMessagesTotal.WithLabelValues(m.Backend).Inc()

	out := *m
	out.Metadata = maps.Clone(m.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	r.unwrapBridged(&out)

	if m.ReplyToID == "" {
		r.publish(ctx, &out)
		return
	}

	fut := store.Async(ctx, r.db, func(ctx context.Context) (*models.MessageMap, error) {
		meshnet := m.MeshnetName
		if meshnet == "" {
			meshnet = r.cfg.MeshnetName
		}
		return r.msgMap.GetByRadioID(ctx, meshnet, m.ReplyToID)
	})
	bridge.Then(r.loop, fut, func(ctx context.Context, mm *models.MessageMap, err error) {
		switch {
		case err != nil:
			log.Warn("reply lookup failed, relaying without thread", "reply_to", m.ReplyToID, "error", err)
		case mm != nil:
			out.Metadata[MetaReplyToChatID] = mm.ChatID
		}
		r.publish(ctx, &out)
	})
}

// unwrapBridged strips another bridge's prefix and reports the sender it
// carried.
func (r *Relay) unwrapBridged(m *models.Message) {
	for _, p := range r.cfg.BridgePrefixes {
		if !HasRelayPrefix(m.Text, p) {
			continue
		}
		if sender, text, ok := ParseSender(m.Text[len(p):]); ok {
			m.Metadata[MetaBridgedSender] = sender
			m.Text = text
		}
		return
	}
}

func (r *Relay) publish(ctx context.Context, m *models.Message) {
	p := r.publisher
	if p == nil {
		r.log.Debug("no chat publisher, dropping inbound message")
		return
	}
	bridge.Go(ctx, r.log, "publish inbound message", func(ctx context.Context) error {
		return p.PublishMessage(ctx, m)
	})
}

func validationError(err error) error {
	return fmt.Errorf("%w: %v", models.ErrValidation, err)
}

// Send validates and formats a chat message and queues it for the radio.
// Replies to a chat event are threaded to the radio message it was relayed
// as. Send blocks on storage, so it must not be called from the relay loop.
func (r *Relay) Send(ctx context.Context, req SendRequest) error {
	if err := validate.Struct(req); err != nil {
		return validationError(err)
	}
	if req.DestinationID != "" {
		id, err := mt.ParseNodeID(req.DestinationID)
		if err != nil {
			return validationError(err)
		}
		req.DestinationID = id.String()
	}

	text := FormatForRadio(r.cfg.ChatPrefix, req.SenderName, req.Text)
	text = TruncateMessage(text, r.cfg.MaxTextLength)

	if req.ReplyToID == "" && req.ReplyToChatID != "" {
		mm, err := bridge.Await(ctx, bridge.Pending(store.Async(ctx, r.db, func(ctx context.Context) (*models.MessageMap, error) {
			return r.msgMap.GetByChatID(ctx, req.ReplyToChatID)
		})))
		switch {
		case err != nil:
			r.log.Warn("reply lookup failed, sending without thread", "reply_to_chat_id", req.ReplyToChatID, "error", err)
		case mm != nil:
			req.ReplyToID = mm.RadioID
		default:
			r.log.Debug("reply target not found", "reply_to_chat_id", req.ReplyToChatID)
		}
	}

	if req.MeshnetName == "" {
		req.MeshnetName = r.cfg.MeshnetName
	}
	m, err := models.NewMessage(models.Message{
		Text:            text,
		SenderID:        req.SenderID,
		SenderName:      req.SenderName,
		Backend:         req.Backend,
		MeshnetName:     req.MeshnetName,
		Channel:         req.Channel,
		IsDirectMessage: req.DestinationID != "",
		DestinationID:   req.DestinationID,
		ReplyToID:       req.ReplyToID,
	})
	if err != nil {
		return err
	}

	return r.queue.Enqueue(queue.Item{
		Message:  m,
		Priority: req.priority(),
		Options: radio.SendOptions{
			Channel:       m.ChannelIndex(),
			DestinationID: m.DestinationID,
			ReplyToID:     m.ReplyToID,
		},
		OnSent: func(m *models.Message, res radio.SendResult) {
			if req.ChatID == "" || res.MessageID == "" {
				return
			}
			r.saveMapping(context.Background(), &models.MessageMap{
				RadioID:     res.MessageID,
				ChatID:      req.ChatID,
				ChatRoom:    req.ChatRoom,
				MeshnetName: r.cfg.MeshnetName,
				Text:        m.Text,
			})
		},
	})
}

// saveMapping stores mm and prunes the map in the background.
func (r *Relay) saveMapping(ctx context.Context, mm *models.MessageMap) *bridge.Future[int64] {
	fut := store.Async(ctx, r.db, func(ctx context.Context) (int64, error) {
		if err := r.msgMap.Save(ctx, mm); err != nil {
			return 0, err
		}
		return r.msgMap.Prune(ctx, r.cfg.MsgMapMaxEntries)
	})
	bridge.Then(r.loop, fut, func(_ context.Context, pruned int64, err error) {
		if err != nil {
			r.log.Warn("failed to save message mapping", "radio_id", mm.RadioID, "chat_id", mm.ChatID, "error", err)
			return
		}
		if pruned > 0 {
			r.log.Debug("pruned message map", "deleted", pruned)
		}
	})
	return fut
}

// RecordMapping stores a link between a relayed radio message and the chat
// event a chat adapter posted it as.
func (r *Relay) RecordMapping(ctx context.Context, mm models.MessageMap) error {
	if mm.RadioID == "" || mm.ChatID == "" {
		return validationError(errors.New("radio_id and chat_id are required"))
	}
	if mm.MeshnetName == "" {
		mm.MeshnetName = r.cfg.MeshnetName
	}
	_, err := bridge.Await(ctx, bridge.Pending(r.saveMapping(ctx, &mm)))
	return err
}

// LookupChatID returns the chat event a radio message was relayed as.
func (r *Relay) LookupChatID(ctx context.Context, meshnet, radioID string) (string, error) {
	mm, err := bridge.Await(ctx, bridge.Pending(store.Async(ctx, r.db, func(ctx context.Context) (*models.MessageMap, error) {
		return r.msgMap.GetByRadioID(ctx, meshnet, radioID)
	})))
	if err != nil {
		return "", err
	}
	if mm == nil {
		return "", ErrNoMapping
	}
	return mm.ChatID, nil
}

// KnownNodes returns the number of nodes in the node store.
func (r *Relay) KnownNodes(ctx context.Context) (int, error) {
	return bridge.Await(ctx, bridge.Pending(store.Async(ctx, r.db, r.nodes.Count)))
}
