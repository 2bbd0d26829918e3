package meshtastic

import (
	"strconv"
	"sync"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	mt "github.com/kabili207/meshrelay/pkg/meshtastic"
	"github.com/kabili207/meshrelay/pkg/models"
)

// nodeCache remembers what the backend has heard about each node, for
// sender names, locations and PKI public keys.
type nodeCache struct {
	mu    sync.RWMutex
	nodes map[uint32]*models.Node
}

func newNodeCache() *nodeCache {
	return &nodeCache{nodes: make(map[uint32]*models.Node)}
}

func (c *nodeCache) get(num uint32) *models.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.nodes[num]; ok {
		cp := *n
		return &cp
	}
	return nil
}

// merge folds update into the cached node.
func (c *nodeCache) merge(num uint32, update *models.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[num]
	if !ok {
		cp := *update
		c.nodes[num] = &cp
		return
	}
	if update.LongName != "" {
		n.LongName = update.LongName
	}
	if update.ShortName != "" {
		n.ShortName = update.ShortName
	}
	if len(update.PublicKey) > 0 {
		n.PublicKey = update.PublicKey
	}
	if update.HasLocation() {
		n.Latitude, n.Longitude, n.Altitude = update.Latitude, update.Longitude, update.Altitude
	}
	n.LastHeard = update.LastHeard
}

func (c *nodeCache) publicKey(num uint32) []byte {
	if n := c.get(num); n != nil {
		return n.PublicKey
	}
	return nil
}

// decoder turns decrypted mesh packets into relay messages and node updates.
type decoder struct {
	backend string
	meshnet string
	nodes   *nodeCache
}

func packetTime(pkt *pb.MeshPacket) time.Time {
	if t := pkt.GetRxTime(); t != 0 {
		return time.Unix(int64(t), 0)
	}
	return time.Now()
}

// decode returns the message or node update carried by data. Either may be
// nil; traffic the relay does not care about yields neither.
func (d *decoder) decode(pkt *pb.MeshPacket, data *pb.Data, channel uint32) (*models.Message, *models.Node) {
	from := mt.NodeID(pkt.GetFrom())
	heard := packetTime(pkt)

	switch data.GetPortnum() {
	case pb.PortNum_TEXT_MESSAGE_APP:
		return d.text(pkt, data, channel), d.heard(from, heard, pkt)

	case pb.PortNum_NODEINFO_APP:
		var user pb.User
		if err := proto.Unmarshal(data.GetPayload(), &user); err != nil {
			return nil, nil
		}
		n := d.heard(from, heard, pkt)
		applyUser(n, &user)
		return nil, n

	case pb.PortNum_POSITION_APP:
		var pos pb.Position
		if err := proto.Unmarshal(data.GetPayload(), &pos); err != nil {
			return nil, nil
		}
		n := d.heard(from, heard, pkt)
		applyPosition(n, &pos)
		return nil, n

	case pb.PortNum_TELEMETRY_APP:
		var tel pb.Telemetry
		if err := proto.Unmarshal(data.GetPayload(), &tel); err != nil {
			return nil, nil
		}
		n := d.heard(from, heard, pkt)
		applyDeviceMetrics(n, tel.GetDeviceMetrics())
		return nil, n
	}
	return nil, nil
}

func (d *decoder) heard(from mt.NodeID, at time.Time, pkt *pb.MeshPacket) *models.Node {
	n := &models.Node{
		NodeID:      from.String(),
		MeshnetName: d.meshnet,
		LastHeard:   at,
	}
	if snr := pkt.GetRxSnr(); snr != 0 {
		v := float64(snr)
		n.SNR = &v
	}
	return n
}

func (d *decoder) text(pkt *pb.MeshPacket, data *pb.Data, channel uint32) *models.Message {
	text := string(data.GetPayload())
	if text == "" {
		return nil
	}
	from := mt.NodeID(pkt.GetFrom())
	to := mt.NodeID(pkt.GetTo())

	m := models.Message{
		Text:        text,
		SenderID:    from.String(),
		Backend:     d.backend,
		MeshnetName: d.meshnet,
		Timestamp:   packetTime(pkt),
		Channel:     &channel,
		MessageID:   strconv.FormatUint(uint64(pkt.GetId()), 10),
		Metadata: map[string]any{
			"hop_start": pkt.GetHopStart(),
			"hop_limit": pkt.GetHopLimit(),
			"via_mqtt":  pkt.GetViaMqtt(),
		},
	}
	if snr := pkt.GetRxSnr(); snr != 0 {
		m.Metadata["snr"] = snr
	}
	if data.GetEmoji() != 0 {
		m.Metadata["emoji"] = true
	}
	if !to.IsBroadcast() {
		m.IsDirectMessage = true
		m.DestinationID = to.String()
	}
	if id := data.GetReplyId(); id != 0 {
		m.ReplyToID = strconv.FormatUint(uint64(id), 10)
	}
	if n := d.nodes.get(uint32(from)); n != nil {
		m.SenderName = n.DisplayName()
		if n.HasLocation() {
			m.Location = &models.Location{Latitude: *n.Latitude, Longitude: *n.Longitude, Altitude: n.Altitude}
		}
	}

	msg, err := models.NewMessage(m)
	if err != nil {
		return nil
	}
	return msg
}

// nodeInfo converts a NodeInfo entry from the device's node database.
func (d *decoder) nodeInfo(info *pb.NodeInfo) *models.Node {
	n := &models.Node{
		NodeID:      mt.NodeID(info.GetNum()).String(),
		MeshnetName: d.meshnet,
	}
	if t := info.GetLastHeard(); t != 0 {
		n.LastHeard = time.Unix(int64(t), 0)
	} else {
		n.LastHeard = time.Now()
	}
	if snr := info.GetSnr(); snr != 0 {
		v := float64(snr)
		n.SNR = &v
	}
	if u := info.GetUser(); u != nil {
		applyUser(n, u)
	}
	if p := info.GetPosition(); p != nil {
		applyPosition(n, p)
	}
	applyDeviceMetrics(n, info.GetDeviceMetrics())
	return n
}

func applyUser(n *models.Node, u *pb.User) {
	n.LongName = u.GetLongName()
	n.ShortName = u.GetShortName()
	if k := u.GetPublicKey(); len(k) == 32 {
		n.PublicKey = k
	}
}

func applyPosition(n *models.Node, p *pb.Position) {
	lat, lon := p.GetLatitudeI(), p.GetLongitudeI()
	if lat == 0 && lon == 0 {
		return
	}
	la, lo := float64(lat)*1e-7, float64(lon)*1e-7
	n.Latitude, n.Longitude = &la, &lo
	if alt := p.GetAltitude(); alt != 0 {
		a := float64(alt)
		n.Altitude = &a
	}
}

func applyDeviceMetrics(n *models.Node, m *pb.DeviceMetrics) {
	if m == nil {
		return
	}
	if v := m.GetBatteryLevel(); v != 0 {
		b := int64(v)
		n.BatteryLevel = &b
	}
	if v := m.GetVoltage(); v != 0 {
		f := float64(v)
		n.Voltage = &f
	}
	if v := m.GetChannelUtilization(); v != 0 {
		f := float64(v)
		n.ChannelUtilization = &f
	}
	if v := m.GetAirUtilTx(); v != 0 {
		f := float64(v)
		n.AirUtilTx = &f
	}
}
