package models

import "time"

// Node is the relay's view of a mesh node, built from NODEINFO, POSITION and
// TELEMETRY traffic.
type Node struct {
	// NodeID is the transport identifier, e.g. "!a1b2c3d4"
	NodeID      string `db:"node_id"`
	MeshnetName string `db:"meshnet_name"`
	LongName    string `db:"long_name"`
	ShortName   string `db:"short_name"`
	// PublicKey is the node's X25519 key, used for PKI direct messages
	PublicKey []byte `db:"public_key"`

	Latitude  *float64 `db:"latitude"`
	Longitude *float64 `db:"longitude"`
	Altitude  *float64 `db:"altitude"`

	BatteryLevel       *int64   `db:"battery_level"`
	Voltage            *float64 `db:"voltage"`
	ChannelUtilization *float64 `db:"channel_utilization"`
	AirUtilTx          *float64 `db:"air_util_tx"`
	SNR                *float64 `db:"snr"`

	LastHeard time.Time `db:"last_heard"`
}

// HasLocation returns true if the node has reported a position.
func (n *Node) HasLocation() bool {
	return n.Latitude != nil && n.Longitude != nil
}

// DisplayName returns the best available human-readable name.
func (n *Node) DisplayName() string {
	switch {
	case n.LongName != "":
		return n.LongName
	case n.ShortName != "":
		return n.ShortName
	default:
		return DefaultSenderName(n.NodeID)
	}
}
