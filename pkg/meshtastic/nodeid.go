// Package meshtastic holds protocol constants and identifiers shared by the
// Meshtastic backends.
package meshtastic

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// BroadcastID addresses every node on a channel.
	BroadcastID NodeID = 0xffffffff

	// BitfieldOkToMQTT marks a packet the sender allows to be uplinked.
	BitfieldOkToMQTT = 1

	DefaultHopLimit = 3
	MaxHopLimit     = 7

	// MaxTextLength is the longest text payload the firmware accepts.
	MaxTextLength = 200
)

var ErrInvalidNodeID = errors.New("invalid node id")

// NodeID is a 32-bit Meshtastic node number. Its string form is "!" followed
// by eight hex digits.
type NodeID uint32

func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

func (n NodeID) IsBroadcast() bool {
	return n == BroadcastID
}

// ParseNodeID accepts "!a1b2c3d4", "a1b2c3d4", "0xa1b2c3d4" or a decimal
// node number.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	var (
		v   uint64
		err error
	)
	switch {
	case strings.HasPrefix(s, "!"):
		v, err = strconv.ParseUint(s[1:], 16, 32)
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		v, err = strconv.ParseUint(s[2:], 16, 32)
	case len(s) == 8:
		v, err = strconv.ParseUint(s, 16, 32)
	default:
		v, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil || s == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	return NodeID(v), nil
}
