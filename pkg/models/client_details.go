package models

import "fmt"

// GatewayClients is implemented by the chat gateway so the status API can list
// connected chat adapters without depending on the broker.
type GatewayClients interface {
	ConnectedClients() []*ClientDetails
}

// ClientDetails describes a chat adapter connected to the gateway broker.
type ClientDetails struct {
	UserID   string `json:"user"`
	ClientID string `json:"client"`
	Address  string `json:"address"`
	// Rooms are the rx topics the client has subscribed to
	Rooms []string `json:"rooms,omitempty"`
}

func (c *ClientDetails) GetDisplayName() string {
	return fmt.Sprintf("%s (%s)", c.ClientID, c.UserID)
}
