package models

import "time"

// MessageMap links a radio message to the chat event it was relayed as (or
// from), so replies on either side can be threaded to the original.
type MessageMap struct {
	// RadioID is the backend's message identifier
	RadioID string `db:"radio_id"`
	// ChatID is the chat network's event identifier
	ChatID      string    `db:"chat_id"`
	ChatRoom    string    `db:"chat_room"`
	MeshnetName string    `db:"meshnet_name"`
	Text        string    `db:"text"`
	Created     time.Time `db:"created"`
}
