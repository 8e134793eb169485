package models

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MessageType tags the fanout message union
type MessageType string

// enum of all fanout message types
const (
	MsgPrime          MessageType = "prime"
	MsgUpdates        MessageType = "updates"
	MsgLeaderClaimed  MessageType = "leader_claimed"
	MsgLeaderReleased MessageType = "leader_released"
)

// Message is a fanout message. Only fields relevant to the Type are set:
// Prime carries LastID, Updates carries Items and LastID, leader messages carry ActorID.
type Message struct {
	Type    MessageType `json:"type"`
	LastID  int64       `json:"last_id,omitempty"`
	Items   []FeedItem  `json:"items,omitempty"`
	ActorID string      `json:"id,omitempty"`
}

// PrimeMessage makes Prime{lastId}
func PrimeMessage(lastID int64) Message {
	return Message{Type: MsgPrime, LastID: lastID}
}

// UpdatesMessage makes Updates{items, lastId}
func UpdatesMessage(items []FeedItem, lastID int64) Message {
	return Message{Type: MsgUpdates, Items: items, LastID: lastID}
}

// LeaderClaimedMessage makes LeaderClaimed{id}
func LeaderClaimedMessage(actorID string) Message {
	return Message{Type: MsgLeaderClaimed, ActorID: actorID}
}

// LeaderReleasedMessage makes LeaderReleased{id}
func LeaderReleasedMessage(actorID string) Message {
	return Message{Type: MsgLeaderReleased, ActorID: actorID}
}

// Encode marshals message to the wire format
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "can't encode %s message", m.Type)
	}
	return data, nil
}

// DecodeMessage unmarshals and validates wire data. Unknown types and payloads
// missing their required fields are rejected.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrap(err, "can't decode message")
	}

	switch m.Type {
	case MsgPrime, MsgUpdates:
		if m.LastID < 0 {
			return Message{}, errors.Errorf("negative last_id %d in %s message", m.LastID, m.Type)
		}
	case MsgLeaderClaimed, MsgLeaderReleased:
		if m.ActorID == "" {
			return Message{}, errors.Errorf("empty actor id in %s message", m.Type)
		}
	default:
		return Message{}, errors.Errorf("unknown message type %q", m.Type)
	}
	return m, nil
}
