package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command names a mailbox instruction for a worker's coordinator
type Command string

const (
	CmdStartTopology   Command = "start_topology"
	CmdStartTopologies Command = "start_topologies"
	CmdStopTopology    Command = "stop_topology"
	CmdStopTopologies  Command = "stop_topologies"
	CmdKillTopology    Command = "kill_topology"
	CmdSetDisabled     Command = "set_disabled"
	CmdSetEnabled      Command = "set_enabled"
	CmdShutdown        Command = "shutdown"
	CmdRebalance       Command = "rebalance"
)

var knownCommands = map[Command]bool{
	CmdStartTopology:   true,
	CmdStartTopologies: true,
	CmdStopTopology:    true,
	CmdStopTopologies:  true,
	CmdKillTopology:    true,
	CmdSetDisabled:     true,
	CmdSetEnabled:      true,
	CmdShutdown:        true,
	CmdRebalance:       true,
}

func (c Command) Valid() bool {
	return knownCommands[c]
}

// Message is a single entry of a worker mailbox
type Message struct {
	ID         string          `json:"id"`
	Cmd        Command         `json:"cmd"`
	Content    json.RawMessage `json:"content"`
	Created    time.Time       `json:"created"`
	ValidUntil time.Time       `json:"valid_until"`
}

// TopologyContent is the payload of start_topology, stop_topology and kill_topology
type TopologyContent struct {
	UUID string `json:"uuid"`
}

// TopologiesContent is the payload of start_topologies
type TopologiesContent struct {
	UUIDs []string `json:"uuids"`
}

// TopologyMove describes one topology leaving its current worker during a rebalance
type TopologyMove struct {
	UUID      string `json:"uuid"`
	WorkerNew string `json:"worker_new"`
}

// StopTopologiesContent is the payload of stop_topologies
type StopTopologiesContent struct {
	StopTopologies []TopologyMove `json:"stop_topologies"`
}

// NewMessage builds a mailbox message created at now that expires after ttl.
// A nil content is encoded as an empty object.
func NewMessage(cmd Command, content interface{}, now time.Time, ttl time.Duration) (Message, error) {
	raw := json.RawMessage("{}")
	if content != nil {
		data, err := json.Marshal(content)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s content: %w", cmd, err)
		}
		raw = data
	}

	return Message{
		ID:         uuid.New().String(),
		Cmd:        cmd,
		Content:    raw,
		Created:    now,
		ValidUntil: now.Add(ttl),
	}, nil
}

// Decode unmarshals the message content into v
func (m Message) Decode(v interface{}) error {
	if len(m.Content) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("failed to decode %s content: %w", m.Cmd, err)
	}
	return nil
}

// Expired reports whether the message is past its validity window
func (m Message) Expired(now time.Time) bool {
	return !m.ValidUntil.IsZero() && !now.Before(m.ValidUntil)
}

// WorkerCommandRequest is the admin API body for sending a command to a worker
type WorkerCommandRequest struct {
	Cmd     Command         `json:"cmd" binding:"required"`
	Content json.RawMessage `json:"content,omitempty"`
}
