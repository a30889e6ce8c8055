package types

import (
	"encoding/json"
	"time"
)

// TopologyStatus represents the scheduling state of a topology
type TopologyStatus string

const (
	TopologyStatusUnassigned TopologyStatus = "unassigned"
	TopologyStatusWaiting    TopologyStatus = "waiting"
	TopologyStatusRunning    TopologyStatus = "running"
	TopologyStatusError      TopologyStatus = "error"
	TopologyStatusStopped    TopologyStatus = "stopped"
)

const DefaultTopologyWeight = 1.0

// TopologyRecord is the shared-storage view of a schedulable topology.
// An empty Worker means the topology is not assigned to anybody.
type TopologyRecord struct {
	UUID           string         `json:"uuid"`
	Status         TopologyStatus `json:"status"`
	Worker         string         `json:"worker,omitempty"`
	Enabled        bool           `json:"enabled"`
	Weight         float64        `json:"weight"`
	WorkerAffinity []string       `json:"worker_affinity"`
	LastPing       time.Time      `json:"last_ping"`
	Error          string         `json:"error,omitempty"`
	Pid            int            `json:"pid,omitempty"`
}

// EffectiveWeight falls back to the default weight for unset or invalid weights
func (t TopologyRecord) EffectiveWeight() float64 {
	if t.Weight <= 0 {
		return DefaultTopologyWeight
	}
	return t.Weight
}

// TopologyInfo is a topology record together with its definition
type TopologyInfo struct {
	TopologyRecord
	Config json.RawMessage `json:"config"`
}

// TopologyRegistration represents a request to register or update a topology
type TopologyRegistration struct {
	UUID           string          `json:"uuid"`
	Config         json.RawMessage `json:"config" binding:"required"`
	Weight         float64         `json:"weight,omitempty"`
	WorkerAffinity []string        `json:"worker_affinity,omitempty"`
	Enabled        bool            `json:"enabled"`
}

// TopologyListResponse is returned by the admin API
type TopologyListResponse struct {
	Topologies []TopologyRecord `json:"topologies"`
	Total      int              `json:"total"`
}
