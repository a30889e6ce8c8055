package types

import (
	"time"
)

// WorkerStatus represents the liveness state of a worker process
type WorkerStatus string

const (
	WorkerStatusAlive    WorkerStatus = "alive"
	WorkerStatusClosing  WorkerStatus = "closing"
	WorkerStatusDead     WorkerStatus = "dead"
	WorkerStatusUnloaded WorkerStatus = "unloaded"
	WorkerStatusDisabled WorkerStatus = "disabled"
)

// LeadershipStatus represents the leadership role of a worker, independent of its liveness
type LeadershipStatus string

const (
	LeadershipNormal  LeadershipStatus = "normal"
	LeadershipPending LeadershipStatus = "pending"
	LeadershipLeader  LeadershipStatus = "leader"
)

// WorkerRecord is the shared-storage view of a fleet member
type WorkerRecord struct {
	Name     string           `json:"name"`
	Status   WorkerStatus     `json:"status"`
	LStatus  LeadershipStatus `json:"lstatus"`
	LastPing time.Time        `json:"last_ping"`
}

func (w WorkerRecord) IsAlive() bool {
	return w.Status == WorkerStatusAlive
}

// IsActiveLeader reports whether the record claims leadership and is still
// pinging within idleTimeout of now.
func (w WorkerRecord) IsActiveLeader(now time.Time, idleTimeout time.Duration) bool {
	return w.LStatus == LeadershipLeader &&
		w.Status == WorkerStatusAlive &&
		now.Sub(w.LastPing) <= idleTimeout
}

// WorkerListResponse is returned by the admin API
type WorkerListResponse struct {
	Workers []WorkerRecord `json:"workers"`
	Total   int            `json:"total"`
}
