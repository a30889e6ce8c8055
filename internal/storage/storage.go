// Package storage defines the coordination storage shared by every worker of
// the fleet, together with the in-memory and Redis backends.
package storage

import (
	"context"
	"errors"
	"time"

	"topology-coordinator/pkg/types"
)

var ErrNotFound = errors.New("record not found")

// Storage is the only channel through which leaders and coordinators talk to
// each other. Implementations may be eventually consistent; callers re-check
// state on every tick instead of relying on ordering.
type Storage interface {
	GetWorkerStatus(ctx context.Context) ([]types.WorkerRecord, error)
	GetTopologyStatus(ctx context.Context) ([]types.TopologyRecord, error)
	GetTopologiesForWorker(ctx context.Context, worker string) ([]types.TopologyRecord, error)
	GetTopologyInfo(ctx context.Context, uuid string) (*types.TopologyInfo, error)

	RegisterWorker(ctx context.Context, name string) error
	PingWorker(ctx context.Context, name string) error
	SetWorkerStatus(ctx context.Context, name string, status types.WorkerStatus) error
	SetWorkerLStatus(ctx context.Context, name string, lstatus types.LeadershipStatus) error

	// AnnounceLeaderCandidacy registers name as a leadership candidate. The
	// first announcer wins until its candidacy expires.
	AnnounceLeaderCandidacy(ctx context.Context, name string) error
	// CheckLeaderCandidacy reports whether name won the candidacy and, if so,
	// records it as leader.
	CheckLeaderCandidacy(ctx context.Context, name string) (bool, error)

	AssignTopology(ctx context.Context, uuid, worker string) error
	// SetTopologyStatus updates status, worker and error text; an empty worker
	// clears the assignment.
	SetTopologyStatus(ctx context.Context, uuid, worker string, status types.TopologyStatus, errText string) error
	SetTopologyPid(ctx context.Context, uuid string, pid int) error

	// GetMessage pops the oldest unexpired message for worker, or returns nil.
	GetMessage(ctx context.Context, worker string) (*types.Message, error)
	SendMessageToWorker(ctx context.Context, worker string, cmd types.Command, content interface{}, ttl time.Duration) error
}

// AdminStorage covers the registration actions performed outside the fleet
type AdminStorage interface {
	Storage
	RegisterTopology(ctx context.Context, reg types.TopologyRegistration) error
	SetTopologyEnabled(ctx context.Context, uuid string, enabled bool) error
}

// HealthCheck is satisfied by backends that can report connectivity
type HealthCheck interface {
	HealthCheck(ctx context.Context) error
}

const DefaultCandidacyTTL = 30 * time.Second
