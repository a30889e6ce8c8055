package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"topology-coordinator/internal/models"
	"topology-coordinator/internal/storage"
	"topology-coordinator/pkg/types"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStorage implements storage.AdminStorage on top of PostgreSQL.
// Leader candidacy is a single-row table updated with a conditional upsert.
type PostgresStorage struct {
	db           *DB
	logger       *zap.Logger
	candidacyTTL time.Duration
	now          func() time.Time
}

func NewPostgresStorage(db *DB, logger *zap.Logger, candidacyTTL time.Duration) *PostgresStorage {
	if candidacyTTL <= 0 {
		candidacyTTL = storage.DefaultCandidacyTTL
	}
	return &PostgresStorage{
		db:           db,
		logger:       logger,
		candidacyTTL: candidacyTTL,
		now:          time.Now,
	}
}

func (s *PostgresStorage) GetWorkerStatus(ctx context.Context) ([]types.WorkerRecord, error) {
	query := `SELECT name, status, lstatus, last_ping FROM workers ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.logger.Error("Failed to list workers", zap.Error(err))
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []types.WorkerRecord
	for rows.Next() {
		worker := &models.WorkerModel{}
		if err := rows.Scan(&worker.Name, &worker.Status, &worker.LStatus, &worker.LastPing); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, worker.ToRecord())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}

func (s *PostgresStorage) GetTopologyStatus(ctx context.Context) ([]types.TopologyRecord, error) {
	query := `SELECT ` + models.TopologyColumns + ` FROM topologies ORDER BY uuid`
	return s.queryTopologies(ctx, query)
}

func (s *PostgresStorage) GetTopologiesForWorker(ctx context.Context, worker string) ([]types.TopologyRecord, error) {
	query := `SELECT ` + models.TopologyColumns + ` FROM topologies WHERE worker = $1 ORDER BY uuid`
	return s.queryTopologies(ctx, query, worker)
}

func (s *PostgresStorage) queryTopologies(ctx context.Context, query string, args ...interface{}) ([]types.TopologyRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Failed to list topologies", zap.Error(err))
		return nil, fmt.Errorf("failed to list topologies: %w", err)
	}
	defer rows.Close()

	var topologies []types.TopologyRecord
	for rows.Next() {
		topology := &models.TopologyModel{}
		if err := rows.Scan(topology.ScanTargets()...); err != nil {
			return nil, fmt.Errorf("failed to scan topology: %w", err)
		}
		topologies = append(topologies, topology.ToRecord())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating topologies: %w", err)
	}
	return topologies, nil
}

func (s *PostgresStorage) GetTopologyInfo(ctx context.Context, uuid string) (*types.TopologyInfo, error) {
	query := `SELECT ` + models.TopologyColumns + ` FROM topologies WHERE uuid = $1`

	topology := &models.TopologyModel{}
	err := s.db.QueryRowContext(ctx, query, uuid).Scan(topology.ScanTargets()...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("topology %s: %w", uuid, storage.ErrNotFound)
		}
		s.logger.Error("Failed to get topology", zap.Error(err), zap.String("topology_uuid", uuid))
		return nil, fmt.Errorf("failed to get topology: %w", err)
	}

	return topology.ToInfo(), nil
}

func (s *PostgresStorage) RegisterWorker(ctx context.Context, name string) error {
	query := `
		INSERT INTO workers (name, status, lstatus, last_ping, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4, $4)
		ON CONFLICT (name) DO UPDATE
		SET status = EXCLUDED.status, lstatus = EXCLUDED.lstatus,
		    last_ping = EXCLUDED.last_ping, updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query, name, types.WorkerStatusAlive, types.LeadershipNormal, s.now())
	if err != nil {
		s.logger.Error("Failed to register worker", zap.Error(err), zap.String("worker", name))
		return fmt.Errorf("failed to register worker: %w", err)
	}

	s.logger.Info("Worker registered", zap.String("worker", name))
	return nil
}

func (s *PostgresStorage) PingWorker(ctx context.Context, name string) error {
	query := `UPDATE workers SET last_ping = $1, updated_at = $1 WHERE name = $2`
	return s.execWorker(ctx, name, query, s.now(), name)
}

func (s *PostgresStorage) SetWorkerStatus(ctx context.Context, name string, status types.WorkerStatus) error {
	query := `UPDATE workers SET status = $1, updated_at = $2 WHERE name = $3`
	return s.execWorker(ctx, name, query, status, s.now(), name)
}

func (s *PostgresStorage) SetWorkerLStatus(ctx context.Context, name string, lstatus types.LeadershipStatus) error {
	query := `UPDATE workers SET lstatus = $1, updated_at = $2 WHERE name = $3`
	return s.execWorker(ctx, name, query, lstatus, s.now(), name)
}

func (s *PostgresStorage) execWorker(ctx context.Context, name, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Failed to update worker", zap.Error(err), zap.String("worker", name))
		return fmt.Errorf("failed to update worker: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("worker %s: %w", name, storage.ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) AnnounceLeaderCandidacy(ctx context.Context, name string) error {
	now := s.now()
	query := `
		INSERT INTO leader_candidacy (id, worker, announced) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET worker = EXCLUDED.worker, announced = EXCLUDED.announced
		WHERE leader_candidacy.worker = EXCLUDED.worker OR leader_candidacy.announced < $3`

	result, err := s.db.ExecContext(ctx, query, name, now, now.Add(-s.candidacyTTL))
	if err != nil {
		return fmt.Errorf("failed to announce candidacy: %w", err)
	}

	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		s.logger.Debug("Leader candidacy already held", zap.String("worker", name))
		return nil
	}

	pending := `UPDATE workers SET lstatus = $1 WHERE name = $2 AND lstatus = $3`
	if _, err := s.db.ExecContext(ctx, pending, types.LeadershipPending, name, types.LeadershipNormal); err != nil {
		return fmt.Errorf("failed to announce candidacy: %w", err)
	}
	return nil
}

func (s *PostgresStorage) CheckLeaderCandidacy(ctx context.Context, name string) (bool, error) {
	var candidate string
	err := s.db.QueryRowContext(ctx, `SELECT worker FROM leader_candidacy WHERE id = 1`).Scan(&candidate)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check candidacy: %w", err)
	}

	if candidate != name {
		query := `UPDATE workers SET lstatus = $1 WHERE name = $2 AND lstatus = $3`
		if _, err := s.db.ExecContext(ctx, query, types.LeadershipNormal, name, types.LeadershipPending); err != nil {
			return false, fmt.Errorf("failed to reset candidacy: %w", err)
		}
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE workers SET lstatus = $1 WHERE name = $2`, types.LeadershipLeader, name); err != nil {
		return false, fmt.Errorf("failed to record leader: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workers SET lstatus = $1 WHERE name <> $2 AND lstatus <> $1`, types.LeadershipNormal, name); err != nil {
		return false, fmt.Errorf("failed to demote other candidates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit leadership: %w", err)
	}

	return true, nil
}

func (s *PostgresStorage) AssignTopology(ctx context.Context, uuid, worker string) error {
	query := `UPDATE topologies SET worker = $1, status = $2, error = NULL, last_ping = $3, updated_at = $3 WHERE uuid = $4`
	return s.execTopology(ctx, uuid, query, worker, types.TopologyStatusWaiting, s.now(), uuid)
}

func (s *PostgresStorage) SetTopologyStatus(ctx context.Context, uuid, worker string, status types.TopologyStatus, errText string) error {
	query := `UPDATE topologies SET worker = $1, status = $2, error = $3, last_ping = $4, updated_at = $4 WHERE uuid = $5`
	return s.execTopology(ctx, uuid, query, models.NullString(worker), status, models.NullString(errText), s.now(), uuid)
}

func (s *PostgresStorage) SetTopologyPid(ctx context.Context, uuid string, pid int) error {
	query := `UPDATE topologies SET pid = $1, updated_at = $2 WHERE uuid = $3`
	return s.execTopology(ctx, uuid, query, pid, s.now(), uuid)
}

func (s *PostgresStorage) execTopology(ctx context.Context, uuid, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Failed to update topology", zap.Error(err), zap.String("topology_uuid", uuid))
		return fmt.Errorf("failed to update topology: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("topology %s: %w", uuid, storage.ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) GetMessage(ctx context.Context, worker string) (*types.Message, error) {
	now := s.now()

	purge := `DELETE FROM messages WHERE worker = $1 AND valid_until <= $2`
	if _, err := s.db.ExecContext(ctx, purge, worker, now); err != nil {
		return nil, fmt.Errorf("failed to purge expired messages: %w", err)
	}

	query := `
		DELETE FROM messages
		WHERE id = (
			SELECT id FROM messages
			WHERE worker = $1 AND valid_until > $2
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, worker, cmd, content, created, valid_until`

	msg := &models.MessageModel{}
	err := s.db.QueryRowContext(ctx, query, worker, now).Scan(
		&msg.ID, &msg.Worker, &msg.Cmd, &msg.Content, &msg.Created, &msg.ValidUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		s.logger.Error("Failed to read mailbox", zap.Error(err), zap.String("worker", worker))
		return nil, fmt.Errorf("failed to read mailbox: %w", err)
	}

	return msg.ToMessage(), nil
}

func (s *PostgresStorage) SendMessageToWorker(ctx context.Context, worker string, cmd types.Command, content interface{}, ttl time.Duration) error {
	msg, err := types.NewMessage(cmd, content, s.now(), ttl)
	if err != nil {
		return err
	}

	query := `INSERT INTO messages (worker, cmd, content, created, valid_until) VALUES ($1, $2, $3, $4, $5)`
	_, err = s.db.ExecContext(ctx, query, worker, msg.Cmd, models.JSONB(msg.Content), msg.Created, msg.ValidUntil)
	if err != nil {
		s.logger.Error("Failed to send message",
			zap.Error(err),
			zap.String("worker", worker),
			zap.String("cmd", string(cmd)))
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

func (s *PostgresStorage) RegisterTopology(ctx context.Context, reg types.TopologyRegistration) error {
	if reg.UUID == "" {
		return fmt.Errorf("topology uuid is required")
	}

	weight := reg.Weight
	if weight <= 0 {
		weight = types.DefaultTopologyWeight
	}
	affinity := reg.WorkerAffinity
	if affinity == nil {
		affinity = []string{}
	}

	query := `
		INSERT INTO topologies (uuid, status, enabled, weight, worker_affinity, config, last_ping, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7)
		ON CONFLICT (uuid) DO UPDATE
		SET enabled = EXCLUDED.enabled, weight = EXCLUDED.weight,
		    worker_affinity = EXCLUDED.worker_affinity, config = EXCLUDED.config,
		    updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		reg.UUID, types.TopologyStatusUnassigned, reg.Enabled, weight,
		pq.Array(affinity), models.JSONB(reg.Config), s.now())
	if err != nil {
		s.logger.Error("Failed to register topology", zap.Error(err), zap.String("topology_uuid", reg.UUID))
		return fmt.Errorf("failed to register topology: %w", err)
	}

	s.logger.Info("Topology registered", zap.String("topology_uuid", reg.UUID))
	return nil
}

func (s *PostgresStorage) SetTopologyEnabled(ctx context.Context, uuid string, enabled bool) error {
	query := `
		UPDATE topologies
		SET enabled = $1,
		    status = CASE WHEN $1 AND status = $2 THEN $3 ELSE status END,
		    worker = CASE WHEN $1 AND status = $2 THEN NULL ELSE worker END,
		    updated_at = $4
		WHERE uuid = $5`
	return s.execTopology(ctx, uuid, query,
		enabled, types.TopologyStatusStopped, types.TopologyStatusUnassigned, s.now(), uuid)
}

func (s *PostgresStorage) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
