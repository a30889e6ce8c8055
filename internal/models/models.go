package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"topology-coordinator/pkg/types"

	"github.com/lib/pq"
)

// JSONB represents a PostgreSQL JSONB document kept as raw bytes
type JSONB json.RawMessage

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return errors.New("cannot scan into JSONB")
	}
	return nil
}

// WorkerModel represents a row of the workers table
type WorkerModel struct {
	Name     string                 `db:"name"`
	Status   types.WorkerStatus     `db:"status"`
	LStatus  types.LeadershipStatus `db:"lstatus"`
	LastPing time.Time              `db:"last_ping"`
}

func (wm *WorkerModel) ToRecord() types.WorkerRecord {
	return types.WorkerRecord{
		Name:     wm.Name,
		Status:   wm.Status,
		LStatus:  wm.LStatus,
		LastPing: wm.LastPing,
	}
}

// TopologyModel represents a row of the topologies table
type TopologyModel struct {
	UUID           string               `db:"uuid"`
	Status         types.TopologyStatus `db:"status"`
	Worker         sql.NullString       `db:"worker"`
	Enabled        bool                 `db:"enabled"`
	Weight         float64              `db:"weight"`
	WorkerAffinity pq.StringArray       `db:"worker_affinity"`
	LastPing       time.Time            `db:"last_ping"`
	Error          sql.NullString       `db:"error"`
	Pid            sql.NullInt64        `db:"pid"`
	Config         JSONB                `db:"config"`
}

// ScanTargets lists the fields in TopologyColumns order
func (tm *TopologyModel) ScanTargets() []interface{} {
	return []interface{}{
		&tm.UUID, &tm.Status, &tm.Worker, &tm.Enabled, &tm.Weight,
		&tm.WorkerAffinity, &tm.LastPing, &tm.Error, &tm.Pid, &tm.Config,
	}
}

const TopologyColumns = `uuid, status, worker, enabled, weight, worker_affinity, last_ping, error, pid, config`

func (tm *TopologyModel) ToRecord() types.TopologyRecord {
	return types.TopologyRecord{
		UUID:           tm.UUID,
		Status:         tm.Status,
		Worker:         tm.Worker.String,
		Enabled:        tm.Enabled,
		Weight:         tm.Weight,
		WorkerAffinity: []string(tm.WorkerAffinity),
		LastPing:       tm.LastPing,
		Error:          tm.Error.String,
		Pid:            int(tm.Pid.Int64),
	}
}

func (tm *TopologyModel) ToInfo() *types.TopologyInfo {
	return &types.TopologyInfo{
		TopologyRecord: tm.ToRecord(),
		Config:         json.RawMessage(tm.Config),
	}
}

// MessageModel represents a row of the messages table
type MessageModel struct {
	ID         int64         `db:"id"`
	Worker     string        `db:"worker"`
	Cmd        types.Command `db:"cmd"`
	Content    JSONB         `db:"content"`
	Created    time.Time     `db:"created"`
	ValidUntil time.Time     `db:"valid_until"`
}

func (mm *MessageModel) ToMessage() *types.Message {
	return &types.Message{
		ID:         mm.idString(),
		Cmd:        mm.Cmd,
		Content:    json.RawMessage(mm.Content),
		Created:    mm.Created,
		ValidUntil: mm.ValidUntil,
	}
}

func (mm *MessageModel) idString() string {
	return "pg-" + strconv.FormatInt(mm.ID, 10)
}

// NullString maps an empty string to SQL NULL
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
