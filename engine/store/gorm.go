package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stepflow-ai/stepflow/types"
)

// runRecord is the database row for an agent run. Input and output maps are
// stored as JSON text so the schema works identically on SQLite and Postgres.
type runRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	AgentID      string `gorm:"index;size:128"`
	Version      int
	Status       string `gorm:"index;size:16"`
	CurrentNode  string `gorm:"size:128"`
	InputParams  string `gorm:"type:text"`
	OutputResult string `gorm:"type:text"`
	ErrorMessage string `gorm:"type:text"`
	StartedAt    time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

func (runRecord) TableName() string { return "agent_runs" }

// GormStore persists runs through GORM. It backs both the SQLite and the
// Postgres deployments.
type GormStore struct {
	db *gorm.DB
}

// GormConfig holds connection pool settings for SQL-backed stores.
type GormConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultGormConfig returns pool settings suitable for a single service
// instance.
func DefaultGormConfig() GormConfig {
	return GormConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// NewSQLite opens (or creates) a SQLite-backed store. Pass ":memory:" for an
// ephemeral database in tests.
func NewSQLite(path string, config GormConfig) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return newGormStore(db, config)
}

// NewPostgres connects to a Postgres-backed store using the given DSN.
func NewPostgres(dsn string, config GormConfig) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return newGormStore(db, config)
}

func newGormStore(db *gorm.DB, config GormConfig) (*GormStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.AutoMigrate(&runRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate run table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, run *types.AgentRun) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}
	record, err := toRecord(run)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(record).Error
}

func (s *GormStore) Load(ctx context.Context, runID string) (*types.AgentRun, error) {
	var record runRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&record)
}

func (s *GormStore) List(ctx context.Context, agentID string, status types.RunStatus, limit int) ([]*types.AgentRun, error) {
	query := s.db.WithContext(ctx).Model(&runRecord{}).Order("started_at DESC")
	if agentID != "" {
		query = query.Where("agent_id = ?", agentID)
	}
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []runRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}

	runs := make([]*types.AgentRun, 0, len(records))
	for i := range records {
		run, err := fromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *GormStore) Delete(ctx context.Context, runID string) error {
	result := s.db.WithContext(ctx).Delete(&runRecord{}, "id = ?", runID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(run *types.AgentRun) (*runRecord, error) {
	input, err := marshalMap(run.InputParams)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input params: %w", err)
	}
	output, err := marshalMap(run.OutputResult)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output result: %w", err)
	}
	return &runRecord{
		ID:           run.ID,
		AgentID:      run.AgentID,
		Version:      run.Version,
		Status:       string(run.Status),
		CurrentNode:  run.CurrentNode,
		InputParams:  input,
		OutputResult: output,
		ErrorMessage: run.ErrorMessage,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		UpdatedAt:    run.UpdatedAt,
	}, nil
}

func fromRecord(record *runRecord) (*types.AgentRun, error) {
	input, err := unmarshalMap(record.InputParams)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal input params: %w", err)
	}
	output, err := unmarshalMap(record.OutputResult)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal output result: %w", err)
	}
	return &types.AgentRun{
		ID:           record.ID,
		AgentID:      record.AgentID,
		Version:      record.Version,
		Status:       types.RunStatus(record.Status),
		CurrentNode:  record.CurrentNode,
		InputParams:  input,
		OutputResult: output,
		ErrorMessage: record.ErrorMessage,
		StartedAt:    record.StartedAt,
		CompletedAt:  record.CompletedAt,
		UpdatedAt:    record.UpdatedAt,
	}, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

var _ RunStore = (*GormStore)(nil)
