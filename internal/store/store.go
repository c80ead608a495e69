// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists pipeline runs and their stage results with GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/pipeline"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetStoreLogger().With().Str("component", "gorm").Logger()
		log = &l
	})
	return log
}

// DefaultListLimit applies when ListRuns is called with a non-positive limit.
const DefaultListLimit = 50

// GormStore wraps the GORM database connection
type GormStore struct {
	db *gorm.DB
}

var (
	_ pipeline.Recorder      = (*GormStore)(nil)
	_ pipeline.StageRecorder = (*GormStore)(nil)
	_ pipeline.RunSource     = (*GormStore)(nil)
)

// Open connects to the database described by cfg.
func Open(cfg *config.DatabaseConfig) (*GormStore, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// SQLite allows one writer; a single connection avoids "database is locked".
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	getLog().Debug().Str("driver", cfg.Driver).Msg("Database opened")
	return &GormStore{db: db}, nil
}

// New wraps an existing connection.
func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the runs and stage_results tables.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&RunRecord{}, &StageResultRecord{})
}

// ValidateSchema checks that the tables and columns the store needs exist.
func (s *GormStore) ValidateSchema() error {
	m := s.db.Migrator()

	var missingTables []string
	if !m.HasTable(&RunRecord{}) {
		missingTables = append(missingTables, "runs")
	}
	if !m.HasTable(&StageResultRecord{}) {
		missingTables = append(missingTables, "stage_results")
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v; run 'shipyard migrate' to create them", missingTables)
	}

	var missingColumns []string
	runColumns := []string{"id", "branch", "commit", "status", "artifact_repository", "artifact_tag", "created_at"}
	for _, col := range runColumns {
		if !m.HasColumn(&RunRecord{}, col) {
			missingColumns = append(missingColumns, "runs."+col)
		}
	}
	stageColumns := []string{"run_id", "stage_index", "name", "status", "exit_code", "error_kind", "log"}
	for _, col := range stageColumns {
		if !m.HasColumn(&StageResultRecord{}, col) {
			missingColumns = append(missingColumns, "stage_results."+col)
		}
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v; run 'shipyard migrate' to add them", missingColumns)
	}
	return nil
}

// Close closes the database connection
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun upserts the run and all of its stage results in one transaction.
// Stage rows beyond the run's current stage list are removed.
func (s *GormStore) SaveRun(ctx context.Context, run *pipeline.Run) error {
	if run == nil || run.ID == "" {
		return errors.New("run has no id")
	}
	rec := newRunRecord(run)
	stages := rec.Stages
	rec.Stages = nil

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		for i := range stages {
			if err := upsertStage(tx, &stages[i]); err != nil {
				return err
			}
		}
		return tx.Where("run_id = ? AND stage_index >= ?", run.ID, len(stages)).
			Delete(&StageResultRecord{}).Error
	})
	if err != nil {
		getLog().Error().Err(err).Str("run_id", run.ID).Msg("Failed to save run")
		return err
	}
	return nil
}

// SaveRunStages upserts the run row and the stage rows at indexes, leaving
// the other stages as they are.
func (s *GormStore) SaveRunStages(ctx context.Context, run *pipeline.Run, indexes ...int) error {
	if run == nil || run.ID == "" {
		return errors.New("run has no id")
	}
	head := *run
	head.Stages = nil
	rec := newRunRecord(&head)
	rec.Stages = nil

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		for _, i := range indexes {
			if i < 0 || i >= len(run.Stages) {
				return fmt.Errorf("stage index %d out of range for run %s", i, run.ID)
			}
			stage := newStageResultRecord(run.ID, run.Stages[i])
			if err := upsertStage(tx, &stage); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		getLog().Error().Err(err).Str("run_id", run.ID).Msg("Failed to save run stages")
		return err
	}
	return nil
}

// SaveStageResult upserts one stage result of an existing run.
func (s *GormStore) SaveStageResult(ctx context.Context, runID string, result pipeline.StageResult) error {
	rec := newStageResultRecord(runID, result)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&RunRecord{}).Where("id = ?", runID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, runID)
		}
		return upsertStage(tx, &rec)
	})
}

func upsertStage(tx *gorm.DB, rec *StageResultRecord) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "stage_index"}},
		UpdateAll: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("save stage %s: %w", rec.Name, err)
	}
	return nil
}

// GetRun loads a run with its stages in pipeline order.
func (s *GormStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).
		Preload("Stages", func(db *gorm.DB) *gorm.DB { return db.Order("stage_index ASC") }).
		First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
		}
		return nil, err
	}
	return rec.ToRun()
}

// LoadRun implements pipeline.RunSource.
func (s *GormStore) LoadRun(ctx context.Context, id string) (*pipeline.Run, error) {
	return s.GetRun(ctx, id)
}

// RunFilter narrows ListRunsFiltered.
type RunFilter = pipeline.RunFilter

// ListRuns returns the most recent runs, newest first.
func (s *GormStore) ListRuns(ctx context.Context, limit int) ([]*pipeline.Run, error) {
	return s.ListRunsFiltered(ctx, RunFilter{Limit: limit})
}

// ListRunsFiltered returns the newest runs matching f. A non-positive limit
// means DefaultListLimit.
func (s *GormStore) ListRunsFiltered(ctx context.Context, f RunFilter) ([]*pipeline.Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	q := s.db.WithContext(ctx).
		Preload("Stages", func(db *gorm.DB) *gorm.DB { return db.Order("stage_index ASC") }).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit)
	if f.Branch != "" {
		q = q.Where("branch = ?", f.Branch)
	}
	if f.Status != nil {
		q = q.Where("status = ?", f.Status.String())
	}

	var recs []RunRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	runs := make([]*pipeline.Run, 0, len(recs))
	for _, rec := range recs {
		run, err := rec.ToRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ListUnfinishedRuns returns runs that were not terminal when last saved,
// oldest first, so a restarted process can resume them.
func (s *GormStore) ListUnfinishedRuns(ctx context.Context) ([]*pipeline.Run, error) {
	var recs []RunRecord
	err := s.db.WithContext(ctx).
		Preload("Stages", func(db *gorm.DB) *gorm.DB { return db.Order("stage_index ASC") }).
		Where("status IN ?", []string{pipeline.RunStatusPending.String(), pipeline.RunStatusRunning.String()}).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	runs := make([]*pipeline.Run, 0, len(recs))
	for _, rec := range recs {
		run, err := rec.ToRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
