// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"
	"time"

	"github.com/noldarim/shipyard/internal/pipeline"
)

// RunRecord is the persisted form of a pipeline.Run.
type RunRecord struct {
	ID       string `gorm:"primaryKey;type:text"`
	Pipeline string `gorm:"type:text"`
	Branch   string `gorm:"type:text;index"`
	Commit   string `gorm:"type:text"`
	Status   string `gorm:"type:text;index;not null"`

	ArtifactRepository string `gorm:"type:text"`
	ArtifactTag        string `gorm:"type:text"`
	ArtifactDigest     string `gorm:"type:text"`

	ErrorMessage string `gorm:"type:text"`
	SourcePath   string `gorm:"type:text"`

	CreatedAt time.Time  `gorm:"index"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime"`
	StartedAt *time.Time `gorm:"type:timestamp"`
	EndedAt   *time.Time `gorm:"type:timestamp"`

	Stages []StageResultRecord `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

func (RunRecord) TableName() string { return "runs" }

// StageResultRecord is one stage outcome, keyed by run and position.
type StageResultRecord struct {
	RunID      string `gorm:"primaryKey;type:text"`
	StageIndex int    `gorm:"primaryKey;autoIncrement:false"`
	Name       string `gorm:"type:text;not null"`
	Kind       string `gorm:"type:text"`
	Status     string `gorm:"type:text;not null"`
	ExitCode   int    `gorm:"type:integer"`
	ErrorKind  string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	// Log lines are already redacted when they reach the store.
	Log []string `gorm:"type:text;serializer:json"`

	ArtifactRepository string `gorm:"type:text"`
	ArtifactTag        string `gorm:"type:text"`
	ArtifactDigest     string `gorm:"type:text"`

	StartedAt *time.Time `gorm:"type:timestamp"`
	EndedAt   *time.Time `gorm:"type:timestamp"`
}

func (StageResultRecord) TableName() string { return "stage_results" }

func newRunRecord(run *pipeline.Run) RunRecord {
	rec := RunRecord{
		ID:           run.ID,
		Pipeline:     run.Pipeline,
		Branch:       run.Event.Branch,
		Commit:       run.Event.Commit,
		Status:       run.Status.String(),
		ErrorMessage: run.Error,
		SourcePath:   run.SourcePath,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		EndedAt:      run.EndedAt,
	}
	if run.Artifact != nil {
		rec.ArtifactRepository = run.Artifact.Repository
		rec.ArtifactTag = run.Artifact.Tag
		rec.ArtifactDigest = run.Artifact.Digest
	}
	rec.Stages = make([]StageResultRecord, len(run.Stages))
	for i, s := range run.Stages {
		rec.Stages[i] = newStageResultRecord(run.ID, s)
	}
	return rec
}

func newStageResultRecord(runID string, s pipeline.StageResult) StageResultRecord {
	rec := StageResultRecord{
		RunID:      runID,
		StageIndex: s.Index,
		Name:       s.Name,
		Kind:       string(s.Kind),
		Status:     s.Status.String(),
		ExitCode:   s.ExitCode,
		ErrorKind:  string(s.ErrorKind),
		Error:      s.Error,
		Log:        s.Log,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
	}
	if rec.Log == nil {
		rec.Log = []string{}
	}
	if s.Artifact != nil {
		rec.ArtifactRepository = s.Artifact.Repository
		rec.ArtifactTag = s.Artifact.Tag
		rec.ArtifactDigest = s.Artifact.Digest
	}
	return rec
}

// ToRun converts the record back into the domain type.
func (r RunRecord) ToRun() (*pipeline.Run, error) {
	status, err := pipeline.ParseRunStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", r.ID, err)
	}
	run := &pipeline.Run{
		ID:         r.ID,
		Pipeline:   r.Pipeline,
		Event:      pipeline.TriggerEvent{Branch: r.Branch, Commit: r.Commit},
		Status:     status,
		Artifact:   artifact(r.ArtifactRepository, r.ArtifactTag, r.ArtifactDigest),
		Error:      r.ErrorMessage,
		SourcePath: r.SourcePath,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		Stages:     make([]pipeline.StageResult, 0, len(r.Stages)),
	}
	for _, s := range r.Stages {
		res, err := s.ToStageResult()
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", r.ID, err)
		}
		run.Stages = append(run.Stages, res)
	}
	return run, nil
}

func (s StageResultRecord) ToStageResult() (pipeline.StageResult, error) {
	status, err := pipeline.ParseStageStatus(s.Status)
	if err != nil {
		return pipeline.StageResult{}, fmt.Errorf("stage %s: %w", s.Name, err)
	}
	return pipeline.StageResult{
		Name:      s.Name,
		Kind:      pipeline.StageKind(s.Kind),
		Index:     s.StageIndex,
		Status:    status,
		Log:       s.Log,
		ExitCode:  s.ExitCode,
		ErrorKind: pipeline.ErrorKind(s.ErrorKind),
		Error:     s.Error,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		Artifact:  artifact(s.ArtifactRepository, s.ArtifactTag, s.ArtifactDigest),
	}, nil
}

func artifact(repo, tag, digest string) *pipeline.ArtifactReference {
	if repo == "" {
		return nil
	}
	return &pipeline.ArtifactReference{Repository: repo, Tag: tag, Digest: digest}
}
