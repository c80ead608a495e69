// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus represents the status of a run
type RunStatus int

const (
	RunStatusPending RunStatus = iota
	RunStatusRunning
	RunStatusSucceeded
	RunStatusFailed
	RunStatusCancelled
)

func (s RunStatus) String() string {
	switch s {
	case RunStatusPending:
		return "pending"
	case RunStatusRunning:
		return "running"
	case RunStatusSucceeded:
		return "succeeded"
	case RunStatusFailed:
		return "failed"
	case RunStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

func (s RunStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RunStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseRunStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseRunStatus is the inverse of RunStatus.String.
func ParseRunStatus(s string) (RunStatus, error) {
	for st := RunStatusPending; st <= RunStatusCancelled; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return RunStatusPending, fmt.Errorf("unknown run status %q", s)
}

// StageStatus represents the status of one stage within a run.
// Pending only exists while a run is live; terminal runs have none.
type StageStatus int

const (
	StageStatusPending StageStatus = iota
	StageStatusRunning
	StageStatusSucceeded
	StageStatusFailed
	StageStatusSkipped
)

func (s StageStatus) String() string {
	switch s {
	case StageStatusPending:
		return "pending"
	case StageStatusRunning:
		return "running"
	case StageStatusSucceeded:
		return "succeeded"
	case StageStatusFailed:
		return "failed"
	case StageStatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func (s StageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StageStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseStageStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseStageStatus(s string) (StageStatus, error) {
	for st := StageStatusPending; st <= StageStatusSkipped; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StageStatusPending, fmt.Errorf("unknown stage status %q", s)
}

// TriggerEvent is a push notification for one commit on one branch.
type TriggerEvent struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// ArtifactReference identifies a built image: registry path plus tag.
type ArtifactReference struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Digest     string `json:"digest,omitempty"`
}

func (a ArtifactReference) String() string {
	if a.Tag == "" {
		return a.Repository
	}
	return a.Repository + ":" + a.Tag
}

func (a ArtifactReference) IsZero() bool {
	return a.Repository == ""
}

// WithTag returns a copy of a pointing at tag. The digest is dropped since
// it belongs to the original tag.
func (a ArtifactReference) WithTag(tag string) ArtifactReference {
	return ArtifactReference{Repository: a.Repository, Tag: tag}
}

// ParseArtifactReference splits "registry/path:tag". A colon that belongs to a
// registry port is not mistaken for a tag separator.
func ParseArtifactReference(s string) (ArtifactReference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ArtifactReference{}, fmt.Errorf("empty artifact reference")
	}
	if at := strings.Index(s, "@"); at >= 0 {
		ref, err := ParseArtifactReference(s[:at])
		if err != nil {
			return ArtifactReference{}, err
		}
		ref.Digest = s[at+1:]
		return ref, nil
	}
	lastSlash := strings.LastIndex(s, "/")
	lastColon := strings.LastIndex(s, ":")
	if lastColon > lastSlash {
		if lastColon == len(s)-1 {
			return ArtifactReference{}, fmt.Errorf("artifact reference %q has an empty tag", s)
		}
		return ArtifactReference{Repository: s[:lastColon], Tag: s[lastColon+1:]}, nil
	}
	return ArtifactReference{Repository: s, Tag: "latest"}, nil
}

// StageResult is the recorded outcome of one stage within one run.
type StageResult struct {
	Name      string             `json:"name"`
	Kind      StageKind          `json:"kind"`
	Index     int                `json:"index"`
	Status    StageStatus        `json:"status"`
	Log       []string           `json:"log,omitempty"`
	ExitCode  int                `json:"exit_code"`
	ErrorKind ErrorKind          `json:"error_kind,omitempty"`
	Error     string             `json:"error,omitempty"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Artifact  *ArtifactReference `json:"artifact,omitempty"`
}

// Duration is zero until the stage has both started and ended.
func (r StageResult) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// RunFilter narrows a run listing. Zero fields match everything.
type RunFilter struct {
	Branch string
	Status *RunStatus
	Limit  int
}

// Matches reports whether r passes the branch and status conditions.
func (f RunFilter) Matches(r Run) bool {
	if f.Branch != "" && r.Event.Branch != f.Branch {
		return false
	}
	return f.Status == nil || r.Status == *f.Status
}

// Run is one execution of the pipeline for a single trigger event.
type Run struct {
	ID       string             `json:"id"`
	Pipeline string             `json:"pipeline"`
	Event    TriggerEvent       `json:"event"`
	Status   RunStatus          `json:"status"`
	Stages   []StageResult      `json:"stages"`
	Artifact *ArtifactReference `json:"artifact,omitempty"`
	Error    string             `json:"error,omitempty"`
	// SourcePath is the checkout location, kept so a resumed run can
	// continue from a later stage.
	SourcePath string     `json:"source_path,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy that shares no slices or pointers with r.
func (r Run) Clone() Run {
	out := r
	out.Artifact = cloneArtifact(r.Artifact)
	out.StartedAt = cloneTime(r.StartedAt)
	out.EndedAt = cloneTime(r.EndedAt)
	out.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		s.Log = append([]string(nil), s.Log...)
		s.StartedAt = cloneTime(s.StartedAt)
		s.EndedAt = cloneTime(s.EndedAt)
		s.Artifact = cloneArtifact(s.Artifact)
		out.Stages[i] = s
	}
	return out
}

// Stage returns the result named name.
func (r *Run) Stage(name string) (*StageResult, bool) {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i], true
		}
	}
	return nil, false
}

// FailedStage returns the single failed stage, if any.
func (r *Run) FailedStage() (*StageResult, bool) {
	for i := range r.Stages {
		if r.Stages[i].Status == StageStatusFailed {
			return &r.Stages[i], true
		}
	}
	return nil, false
}

// nextPending is the index of the first stage not yet executed, or -1.
func (r *Run) nextPending() int {
	for i := range r.Stages {
		if r.Stages[i].Status == StageStatusPending {
			return i
		}
	}
	return -1
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneArtifact(a *ArtifactReference) *ArtifactReference {
	if a == nil {
		return nil
	}
	v := *a
	return &v
}
