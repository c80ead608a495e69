// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArtifactReference(t *testing.T) {
	tests := []struct {
		in      string
		want    ArtifactReference
		wantErr bool
	}{
		{in: "repo/app:latest", want: ArtifactReference{Repository: "repo/app", Tag: "latest"}},
		{in: "repo/app", want: ArtifactReference{Repository: "repo/app", Tag: "latest"}},
		{in: "localhost:5000/team/app", want: ArtifactReference{Repository: "localhost:5000/team/app", Tag: "latest"}},
		{in: "localhost:5000/team/app:v1.2", want: ArtifactReference{Repository: "localhost:5000/team/app", Tag: "v1.2"}},
		{in: "repo/app:1@sha256:abcd", want: ArtifactReference{Repository: "repo/app", Tag: "1", Digest: "sha256:abcd"}},
		{in: "", wantErr: true},
		{in: "repo/app:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseArtifactReference(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	ref := ArtifactReference{Repository: "repo/app", Tag: "latest", Digest: "sha256:1"}
	assert.Equal(t, "repo/app:latest", ref.String())
	assert.Equal(t, ArtifactReference{Repository: "repo/app", Tag: "v2"}, ref.WithTag("v2"))
	assert.True(t, ArtifactReference{}.IsZero())
}

func TestStatusText(t *testing.T) {
	for s := RunStatusPending; s <= RunStatusCancelled; s++ {
		parsed, err := ParseRunStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	for s := StageStatusPending; s <= StageStatusSkipped; s++ {
		parsed, err := ParseStageStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseRunStatus("exploded")
	assert.Error(t, err)

	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCancelled.IsTerminal())

	data, err := json.Marshal(StageResult{Name: "test", Status: StageStatusSkipped})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"skipped"`)
}

func TestRunClone(t *testing.T) {
	now := time.Now()
	orig := Run{
		ID:       "r1",
		Artifact: &ArtifactReference{Repository: "repo/app", Tag: "latest"},
		Stages: []StageResult{
			{Name: "build", Log: []string{"a"}, StartedAt: &now},
		},
	}
	c := orig.Clone()
	c.Artifact.Tag = "changed"
	c.Stages[0].Log[0] = "b"
	*c.Stages[0].StartedAt = now.Add(time.Hour)

	assert.Equal(t, "latest", orig.Artifact.Tag)
	assert.Equal(t, "a", orig.Stages[0].Log[0])
	assert.Equal(t, now, *orig.Stages[0].StartedAt)

	_, ok := orig.FailedStage()
	assert.False(t, ok)
	s, ok := orig.Stage("build")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), s.Duration())
}

func TestStageErrors(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", FailExit(KindTest, 3, errors.New("2 failing")))

	assert.ErrorIs(t, err, ErrTest)
	assert.NotErrorIs(t, err, ErrBuild)
	assert.Equal(t, KindTest, KindOf(err))
	assert.Equal(t, 3, ExitCodeOf(err))
	assert.Equal(t, "wrapped: TestError (exit code 3): 2 failing", err.Error())

	assert.Equal(t, KindUnexpectedFault, KindOf(errors.New("boom")))
	assert.Equal(t, KindSecret, KindOf(fmt.Errorf("%w: X", ErrSecret)))
	assert.Equal(t, ErrorKind(""), KindOf(nil))

	var iev error = &InvalidEventError{Event: TriggerEvent{Branch: "dev"}, Reason: "nope"}
	assert.ErrorIs(t, iev, ErrInvalidEvent)
}
