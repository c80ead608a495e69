// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/executil"
	"github.com/noldarim/shipyard/internal/git"
	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/protocol"
	"github.com/noldarim/shipyard/internal/stages"
	"github.com/noldarim/shipyard/internal/store"
	"github.com/noldarim/shipyard/test/testutil"
)

// newRepo creates a git repository with one commit and returns its path and
// the commit hash.
func newRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.txt"), []byte("app 1.0.0\n"), 0o644))

	gitCmd := func(args ...string) string {
		cmd := exec.Command("git", append([]string{"-c", "user.email=ci@example.com", "-c", "user.name=ci"}, args...)...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
		return strings.TrimSpace(string(out))
	}
	gitCmd("init", "-q")
	gitCmd("add", ".")
	gitCmd("commit", "-q", "-m", "initial")
	return dir, gitCmd("rev-parse", "HEAD")
}

type harness struct {
	orch    *pipeline.Orchestrator
	store   *store.GormStore
	events  *testutil.EventCapture
	workDir string
}

func newHarness(t *testing.T, repo string, def *pipeline.Definition) *harness {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available, skipping integration test")
	}

	workDir := t.TempDir()
	ws, err := git.NewWorkspace(repo, filepath.Join(workDir, "workspaces"))
	require.NoError(t, err)

	st, err := store.Open(&config.DatabaseConfig{Driver: "sqlite", Database: filepath.Join(workDir, "runs.db")})
	require.NoError(t, err)
	require.NoError(t, st.AutoMigrate())
	t.Cleanup(func() { _ = st.Close() })

	factory := stages.NewFactory(stages.Dependencies{
		Workspace: ws,
		Runner:    executil.Auto{Local: &executil.LocalRunner{}},
	})
	p, err := pipeline.Compile(def, factory, time.Minute)
	require.NoError(t, err)

	events := testutil.NewEventCapture()
	orch, err := pipeline.New(pipeline.Options{
		Pipeline: p,
		Recorder: st,
		Events:   events.Channel(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = orch.Close(context.Background())
		events.Close()
	})

	return &harness{orch: orch, store: st, events: events, workDir: workDir}
}

func localDefinition(testCommand string) *pipeline.Definition {
	return &pipeline.Definition{
		Name:    "local",
		Trigger: pipeline.TriggerFilter{Branch: "main"},
		Stages: []pipeline.StageSpec{
			{Name: "checkout", Kind: pipeline.KindCheckoutStage},
			{Name: "install", Kind: pipeline.KindInstallStage, Command: []string{"sh", "-c", "cp package.txt installed.txt && echo installed"}},
			{Name: "test", Kind: pipeline.KindTestStage, Command: []string{"sh", "-c", testCommand}},
		},
	}
}

func TestLocalPipeline_Succeeds(t *testing.T) {
	repo, commit := newRepo(t)
	h := newHarness(t, repo, localDefinition("test -f installed.txt && echo tests passed"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handle, err := h.orch.Submit(ctx, pipeline.TriggerEvent{Branch: "main", Commit: commit})
	require.NoError(t, err)
	run, err := h.orch.Wait(ctx, handle.ID)
	require.NoError(t, err)

	require.Equal(t, pipeline.RunStatusSucceeded, run.Status, run.Error)
	testutil.AssertStageStatuses(t, run, pipeline.StageStatusSucceeded, pipeline.StageStatusSucceeded, pipeline.StageStatusSucceeded)
	assert.Contains(t, logText(run.Stages[1]), "installed")
	assert.Contains(t, logText(run.Stages[2]), "tests passed")

	// The store write and workspace removal follow the terminal event.
	require.True(t, h.events.WaitForTerminal(handle.ID, 5*time.Second))
	types := h.events.LifecycleTypes(handle.ID)
	assert.Equal(t, protocol.RunCreated, types[0])
	assert.Equal(t, protocol.RunSucceeded, types[len(types)-1])

	stored, err := h.store.GetRun(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusSucceeded, stored.Status)
	assert.Equal(t, commit, stored.Event.Commit)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(h.workDir, "workspaces", handle.ID))
		return os.IsNotExist(err)
	}, 5*time.Second, 50*time.Millisecond, "workspace is removed after the run")
}

func TestLocalPipeline_TestFailureSkipsLaterStages(t *testing.T) {
	repo, commit := newRepo(t)
	def := localDefinition("echo 2 tests failed; exit 3")
	def.Stages = append(def.Stages, pipeline.StageSpec{Name: "smoke", Kind: pipeline.KindTestStage, Command: []string{"true"}})
	h := newHarness(t, repo, def)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handle, err := h.orch.Submit(ctx, pipeline.TriggerEvent{Branch: "main", Commit: commit})
	require.NoError(t, err)
	run, err := h.orch.Wait(ctx, handle.ID)
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunStatusFailed, run.Status)
	testutil.AssertStageStatuses(t, run,
		pipeline.StageStatusSucceeded, pipeline.StageStatusSucceeded, pipeline.StageStatusFailed, pipeline.StageStatusSkipped)
	failed, ok := run.FailedStage()
	require.True(t, ok)
	assert.Equal(t, "test", failed.Name)
	assert.Equal(t, pipeline.KindTest, failed.ErrorKind)
	assert.Equal(t, 3, failed.ExitCode)
	assert.Contains(t, logText(*failed), "2 tests failed")
}

func TestLocalPipeline_UnknownCommitFailsCheckout(t *testing.T) {
	repo, _ := newRepo(t)
	h := newHarness(t, repo, localDefinition("true"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handle, err := h.orch.Submit(ctx, pipeline.TriggerEvent{Branch: "main", Commit: strings.Repeat("f", 40)})
	require.NoError(t, err)
	run, err := h.orch.Wait(ctx, handle.ID)
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunStatusFailed, run.Status)
	testutil.AssertStageStatuses(t, run, pipeline.StageStatusFailed, pipeline.StageStatusSkipped, pipeline.StageStatusSkipped)
	assert.Equal(t, pipeline.KindCheckout, run.Stages[0].ErrorKind)
}

func logText(r pipeline.StageResult) string {
	return strings.Join(r.Log, "\n")
}
