// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/pkg/containers/models"
)

type buildExecutor struct {
	builder    ImageBuilder
	repository string
	tag        string
	sourceURL  string
}

func (e *buildExecutor) Execute(ctx context.Context, sc *pipeline.StageContext) (pipeline.Outcome, error) {
	if sc.SourcePath == "" {
		return pipeline.Outcome{}, pipeline.Failf(pipeline.KindBuild, "no source checkout available")
	}

	contextDir, err := withinSource(sc.SourcePath, sc.Spec.Context)
	if err != nil {
		return pipeline.Outcome{}, pipeline.Fail(pipeline.KindBuild, err)
	}
	dockerfile := sc.Spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	artifact := pipeline.ArtifactReference{Repository: e.repository, Tag: expandRunVars(e.tag, sc)}
	buildArgs := make(map[string]string, len(sc.Spec.BuildArgs))
	for k, v := range sc.Spec.BuildArgs {
		buildArgs[k] = expandRunVars(v, sc)
	}
	labels := map[string]string{
		LabelRun:      sc.RunID,
		LabelRevision: sc.Event.Commit,
	}
	if e.sourceURL != "" {
		labels[LabelSource] = e.sourceURL
	}

	sc.Log.Printf("building %s from %s", artifact, filepath.Join(sc.Spec.Context, dockerfile))
	result, err := e.builder.BuildImage(ctx, models.BuildConfig{
		ContextDir: contextDir,
		Dockerfile: dockerfile,
		Tags:       []string{artifact.String()},
		BuildArgs:  buildArgs,
		Labels:     labels,
	}, sc.Log)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.Outcome{}, ctxErr
		}
		return pipeline.Outcome{}, pipeline.Fail(pipeline.KindBuild, err)
	}
	if result != nil && result.ImageID != "" {
		sc.Log.Printf("built %s (%s)", artifact, result.ImageID)
	}
	stageLogger(sc).Info().Str("artifact", artifact.String()).Msg("Image built")
	return pipeline.Outcome{Artifact: &artifact}, nil
}

func (e *buildExecutor) SupportsInterrupt() bool { return true }

// withinSource joins rel onto root and rejects paths that leave root.
func withinSource(root, rel string) (string, error) {
	if rel == "" {
		return root, nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("build context %q must be relative to the source", rel)
	}
	joined := filepath.Join(root, rel)
	back, err := filepath.Rel(root, joined)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("build context %q is outside the source", rel)
	}
	return joined, nil
}
