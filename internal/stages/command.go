// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package stages

import (
	"context"
	"fmt"

	"github.com/noldarim/shipyard/internal/executil"
	"github.com/noldarim/shipyard/internal/pipeline"
)

// commandExecutor runs install and test commands in the checked-out source.
type commandExecutor struct {
	runner executil.Runner
	kind   pipeline.ErrorKind
	image  string
}

func (e *commandExecutor) Execute(ctx context.Context, sc *pipeline.StageContext) (pipeline.Outcome, error) {
	if sc.SourcePath == "" {
		return pipeline.Outcome{}, pipeline.Failf(e.kind, "no source checkout available")
	}

	env := make(map[string]string, len(sc.Spec.Env)+3)
	env["CI"] = "true"
	env["SHIPYARD_RUN_ID"] = sc.RunID
	env["SHIPYARD_COMMIT"] = sc.Event.Commit
	for k, v := range sc.Spec.Env {
		env[k] = expandRunVars(v, sc)
	}

	cmd := executil.Command{
		Args:   sc.Spec.Command,
		Dir:    sc.SourcePath,
		Env:    env,
		Image:  e.image,
		Labels: map[string]string{LabelRun: sc.RunID, LabelStage: sc.Spec.Name},
		Stdout: sc.Log,
		Stderr: sc.Log,
	}
	where := "host"
	if e.image != "" {
		where = e.image
	}
	sc.Log.Printf("$ %s (%s)", cmd.String(), where)

	l := stageLogger(sc)
	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.Outcome{ExitCode: res.ExitCode}, ctxErr
		}
		l.Warn().Err(err).Str("command", cmd.String()).Msg("Command could not be run")
		return pipeline.Outcome{ExitCode: res.ExitCode}, pipeline.Fail(e.kind, err)
	}

	l.Debug().Int("exit_code", res.ExitCode).Dur("duration", res.Duration).Msg("Command finished")
	if res.ExitCode != 0 {
		return pipeline.Outcome{ExitCode: res.ExitCode},
			pipeline.FailExit(e.kind, res.ExitCode, fmt.Errorf("%s exited with code %d", cmd.String(), res.ExitCode))
	}
	return pipeline.Outcome{ExitCode: 0}, nil
}

func (e *commandExecutor) SupportsInterrupt() bool { return true }
