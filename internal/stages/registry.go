// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/registry"
)

// registryLogin turns the run's secrets into a registry session.
type registryLogin struct {
	registry       registry.Registry
	server         string
	repository     string
	insecure       bool
	usernameSecret string
	passwordSecret string
}

func (l *registryLogin) login(ctx context.Context, sc *pipeline.StageContext) (registry.Session, error) {
	username, ok := sc.Secrets.Get(l.usernameSecret)
	if !ok || username == "" {
		return nil, pipeline.Failf(pipeline.KindAuth, "secret %s was not resolved", l.usernameSecret)
	}
	password, ok := sc.Secrets.Get(l.passwordSecret)
	if !ok || password == "" {
		return nil, pipeline.Failf(pipeline.KindAuth, "secret %s was not resolved", l.passwordSecret)
	}

	server := l.server
	if server == "" && l.repository != "" {
		s, err := registry.ServerFor(l.repository, l.insecure)
		if err != nil {
			return nil, pipeline.Fail(pipeline.KindAuth, err)
		}
		server = s
	}

	creds := registry.Credentials{Server: server, Username: username, Password: password}
	session, err := l.registry.Login(ctx, creds)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, pipeline.Fail(pipeline.KindAuth, err)
	}
	sc.Log.Printf("logged in to %s as %s", server, username)
	return session, nil
}

type authenticateExecutor struct {
	login *registryLogin
}

func (e *authenticateExecutor) Execute(ctx context.Context, sc *pipeline.StageContext) (pipeline.Outcome, error) {
	session, err := e.login.login(ctx, sc)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	return pipeline.Outcome{Session: session}, nil
}

// Tagger adds a tag to a local image.
type Tagger interface {
	TagImage(ctx context.Context, source, target string) error
}

// publishExecutor pushes the built artifact. It reuses the session from an
// earlier authenticate stage and logs in itself when there is none.
type publishExecutor struct {
	login      *registryLogin
	tagger     Tagger
	repository string
	tag        string
}

func (e *publishExecutor) Execute(ctx context.Context, sc *pipeline.StageContext) (pipeline.Outcome, error) {
	if sc.Artifact == nil {
		return pipeline.Outcome{}, pipeline.Failf(pipeline.KindPublish, "no artifact to publish")
	}

	session := sc.Session
	if session == nil {
		s, err := e.login.login(ctx, sc)
		if err != nil {
			return pipeline.Outcome{}, err
		}
		session = s
	}

	target := *sc.Artifact
	if e.repository != "" || e.tag != "" {
		target = pipeline.ArtifactReference{
			Repository: firstNonEmpty(e.repository, sc.Artifact.Repository),
			Tag:        firstNonEmpty(expandRunVars(e.tag, sc), sc.Artifact.Tag),
		}
		if target.String() != sc.Artifact.String() {
			if e.tagger == nil {
				return pipeline.Outcome{}, pipeline.Failf(pipeline.KindPublish, "cannot retag %s as %s", sc.Artifact, target)
			}
			if err := e.tagger.TagImage(ctx, sc.Artifact.String(), target.String()); err != nil {
				return pipeline.Outcome{}, pipeline.Fail(pipeline.KindPublish, fmt.Errorf("tag %s: %w", target, err))
			}
		}
	}

	var err error
	if withDigest, ok := session.(registry.Session); ok {
		target.Digest, err = withDigest.PushWithDigest(ctx, target, sc.Log)
	} else {
		err = session.Push(ctx, target, sc.Log)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.Outcome{}, ctxErr
		}
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			return pipeline.Outcome{}, err
		}
		if registry.IsAuthError(err) {
			return pipeline.Outcome{}, pipeline.Fail(pipeline.KindAuth, err)
		}
		return pipeline.Outcome{}, pipeline.Fail(pipeline.KindPublish, err)
	}

	stageLogger(sc).Info().Str("artifact", target.String()).Str("digest", target.Digest).Msg("Artifact published")
	return pipeline.Outcome{Artifact: &target, Session: session}, nil
}
