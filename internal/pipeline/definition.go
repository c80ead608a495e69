// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// DefaultTriggerBranch is used when a definition does not name one.
const DefaultTriggerBranch = "main"

// StageKind selects the executor variant for a stage.
type StageKind string

const (
	KindCheckoutStage     StageKind = "checkout"
	KindInstallStage      StageKind = "install"
	KindTestStage         StageKind = "test"
	KindAuthenticateStage StageKind = "authenticate"
	KindBuildStage        StageKind = "build"
	KindPublishStage      StageKind = "publish"
)

// StageSpec is one stage as declared in a pipeline definition.
type StageSpec struct {
	Name       string            `yaml:"name" json:"name"`
	Kind       StageKind         `yaml:"kind" json:"kind"`
	Timeout    time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Command    []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Image      string            `yaml:"image,omitempty" json:"image,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dockerfile string            `yaml:"dockerfile,omitempty" json:"dockerfile,omitempty"`
	Context    string            `yaml:"context,omitempty" json:"context,omitempty"`
	Repository string            `yaml:"repository,omitempty" json:"repository,omitempty"`
	Tag        string            `yaml:"tag,omitempty" json:"tag,omitempty"`
	BuildArgs  map[string]string `yaml:"build_args,omitempty" json:"build_args,omitempty"`
}

// TriggerFilter decides which push events start a run.
type TriggerFilter struct {
	Branch string `yaml:"branch" json:"branch"`
}

// Definition is a pipeline as written in YAML.
type Definition struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger     TriggerFilter `yaml:"trigger" json:"trigger"`
	Stages      []StageSpec   `yaml:"stages" json:"stages"`
}

// DefaultDefinition is the checkout, install, test, build, publish pipeline
// for a Node project that ships a container image on every push to main.
func DefaultDefinition() *Definition {
	return &Definition{
		Name:    "build-and-push",
		Trigger: TriggerFilter{Branch: DefaultTriggerBranch},
		Stages: []StageSpec{
			{Name: "checkout", Kind: KindCheckoutStage},
			{Name: "install", Kind: KindInstallStage, Command: []string{"npm", "ci"}},
			{Name: "test", Kind: KindTestStage, Command: []string{"npm", "test"}},
			{Name: "build", Kind: KindBuildStage, Dockerfile: "Dockerfile", Context: "."},
			{Name: "publish", Kind: KindPublishStage},
		},
	}
}

//go:embed schema/pipeline.schema.json
var definitionSchemaJSON []byte

var (
	definitionSchema     *gojsonschema.Schema
	definitionSchemaOnce sync.Once
	definitionSchemaErr  error
)

func getDefinitionSchema() (*gojsonschema.Schema, error) {
	definitionSchemaOnce.Do(func() {
		definitionSchema, definitionSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(definitionSchemaJSON))
	})
	return definitionSchema, definitionSchemaErr
}

// LoadDefinitionFile reads, schema-checks and validates a pipeline YAML file.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ParseDefinition decodes YAML, checks it against the definition schema and
// then runs Validate.
func ParseDefinition(data []byte) (*Definition, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidDefinition, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
	}

	schema, err := getDefinitionSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling pipeline schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if !result.Valid() {
		msgs := lo.Map(result.Errors(), func(e gojsonschema.ResultError, _ int) string { return e.String() })
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks ordering rules that a schema cannot express: unique names,
// and that every stage's inputs are produced by an earlier stage.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: pipeline name is required", ErrInvalidDefinition)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("%w: pipeline must have at least one stage", ErrInvalidDefinition)
	}

	seen := make(map[string]bool, len(d.Stages))
	produced := make(map[StageKind]bool)
	var errs []error
	for i, s := range d.Stages {
		where := fmt.Sprintf("stage %d (%s)", i+1, s.Name)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stage %d: name is required", i+1))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name", where))
		}
		seen[s.Name] = true

		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s: timeout must not be negative", where))
		}

		switch s.Kind {
		case KindCheckoutStage:
			if produced[KindCheckoutStage] {
				errs = append(errs, fmt.Errorf("%s: only one checkout stage is allowed", where))
			}
		case KindInstallStage, KindTestStage:
			if len(s.Command) == 0 {
				errs = append(errs, fmt.Errorf("%s: command is required", where))
			}
			if !produced[KindCheckoutStage] {
				errs = append(errs, fmt.Errorf("%s: requires an earlier checkout stage", where))
			}
		case KindBuildStage:
			if !produced[KindCheckoutStage] {
				errs = append(errs, fmt.Errorf("%s: requires an earlier checkout stage", where))
			}
		case KindPublishStage:
			if !produced[KindBuildStage] {
				errs = append(errs, fmt.Errorf("%s: requires an earlier build stage", where))
			}
		case KindAuthenticateStage:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", where, s.Kind))
		}
		produced[s.Kind] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(errs...))
	}
	return nil
}

// TriggerBranch returns the configured branch or the default.
func (d *Definition) TriggerBranch() string {
	if d.Trigger.Branch == "" {
		return DefaultTriggerBranch
	}
	return d.Trigger.Branch
}

// NeedsRegistry reports whether any stage talks to the registry.
func (d *Definition) NeedsRegistry() bool {
	return lo.ContainsBy(d.Stages, func(s StageSpec) bool {
		return s.Kind == KindAuthenticateStage || s.Kind == KindPublishStage
	})
}

// Stage is a compiled stage: its spec, effective timeout and executor.
type Stage struct {
	Spec     StageSpec
	Timeout  time.Duration
	Executor Executor
}

// Pipeline is a validated definition with an executor bound to every stage.
type Pipeline struct {
	Name          string
	TriggerBranch string
	Stages        []Stage
	needsRegistry bool
}

// Compile validates def and binds executors through factory. Stages without
// a timeout get defaultTimeout.
func Compile(def *Definition, factory ExecutorFactory, defaultTimeout time.Duration) (*Pipeline, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		Name:          def.Name,
		TriggerBranch: def.TriggerBranch(),
		Stages:        make([]Stage, 0, len(def.Stages)),
		needsRegistry: def.NeedsRegistry(),
	}
	for _, spec := range def.Stages {
		exec, err := factory.NewExecutor(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: stage %s: %w", ErrInvalidDefinition, spec.Name, err)
		}
		timeout := spec.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		p.Stages = append(p.Stages, Stage{Spec: spec, Timeout: timeout, Executor: exec})
	}
	return p, nil
}

// Accepts rejects events that may not start a run.
func (p *Pipeline) Accepts(ev TriggerEvent) error {
	switch {
	case strings.TrimSpace(ev.Branch) == "":
		return &InvalidEventError{Event: ev, Reason: "branch is required"}
	case strings.TrimSpace(ev.Commit) == "":
		return &InvalidEventError{Event: ev, Reason: "commit is required"}
	case ev.Branch != p.TriggerBranch:
		return &InvalidEventError{Event: ev, Reason: fmt.Sprintf("only branch %q triggers a run", p.TriggerBranch)}
	}
	return nil
}

// MaxTimeout is the longest stage timeout in p.
func (p *Pipeline) MaxTimeout() time.Duration {
	return lo.MaxBy(p.Stages, func(a, b Stage) bool { return a.Timeout > b.Timeout }).Timeout
}

// StageNames lists stage names in order.
func (p *Pipeline) StageNames() []string {
	return lo.Map(p.Stages, func(s Stage, _ int) string { return s.Spec.Name })
}
