// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// RedactedPlaceholder replaces secret values in logs and error messages.
const RedactedPlaceholder = "***"

// SecretResolver looks up a credential by name in an external store.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Secrets holds the credentials resolved for one run. It only lives in
// memory and formats as a redacted placeholder.
type Secrets struct {
	values map[string]string
}

// NewSecrets copies values into a Secrets set.
func NewSecrets(values map[string]string) Secrets {
	return Secrets{values: lo.Assign(map[string]string{}, values)}
}

// ResolveSecrets resolves every name through r. The first failure aborts.
func ResolveSecrets(ctx context.Context, r SecretResolver, names []string) (Secrets, error) {
	values := make(map[string]string, len(names))
	for _, name := range lo.Uniq(names) {
		v, err := r.Resolve(ctx, name)
		if err != nil {
			return Secrets{}, fmt.Errorf("%w: %s: %w", ErrSecret, name, err)
		}
		values[name] = v
	}
	return Secrets{values: values}, nil
}

func (s Secrets) Get(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

func (s Secrets) Len() int { return len(s.values) }

func (s Secrets) String() string {
	return fmt.Sprintf("Secrets(%d %s)", len(s.values), RedactedPlaceholder)
}

func (s Secrets) GoString() string { return s.String() }

// Redactor returns a redactor for every non-empty value in s.
func (s Secrets) Redactor() *Redactor {
	return NewRedactor(lo.Values(s.values)...)
}

// Redactor masks known secret values in text.
type Redactor struct {
	values   []string
	replacer *strings.Replacer
}

// NewRedactor masks values longest first so that a secret containing
// another secret is fully masked.
func NewRedactor(values ...string) *Redactor {
	vals := lo.Uniq(lo.Filter(values, func(v string, _ int) bool { return v != "" }))
	sort.Slice(vals, func(i, j int) bool { return len(vals[i]) > len(vals[j]) })

	pairs := make([]string, 0, len(vals)*2)
	for _, v := range vals {
		pairs = append(pairs, v, RedactedPlaceholder)
	}
	return &Redactor{values: vals, replacer: strings.NewReplacer(pairs...)}
}

// Redact returns s with every secret value replaced. A nil Redactor is a no-op.
func (r *Redactor) Redact(s string) string {
	if r == nil || len(r.values) == 0 {
		return s
	}
	return r.replacer.Replace(s)
}

// RedactError returns the redacted message of err, or "" for nil. For a
// *StageError only the cause is redacted.
func (r *Redactor) RedactError(err error) string {
	if err == nil {
		return ""
	}
	if se, ok := err.(*StageError); ok {
		return se.format(r.Redact)
	}
	return r.Redact(err.Error())
}
