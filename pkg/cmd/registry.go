// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/chatflow/pkg/content"
	"github.com/dukex/chatflow/pkg/expression"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/dukex/chatflow/pkg/secrets"
	"github.com/dukex/chatflow/pkg/template"
	"github.com/go-playground/validator/v10"
)

func NewRegistry(log *slog.Logger) *registry.Registry {
	reg := registry.NewDefaultRegistry(log)

	log.Info("node processors registered", "types", reg.Types())

	return reg
}

// NewDeps builds the collaborators shared by every processor. Secrets come
// from environment variables carrying secretPrefix.
func NewDeps(log *slog.Logger, lookup content.Lookup, secretPrefix string) (protocol.Deps, error) {
	evaluator, err := expression.NewEvaluator()
	if err != nil {
		return protocol.Deps{}, fmt.Errorf("failed to build expression evaluator: %w", err)
	}

	return protocol.Deps{
		Resolver:  template.NewResolver(template.WithSecretResolver(secrets.NewEnv(secretPrefix))),
		Evaluator: evaluator,
		Content:   lookup,
		Validator: validator.New(validator.WithRequiredStructEnabled()),
		Logger:    log,
	}, nil
}
