package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/persistence/file"
	"github.com/dukex/chatflow/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewPersistence opens the backend named by the URL scheme: file:// or
// postgres://. A bare path is a file root.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch provider := parsePersistenceProvider(databaseURL); provider {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "file":
		root := strings.TrimPrefix(databaseURL, "file://")
		if root == "" {
			return nil, fmt.Errorf("file persistence needs a root directory: %q", databaseURL)
		}

		return file.NewPersistence(root), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider %q, supported: %s", provider, strings.Join(supportedPersistenceProviders, ", "))
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.SplitN(databaseURL, "://", 2)
	if len(parts) == 1 {
		return "file"
	}

	return parts[0]
}
