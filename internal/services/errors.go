package services

import (
	"context"
	"errors"

	"github.com/buildkart/api/internal/repositories"
)

func repoError(err error) (repositories.RepositoryError, bool) {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr, true
	}
	return nil, false
}

func isRepoNotFound(err error) bool {
	repoErr, ok := repoError(err)
	return ok && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	repoErr, ok := repoError(err)
	return ok && repoErr.IsConflict()
}

func isRepoUnavailable(err error) bool {
	repoErr, ok := repoError(err)
	return ok && repoErr.IsUnavailable()
}

// eventLogger is the structured logging hook every service accepts.
type eventLogger = func(ctx context.Context, event string, fields map[string]any)

func loggerOrNoop(logger eventLogger) eventLogger {
	if logger == nil {
		return func(context.Context, string, map[string]any) {}
	}
	return logger
}
