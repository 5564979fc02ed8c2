package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/buildkart/api/internal/domain"
)

const defaultCheckTimeout = 1500 * time.Millisecond

// DependencyCheck describes a readiness check against one backing service.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// HealthOption customises the checked health repository.
type HealthOption func(*checkedHealthRepository)

// WithCheckTimeout overrides the timeout applied when a check omits its own.
func WithCheckTimeout(timeout time.Duration) HealthOption {
	return func(repo *checkedHealthRepository) {
		if timeout > 0 {
			repo.defaultTimeout = timeout
		}
	}
}

// WithCheckClock injects a custom clock, primarily for tests.
func WithCheckClock(clock func() time.Time) HealthOption {
	return func(repo *checkedHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type checkedHealthRepository struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ HealthRepository = (*checkedHealthRepository)(nil)

// NewCheckedHealthRepository validates the check set and returns a HealthRepository running them concurrently.
func NewCheckedHealthRepository(checks []DependencyCheck, opts ...HealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	for _, dep := range checks {
		if strings.TrimSpace(dep.Name) == "" {
			return nil, errors.New("health repository: dependency check missing name")
		}
		if dep.Check == nil {
			return nil, fmt.Errorf("health repository: dependency check %s missing check function", dep.Name)
		}
	}

	repo := &checkedHealthRepository{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultCheckTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *checkedHealthRepository) Collect(ctx context.Context) (domain.HealthReport, error) {
	if ctx == nil {
		return domain.HealthReport{}, errors.New("health repository: context is required")
	}

	results := make(map[string]domain.DependencyStatus, len(r.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, dep := range r.checks {
		dep := dep
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := r.run(ctx, dep)
			mu.Lock()
			results[dep.Name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		if result.Status == domain.HealthStatusError {
			status = domain.HealthStatusError
			break
		}
		if result.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}

	return domain.HealthReport{
		Status:       status,
		Dependencies: results,
		GeneratedAt:  r.now(),
	}, nil
}

func (r *checkedHealthRepository) run(ctx context.Context, dep DependencyCheck) domain.DependencyStatus {
	timeout := dep.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := dep.Check(checkCtx)
	end := r.now()

	result := domain.DependencyStatus{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	switch {
	case err == nil && checkCtx.Err() != nil:
		result.Status = domain.HealthStatusError
		result.Detail = checkCtx.Err().Error()
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = domain.HealthStatusError
		result.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		result.Status = domain.HealthStatusError
		result.Detail = "cancelled"
	default:
		result.Status = domain.HealthStatusDegraded
		result.Detail = err.Error()
	}
	return result
}
