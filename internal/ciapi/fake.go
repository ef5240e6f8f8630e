package ciapi

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory CI implementation for tests, mirroring
// cloudapi.Fake's style.
type Fake struct {
	mu       sync.Mutex
	jobs     []Job
	runners  map[string]Runner
	tokens   int
	limit    RateLimit
	removed  []string
	tokenErr error
}

// NewFake returns an empty Fake CI.
func NewFake() *Fake {
	return &Fake{
		runners: make(map[string]Runner),
		limit:   RateLimit{Limit: 5000, Remaining: 5000, ResetAt: time.Time{}},
	}
}

func (f *Fake) SeedJobs(jobs ...Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobs...)
}

func (f *Fake) SeedRunner(r Runner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runners[r.Name] = r
}

func (f *Fake) SetRateLimit(rl RateLimit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = rl
}

func (f *Fake) FailTokenIssuance(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenErr = err
}

func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.removed))
	copy(out, f.removed)
	return out
}

func (f *Fake) ListQueuedJobs(ctx context.Context) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Job, len(f.jobs))
	copy(out, f.jobs)
	return out, nil
}

func (f *Fake) ListRunners(ctx context.Context) ([]Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Runner, 0, len(f.runners))
	for _, r := range f.runners {
		out = append(out, r)
	}
	return out, nil
}

func (f *Fake) RemoveRunner(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runners[name]; !ok {
		return fmt.Errorf("ciapi: no such runner %q", name)
	}
	delete(f.runners, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *Fake) CreateRegistrationToken(ctx context.Context) (RegistrationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return RegistrationToken{}, f.tokenErr
	}
	f.tokens++
	return RegistrationToken{
		Token:     fmt.Sprintf("fake-token-%d", f.tokens),
		ExpiresAt: time.Time{}.Add(time.Duration(f.tokens) * time.Hour),
	}, nil
}

func (f *Fake) RateLimit(ctx context.Context) (RateLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit, nil
}
