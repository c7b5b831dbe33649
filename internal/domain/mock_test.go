package domain

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memRepo implements JobRepository in memory with the same transition rules
// as the SQL store.
type memRepo struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	createErr error
	finishes  map[string]int
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: make(map[string]*Job), finishes: make(map[string]int)}
}

func (m *memRepo) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memRepo) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	cp.Results = append([]SnapshotResult(nil), job.Results...)
	return &cp, nil
}

func (m *memRepo) List(ctx context.Context, filter JobFilter) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, job := range m.jobs {
		if filter.Identity != "" && job.Identity != filter.Identity {
			continue
		}
		cp := *job
		cp.Results = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memRepo) FindQueued(ctx context.Context, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, job := range m.jobs {
		if job.Status == StatusQueued && len(out) < limit {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memRepo) Claim(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusQueued {
		return ErrJobNotFound
	}
	now := time.Now()
	job.Status = StatusRunning
	job.StartedAt = &now
	return nil
}

func (m *memRepo) SetTotal(ctx context.Context, id string, total, found int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Total = total
	job.Stats.Found = found
	return nil
}

func (m *memRepo) AppendResult(ctx context.Context, id string, result SnapshotResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusRunning || job.Processed >= job.Total {
		return ErrJobNotFound
	}
	job.Processed++
	job.Results = append(job.Results, result)
	return nil
}

func (m *memRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	return job.CancelRequested, nil
}

func (m *memRepo) RequestCancel(ctx context.Context, id string) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	switch job.Status {
	case StatusQueued:
		now := time.Now()
		job.Status = StatusCancelled
		job.FinishedAt = &now
		m.finishes[id]++
	case StatusRunning:
		job.CancelRequested = true
	}
	return job.Status, nil
}

func (m *memRepo) Finish(ctx context.Context, id string, status JobStatus, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusRunning {
		return ErrJobNotFound
	}
	now := time.Now()
	job.Status = status
	job.Summary = outcome.Summary
	job.Error = outcome.Error
	job.Stats = outcome.Stats
	job.FinishedAt = &now
	m.finishes[id]++
	return nil
}

func (m *memRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memRepo) RecoverStale(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, job := range m.jobs {
		if job.Status == StatusRunning {
			job.Status = StatusQueued
			job.Processed, job.Total, job.Results = 0, 0, nil
			n++
		}
	}
	return n, nil
}

type cacheKey struct {
	platform  Platform
	identity  string
	timestamp string
}

// memCache implements SnapshotCache with the confidence guard of the SQL store.
type memCache struct {
	mu      sync.Mutex
	entries map[cacheKey]SnapshotResult
	puts    int
	getErr  error
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[cacheKey]SnapshotResult)}
}

func (c *memCache) Get(ctx context.Context, p Platform, identity, ts string) (*SnapshotResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	r, ok := c.entries[cacheKey{p, identity, ts}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (c *memCache) Put(ctx context.Context, p Platform, identity string, r SnapshotResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	key := cacheKey{p, identity, r.Timestamp}
	if cur, ok := c.entries[key]; ok && r.Confidence < cur.Confidence {
		return nil
	}
	c.entries[key] = r
	return nil
}

func (c *memCache) ListByIdentity(ctx context.Context, p Platform, identity string) ([]SnapshotResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SnapshotResult
	for k, r := range c.entries {
		if k.platform == p && k.identity == identity {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeSource serves fixed candidates and scripted fetch outcomes.
type fakeSource struct {
	mu         sync.Mutex
	candidates []Candidate
	listErr    error
	// errs is consumed per timestamp before a value is returned.
	errs    map[string][]error
	values  map[string]int64
	fetches map[string]int
	onFetch func(c Candidate)
}

func newFakeSource(candidates []Candidate) *fakeSource {
	return &fakeSource{
		candidates: candidates,
		errs:       make(map[string][]error),
		values:     make(map[string]int64),
		fetches:    make(map[string]int),
	}
}

func (s *fakeSource) ListCandidates(ctx context.Context, p Platform, url string, r Range) ([]Candidate, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.candidates, nil
}

func (s *fakeSource) FetchAndExtract(ctx context.Context, p Platform, c Candidate) (SnapshotResult, error) {
	s.mu.Lock()
	s.fetches[c.Timestamp]++
	var err error
	if queue := s.errs[c.Timestamp]; len(queue) > 0 {
		err, s.errs[c.Timestamp] = queue[0], queue[1:]
	}
	onFetch := s.onFetch
	s.mu.Unlock()

	if onFetch != nil {
		onFetch(c)
	}
	if err != nil {
		return SnapshotResult{}, err
	}
	r := SnapshotResult{
		Timestamp:   c.Timestamp,
		OriginalURL: c.OriginalURL,
		ArchivedURL: "https://web.archive.org/web/" + c.Timestamp + "/" + c.OriginalURL,
	}
	if v, ok := s.values[c.Timestamp]; ok {
		r.Value = &v
		r.Confidence = 0.75
	}
	return r, nil
}

func (s *fakeSource) totalFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.fetches {
		n += v
	}
	return n
}

var errBoom = errors.New("boom")

func noSleep(context.Context, time.Duration) error { return nil }

func candidatesBetween(fromYear, toYear, perYear int) []Candidate {
	var out []Candidate
	for y := fromYear; y <= toYear; y++ {
		for i := 0; i < perYear; i++ {
			ts := time.Date(y, time.Month(1+i%12), 1+i, 12, 0, 0, 0, time.UTC).Format("20060102150405")
			out = append(out, Candidate{Timestamp: ts, OriginalURL: "https://www.instagram.com/acct/"})
		}
	}
	return out
}

func int64p(v int64) *int64 { return &v }
