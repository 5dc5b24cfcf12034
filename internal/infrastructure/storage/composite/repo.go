package composite

import (
	"context"
	"errors"

	"hlstream/internal/application/port"
	"hlstream/internal/domain"
)

// Repo 写入时扇出到所有后端，读取时返回第一个命中的结果
type Repo struct {
	repos []port.Repository
}

func New(repos ...port.Repository) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.Repository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

func (r *Repo) Len() int { return len(r.repos) }

func (r *Repo) UpsertLastBar(ctx context.Context, key string, bar domain.Bar) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.UpsertLastBar(ctx, key, bar); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) GetLastBar(ctx context.Context, key string) (domain.Bar, bool, error) {
	var firstErr error
	for _, repo := range r.repos {
		bar, ok, err := repo.GetLastBar(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return bar, true, nil
		}
	}
	return domain.Bar{}, false, firstErr
}

func (r *Repo) InsertStatusEvent(ctx context.Context, key, status, reason string, ts int64) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.InsertStatusEvent(ctx, key, status, reason, ts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) Close() error {
	var errs []error
	for _, repo := range r.repos {
		if err := repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ port.Repository = (*Repo)(nil)
