package source

import (
	"context"
	"io"
)

// sliceStream walks a fixed candidate slice. A fresh stream is produced by
// every Fetch, matching the fresh-fetch-restarts-from-the-beginning contract.
type sliceStream struct {
	items []Candidate
	pos   int
	// failAt injects an error before the item at that index; <0 disables.
	failAt  int
	failErr error
}

func (s *sliceStream) Next(ctx context.Context) (*Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failErr != nil && s.pos == s.failAt {
		return nil, s.failErr
	}
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	c := s.items[s.pos]
	s.pos++
	return &c, nil
}

// StaticAdapter serves a fixed candidate set. Used by tests and local runs;
// real wholesaler adapters are registered by deployments.
type StaticAdapter struct {
	id      string
	items   []Candidate
	failAt  int
	failErr error
}

func NewStaticAdapter(id string, items []Candidate) *StaticAdapter {
	return &StaticAdapter{id: id, items: items, failAt: -1}
}

// FailAt makes every stream return err just before the item at index idx.
func (a *StaticAdapter) FailAt(idx int, err error) *StaticAdapter {
	a.failAt = idx
	a.failErr = err
	return a
}

func (a *StaticAdapter) ID() string { return a.id }

func (a *StaticAdapter) Fetch(ctx context.Context, filter Filter) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sliceStream{items: a.items, failAt: a.failAt, failErr: a.failErr}, nil
}
