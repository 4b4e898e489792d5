package database

import (
	"context"
	"errors"
	"iter"

	"modengine/internal/moderation"
)

// MockStore is a moderation.Store for testing. Function fields override
// individual methods; unset fields delegate to Store.
type MockStore struct {
	moderation.Store

	LastSequenceFunc     func(ctx context.Context) (uint64, error)
	ReadFromFunc         func(ctx context.Context, seq uint64) iter.Seq2[moderation.AuditEntry, error]
	GetPostFunc          func(ctx context.Context, id string) (moderation.Post, error)
	GetUserFunc          func(ctx context.Context, id string) (moderation.User, error)
	ListPostsFunc        func(ctx context.Context) ([]moderation.Post, error)
	ListUsersFunc        func(ctx context.Context) ([]moderation.User, error)
	UpdateFunc           func(ctx context.Context, fn func(tx moderation.Tx) error) error
	ResetProjectionsFunc func(ctx context.Context) error
}

func (m *MockStore) LastSequence(ctx context.Context) (uint64, error) {
	if m.LastSequenceFunc != nil {
		return m.LastSequenceFunc(ctx)
	}
	return m.Store.LastSequence(ctx)
}

func (m *MockStore) ReadFrom(ctx context.Context, seq uint64) iter.Seq2[moderation.AuditEntry, error] {
	if m.ReadFromFunc != nil {
		return m.ReadFromFunc(ctx, seq)
	}
	return m.Store.ReadFrom(ctx, seq)
}

func (m *MockStore) GetPost(ctx context.Context, id string) (moderation.Post, error) {
	if m.GetPostFunc != nil {
		return m.GetPostFunc(ctx, id)
	}
	return m.Store.GetPost(ctx, id)
}

func (m *MockStore) GetUser(ctx context.Context, id string) (moderation.User, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, id)
	}
	return m.Store.GetUser(ctx, id)
}

func (m *MockStore) ListPosts(ctx context.Context) ([]moderation.Post, error) {
	if m.ListPostsFunc != nil {
		return m.ListPostsFunc(ctx)
	}
	return m.Store.ListPosts(ctx)
}

func (m *MockStore) ListUsers(ctx context.Context) ([]moderation.User, error) {
	if m.ListUsersFunc != nil {
		return m.ListUsersFunc(ctx)
	}
	return m.Store.ListUsers(ctx)
}

func (m *MockStore) Update(ctx context.Context, fn func(tx moderation.Tx) error) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, fn)
	}
	return m.Store.Update(ctx, fn)
}

func (m *MockStore) ResetProjections(ctx context.Context) error {
	if m.ResetProjectionsFunc != nil {
		return m.ResetProjectionsFunc(ctx)
	}
	return m.Store.ResetProjections(ctx)
}

// Unavailable returns an error as produced by a store whose medium is unreachable
func Unavailable(op string) error {
	return moderation.Unavailable(op, errors.New("database unreachable"))
}
