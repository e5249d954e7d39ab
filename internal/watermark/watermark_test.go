package watermark

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/shiftwatch/internal/kvstore"
)

func TestMergeIsCommutativeMax(t *testing.T) {
	pairs := [][2]int64{{0, 0}, {50, 100}, {100, 50}, {-1, 3}, {7, 7}}
	for _, p := range pairs {
		a, b := p[0], p[1]
		assert.Equal(t, Merge(a, b), Merge(b, a))
		assert.Equal(t, max(a, b), Merge(a, b))
		assert.Equal(t, Merge(a, b), Merge(Merge(a, b), b), "repeated merges are idempotent")
	}
}

type StoreSuite struct {
	suite.Suite
	kv  *kvstore.Memory
	ctx context.Context
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.kv = kvstore.NewMemory()
	s.ctx = context.Background()
}

func (s *StoreSuite) load() *Store {
	st, err := Load(s.ctx, s.kv, "u1", zerolog.Nop())
	s.Require().NoError(err)
	return st
}

func (s *StoreSuite) TestFirstLoginIsUnknown() {
	st := s.load()
	s.False(st.Known())
	s.Equal(int64(0), st.Current())
}

func (s *StoreSuite) TestServerNeverRegressesClient() {
	st := s.load()
	_, err := st.AdvanceTo(s.ctx, 100)
	s.Require().NoError(err)

	got, err := st.Merge(s.ctx, 50)
	s.Require().NoError(err)
	s.Equal(int64(100), got)
	s.Equal(int64(100), st.Current())

	got, err = st.Merge(s.ctx, 120)
	s.Require().NoError(err)
	s.Equal(int64(120), got)
}

func (s *StoreSuite) TestMergeOnUnknownAdoptsServer() {
	st := s.load()
	got, err := st.Merge(s.ctx, 42)
	s.Require().NoError(err)
	s.Equal(int64(42), got)
	s.True(st.Known())
}

func (s *StoreSuite) TestAdvanceIsMonotonic() {
	st := s.load()
	moved, err := st.AdvanceTo(s.ctx, 10)
	s.Require().NoError(err)
	s.True(moved)

	moved, err = st.AdvanceTo(s.ctx, 5)
	s.Require().NoError(err)
	s.False(moved)
	moved, err = st.AdvanceTo(s.ctx, 10)
	s.Require().NoError(err)
	s.False(moved)
	s.Equal(int64(10), st.Current())
}

func (s *StoreSuite) TestPersistsAndResets() {
	st := s.load()
	_, err := st.AdvanceTo(s.ctx, 77)
	s.Require().NoError(err)

	again := s.load()
	s.True(again.Known())
	s.Equal(int64(77), again.Current())

	s.Require().NoError(again.Reset(s.ctx))
	s.False(again.Known())
	s.False(s.load().Known())
}

func (s *StoreSuite) TestUnreadableValueIsUnknown() {
	s.Require().NoError(s.kv.Set(s.ctx, Key("u1"), "garbage"))
	s.False(s.load().Known())
}

type failingKV struct {
	kvstore.Store
}

func (failingKV) Set(context.Context, string, string) error { return errors.New("disk full") }

func TestAdvanceKeepsValueWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	st, err := Load(ctx, failingKV{Store: kvstore.NewMemory()}, "u1", zerolog.Nop())
	require.NoError(t, err)

	moved, err := st.AdvanceTo(ctx, 5)
	assert.Error(t, err)
	assert.False(t, moved)
	assert.False(t, st.Known())
}
