package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcorrelator/internal/model"
)

func rec(id, rule string, at time.Time) model.ExecutionRecord {
	return model.ExecutionRecord{ID: id, RuleID: rule, CreatedAt: at}
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(3)
	base := time.Now()
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Append(context.Background(), rec(id, "r", base.Add(time.Duration(i)*time.Second))))
	}
	got := s.List(0)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "d", got[2].ID)

	last := s.List(1)
	require.Len(t, last, 1)
	assert.Equal(t, "d", last[0].ID)
}

func TestStoreForRuleAndSince(t *testing.T) {
	s := NewStore(10)
	base := time.Now()
	ctx := context.Background()
	_ = s.Append(ctx, rec("1", "x", base))
	_ = s.Append(ctx, rec("2", "y", base.Add(time.Second)))
	_ = s.Append(ctx, rec("3", "x", base.Add(2*time.Second)))

	x := s.ForRule("x", 0)
	require.Len(t, x, 2)
	assert.Equal(t, "3", x[1].ID)
	assert.Len(t, s.ForRule("x", 1), 1)
	assert.Empty(t, s.ForRule("z", 0))

	assert.Len(t, s.Since(base.Add(time.Second)), 2)

	s.Clear()
	assert.Equal(t, 0, s.Len())
}

type failingSink struct{ err error }

func (f failingSink) Append(context.Context, model.ExecutionRecord) error { return f.err }

func TestTeeAppendsToAllSinks(t *testing.T) {
	a, b := NewStore(5), NewStore(5)
	boom := errors.New("boom")
	tee := Tee{a, failingSink{boom}, nil, b}

	err := tee.Append(context.Background(), rec("1", "r", time.Now()))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
}
