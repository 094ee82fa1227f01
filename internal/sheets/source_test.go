package sheets

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/pkg/logx"
)

func TestGoogleSourceStringifiesCells(t *testing.T) {
	t.Parallel()
	var gotID, gotRange string
	src := newGoogleSource(func(_ context.Context, id, rng string) ([][]any, error) {
		gotID, gotRange = id, rng
		return [][]any{
			{"guild ID", "Channel", "Should Notify"},
			{"G1", "general", true, float64(2025), 1.5, nil},
			{"G2"},
		}, nil
	}, Target{SpreadsheetID: "doc", Range: "'Sheet1'!A:Z"}, logx.Nop())

	table, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "doc", gotID)
	assert.Equal(t, "'Sheet1'!A:Z", gotRange)
	require.Len(t, table, 3)
	assert.Equal(t, []string{"G1", "general", "TRUE", "2025", "1.5", ""}, table[1])
	assert.Equal(t, []string{"G2"}, table[2])
}

func TestGoogleSourceErrorsAreSourceFetch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		target Target
		values [][]any
		err    error
		empty  bool
	}{
		{name: "api error", target: Target{SpreadsheetID: "doc"}, err: errors.New("403 forbidden")},
		{name: "empty range", target: Target{SpreadsheetID: "doc"}, empty: true},
		{name: "missing id", target: Target{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := newGoogleSource(func(context.Context, string, string) ([][]any, error) {
				return tt.values, tt.err
			}, tt.target, logx.Nop())
			_, err := src.Fetch(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSourceFetch))
			if tt.empty {
				assert.True(t, errors.Is(err, ErrEmptyRange))
			}
		})
	}
}

func TestGoogleSourceSetTarget(t *testing.T) {
	t.Parallel()
	var ranges []string
	src := newGoogleSource(func(_ context.Context, _, rng string) ([][]any, error) {
		ranges = append(ranges, rng)
		return [][]any{{"h"}}, nil
	}, Target{SpreadsheetID: "doc", Range: "a"}, logx.Nop())

	_, err := src.Fetch(context.Background())
	require.NoError(t, err)
	src.SetTarget(Target{SpreadsheetID: "doc", Range: "b"})
	_, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ranges)
}

func TestStaticSource(t *testing.T) {
	t.Parallel()
	src := NewStaticSource([][]string{{"h"}, {"v"}})
	table, err := src.Fetch(context.Background())
	require.NoError(t, err)
	table[1][0] = "mutated"

	again, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", again[1][0])

	src.Set(nil, errors.New("down"))
	_, err = src.Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrSourceFetch))
	assert.Equal(t, 3, src.Calls())
}
