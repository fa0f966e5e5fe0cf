package roster

import (
	"context"
	"errors"
	"testing"

	"coteacher/internal/models"

	"github.com/stretchr/testify/require"
)

func TestClearAllRemovesEntries(t *testing.T) {
	c := NewCache()
	c.Set("c1", models.Roster{"1": "Alice"})
	c.Clear()

	_, ok := c.Get("c1")
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestClearNamedClassKeepsOthers(t *testing.T) {
	c := NewCache()
	c.Set("c1", models.Roster{"1": "Alice"})
	c.Set("c2", models.Roster{"2": "Bob"})

	c.Clear("c1")
	require.False(t, c.Has("c1"))
	require.True(t, c.Has("c2"))
}

func TestSetLastWriteWinsAndCopies(t *testing.T) {
	c := NewCache()
	r := models.Roster{"1": "Alice"}
	c.Set("c1", r)
	r["1"] = "Mutated"
	c.Set("c1", models.Roster{"1": "Alicia"})

	got, ok := c.Get("c1")
	require.True(t, ok)
	require.Equal(t, "Alicia", got["1"])

	got["1"] = "Changed"
	again, _ := c.Get("c1")
	require.Equal(t, "Alicia", again["1"])
}

func TestLoadFetchesOnce(t *testing.T) {
	c := NewCache()
	calls := 0
	fetch := func(ctx context.Context, classID string) (models.Roster, error) {
		calls++
		return models.Roster{"7": "Gina"}, nil
	}

	for i := 0; i < 3; i++ {
		r, err := c.Load(context.Background(), "c7", fetch)
		require.NoError(t, err)
		require.Equal(t, "Gina", r["7"])
	}
	require.Equal(t, 1, calls)
}

func TestLoadDoesNotCacheFailures(t *testing.T) {
	c := NewCache()
	_, err := c.Load(context.Background(), "c1", func(context.Context, string) (models.Roster, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	require.False(t, c.Has("c1"))
}
