package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type log struct{ entries []string }

func add(name string) Step[*log] {
	return func(_ context.Context, l *log) error {
		l.entries = append(l.entries, name)
		return nil
	}
}

func TestDrain_InOrder(t *testing.T) {
	var q Queue[*log]
	q.Push(add("a"), add("b"))
	q.Push(add("c"))
	require.Equal(t, 3, q.Len())

	steps := q.Take()
	assert.Equal(t, 0, q.Len())

	l := &log{}
	require.NoError(t, Drain(context.Background(), l, steps))
	if diff := cmp.Diff([]string{"a", "b", "c"}, l.entries); diff != "" {
		t.Errorf("drain order mismatch (-want +got):\n%s", diff)
	}
}

func TestDrain_StopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	fail := func(context.Context, *log) error { return boom }

	l := &log{}
	err := Drain(context.Background(), l, []Step[*log]{add("a"), fail, add("never")})
	assert.Same(t, boom, err)
	assert.Equal(t, []string{"a"}, l.entries)
}

func TestDrain_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := func(context.Context, *log) error { cancel(); return nil }

	l := &log{}
	err := Drain(ctx, l, []Step[*log]{add("a"), stop, add("never")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, l.entries)
}

func TestCapture_RestoresQueue(t *testing.T) {
	var q Queue[*log]
	q.Push(add("outer"))

	captured := q.Capture(func() {
		q.Push(add("x"), add("y"))
	})

	assert.Len(t, captured, 2)
	outer := q.Take()
	require.Len(t, outer, 1)

	l := &log{}
	require.NoError(t, Drain(context.Background(), l, append(outer, captured...)))
	assert.Equal(t, []string{"outer", "x", "y"}, l.entries)
}

func TestCapture_RestoresOnPanic(t *testing.T) {
	var q Queue[*log]
	q.Push(add("outer"))

	assert.PanicsWithValue(t, "builder failed", func() {
		q.Capture(func() {
			q.Push(add("leaked"))
			panic("builder failed")
		})
	})

	steps := q.Take()
	require.Len(t, steps, 1)
	l := &log{}
	require.NoError(t, Drain(context.Background(), l, steps))
	assert.Equal(t, []string{"outer"}, l.entries)
}

func TestBatches_GetSet(t *testing.T) {
	var b Batches[*log]
	_, ok := b.Load("missing")
	assert.False(t, ok)

	steps := []Step[*log]{add("a")}
	b.Store("one", steps)
	steps[0] = add("mutated")
	b.Store("two", nil)

	got, ok := b.Load("one")
	require.True(t, ok)
	l := &log{}
	require.NoError(t, Drain(context.Background(), l, got))
	assert.Equal(t, []string{"a"}, l.entries)
	assert.Equal(t, []string{"one", "two"}, b.Names())
}
