package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](t *testing.T, sub *Subscription[T], n int) []T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []T
	for len(got) < n {
		v, err := sub.Next(ctx)
		require.NoError(t, err, "after %d values", len(got))
		got = append(got, v)
	}
	return got
}

func TestPublishOrder(t *testing.T) {
	s := New[int]()
	defer s.Close()

	sub := s.Subscribe(context.Background(), nil)
	for i := 0; i < 100; i++ {
		require.True(t, s.Publish(i))
	}

	got := collect(t, sub, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestFilter(t *testing.T) {
	s := New[int]()
	defer s.Close()

	even := s.Subscribe(context.Background(), func(v int) bool { return v%2 == 0 })
	all := s.Subscribe(context.Background(), nil)

	for i := 0; i < 6; i++ {
		s.Publish(i)
	}

	assert.Equal(t, []int{0, 2, 4}, collect(t, even, 3))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, collect(t, all, 6))
}

func TestNoReplay(t *testing.T) {
	s := New[string]()
	defer s.Close()

	s.Publish("before")
	sub := s.Subscribe(context.Background(), nil)
	s.Publish("after")

	assert.Equal(t, []string{"after"}, collect(t, sub, 1))
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New[int]()
	defer s.Close()

	slow := s.Subscribe(context.Background(), nil)
	fast := s.Subscribe(context.Background(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s.Publish(i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on an unread subscription")
	}

	got := collect(t, fast, 1000)
	assert.Equal(t, 999, got[999])

	// the slow one still has everything queued
	got = collect(t, slow, 1000)
	assert.Equal(t, 0, got[0])
}

func TestSubscriptionClose(t *testing.T) {
	s := New[int]()
	defer s.Close()

	a := s.Subscribe(context.Background(), nil)
	b := s.Subscribe(context.Background(), nil)
	require.Equal(t, 2, s.Len())

	a.Close()
	a.Close()
	assert.Equal(t, 1, s.Len())

	s.Publish(7)
	assert.Equal(t, []int{7}, collect(t, b, 1))

	_, err := a.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContextCancelEndsSubscription(t *testing.T) {
	s := New[int]()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := s.Subscribe(ctx, nil)
	other := s.Subscribe(context.Background(), nil)

	cancel()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, 10*time.Millisecond)

	s.Publish(1)
	assert.Equal(t, []int{1}, collect(t, other, 1))
}

func TestStreamCloseDrains(t *testing.T) {
	s := New[int]()
	sub := s.Subscribe(context.Background(), nil)

	s.Publish(1)
	s.Publish(2)
	s.Close()
	s.Close()

	assert.False(t, s.Publish(3))
	assert.True(t, s.Closed())

	select {
	case <-sub.Done():
		t.Fatal("Done closed before queued values were delivered")
	default:
	}

	var got []int
	for v := range sub.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2}, got)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after the stream drained")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	s := New[int]()
	s.Close()

	sub := s.Subscribe(context.Background(), nil)
	_, err := sub.Next(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	sub.Close()
}

func TestNextContext(t *testing.T) {
	s := New[int]()
	defer s.Close()

	sub := s.Subscribe(context.Background(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
