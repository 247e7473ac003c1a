package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueuePushConsume(t *testing.T) {
	q := NewMemoryQueue()
	defer func() { _ = q.Disconnect(context.Background()) }()

	var mu sync.Mutex
	var got []string
	require.NoError(t, q.Consume("jobs", 2, func(ctx context.Context, payload []byte) error {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		return nil
	}))

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(context.Background(), "jobs", []byte(p)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
	mu.Unlock()
}

func TestMemoryQueueIsolatesNames(t *testing.T) {
	q := NewMemoryQueue()
	defer func() { _ = q.Disconnect(context.Background()) }()

	seen := make(chan string, 4)
	require.NoError(t, q.Consume("one", 1, func(ctx context.Context, payload []byte) error {
		seen <- "one:" + string(payload)
		return nil
	}))
	require.NoError(t, q.Consume("two", 1, func(ctx context.Context, payload []byte) error {
		seen <- "two:" + string(payload)
		return nil
	}))

	require.NoError(t, q.Push(context.Background(), "one", []byte("x")))

	select {
	case got := <-seen:
		assert.Equal(t, "one:x", got)
	case <-time.After(time.Second):
		t.Fatal("job never consumed")
	}
	select {
	case got := <-seen:
		t.Fatalf("unexpected delivery %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoneDriverDropsJobs(t *testing.T) {
	q, err := New(Config{Driver: "none"})
	require.NoError(t, err)
	assert.NoError(t, q.Push(context.Background(), "jobs", []byte("x")))
}

func TestUnknownAndUnbuiltDrivers(t *testing.T) {
	_, err := New(Config{Driver: "sqs"})
	assert.Error(t, err)
	_, err = New(Config{Driver: "rabbit"})
	assert.Error(t, err)
}
