package control

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.Post(Finished("j1")))
	require.NoError(t, q.Post(Abort("j1")))
	require.NoError(t, q.Post(Fetch()))
	assert.Equal(t, 3, q.Len())

	for _, want := range []Message{Finished("j1"), Abort("j1"), Fetch()} {
		got, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueNextBlocksUntilPost(t *testing.T) {
	q := NewQueue()
	got := make(chan Message, 1)

	go func() {
		m, err := q.Next(context.Background())
		if err == nil {
			got <- m
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before anything was posted")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Post(Snapshot("j2")))
	select {
	case m := <-got:
		assert.Equal(t, RequestSnapshot, m.Kind)
		assert.Equal(t, types.JobID("j2"), m.JobID)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestQueueNextHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueClose(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Post(Fetch()))
	q.Close()

	assert.ErrorIs(t, q.Post(Fetch()), ErrQueueClosed)

	// queued messages drain first
	_, err := q.Next(context.Background())
	require.NoError(t, err)
	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := NewQueue()
	const producers, perProducer = 8, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Post(Message{Kind: FetchJob, JobID: types.JobID(fmt.Sprintf("%d-%04d", p, i))})
			}
		}(p)
	}
	wg.Wait()

	last := make(map[string]string)
	for i := 0; i < producers*perProducer; i++ {
		m, err := q.Next(context.Background())
		require.NoError(t, err)
		id := string(m.JobID)
		producer, seq := id[:1], id[2:]
		assert.Less(t, last[producer], seq)
		last[producer] = seq
	}
}

func TestMessageString(t *testing.T) {
	assert.Equal(t, "FetchJob", Fetch().String())
	assert.Equal(t, "AbortJob(j9)", Abort("j9").String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}
