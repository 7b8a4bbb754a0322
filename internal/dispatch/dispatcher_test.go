package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairfs/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func work(id int64) model.ReplicationWork {
	return model.ReplicationWork{
		Block:   model.Block{ID: model.BlockID(id), GenStamp: 1},
		Source:  "dn-1",
		Targets: []model.NodeID{"dn-2"},
	}
}

func TestDispatcher_DeliversWork(t *testing.T) {
	var mu sync.Mutex
	got := make(map[model.BlockID]bool)
	done := make(chan struct{}, 3)

	d := NewDispatcher(Config{Workers: 2, QueueSize: 8, Logger: zap.NewNop()},
		func(ctx context.Context, w model.ReplicationWork) error {
			mu.Lock()
			got[w.Block.ID] = true
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	defer d.Stop(time.Second)

	for i := int64(1); i <= 3; i++ {
		require.True(t, d.TrySubmit(work(i)))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("work not delivered")
		}
	}

	mu.Lock()
	assert.Len(t, got, 3)
	mu.Unlock()
	assert.Eventually(t, func() bool { return d.Stats().Delivered == 3 }, time.Second, 10*time.Millisecond)
}

func TestDispatcher_RejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(Config{Workers: 1, QueueSize: 1, Logger: zap.NewNop()},
		func(ctx context.Context, w model.ReplicationWork) error {
			<-release
			return nil
		})

	require.True(t, d.TrySubmit(work(1)))
	assert.Eventually(t, func() bool { return d.Stats().Active == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, d.TrySubmit(work(2)))
	assert.False(t, d.TrySubmit(work(3)))
	assert.Equal(t, uint64(1), d.Stats().Rejected)

	close(release)
	require.NoError(t, d.Stop(time.Second))
	assert.False(t, d.TrySubmit(work(4)))
}

func TestDispatcher_CountsFailuresAndPanics(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1, QueueSize: 4, Logger: zap.NewNop()},
		func(ctx context.Context, w model.ReplicationWork) error {
			if w.Block.ID == 1 {
				return fmt.Errorf("unknown node")
			}
			panic("boom")
		})
	defer d.Stop(time.Second)

	require.True(t, d.TrySubmit(work(1)))
	require.True(t, d.TrySubmit(work(2)))
	assert.Eventually(t, func() bool { return d.Stats().Failed == 2 }, time.Second, 10*time.Millisecond)
}

func TestDispatcher_SubmitWithContextCancelled(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(Config{Workers: 1, QueueSize: 1, Logger: zap.NewNop()},
		func(ctx context.Context, w model.ReplicationWork) error {
			<-release
			return nil
		})
	defer func() {
		close(release)
		d.Stop(time.Second)
	}()

	require.True(t, d.TrySubmit(work(1)))
	assert.Eventually(t, func() bool { return d.Stats().Active == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, d.TrySubmit(work(2)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.SubmitWithContext(ctx, work(3)), context.DeadlineExceeded)
}
