package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/transport"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]string
	entered int
	err     error
	release chan struct{}
}

func (p *recordingProcessor) Process(ctx context.Context, batch []transport.Message) ([]events.Event, error) {
	p.mu.Lock()
	p.entered++
	p.mu.Unlock()

	if p.release != nil {
		<-p.release
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	p.batches = append(p.batches, ids)

	if p.err != nil {
		return nil, p.err
	}

	return []events.Event{events.MessageFailed{MessageID: ids[0]}}, nil
}

func (p *recordingProcessor) sizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sizes []int
	for _, b := range p.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}

func pushAll(ctx context.Context, p *Pipeline, n int) []chan error {
	results := make([]chan error, n)
	for i := 0; i < n; i++ {
		results[i] = make(chan error, 1)
		go func(i int) {
			results[i] <- p.Push(ctx, transport.Message{ID: fmt.Sprintf("m%d", i)})
		}(i)
	}
	return results
}

func TestPipelineDrainsAvailableItemsIntoBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor := &recordingProcessor{}
	recorder := &events.Recorder{}
	p := NewPipeline(processor, recorder, PipelineConfig{MaxConcurrency: 2, QueueCapacity: 8}, logger.Discard())

	results := pushAll(ctx, p, 3)
	require.Eventually(t, func() bool { return len(p.queue) == 3 }, time.Second, 5*time.Millisecond)

	go p.Run(ctx)

	for _, r := range results {
		require.NoError(t, <-r)
	}

	assert.Equal(t, []int{2, 1}, processor.sizes())
	assert.Len(t, recorder.Events(), 2)
}

func TestPipelineFailsEveryItemOfAFailedBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor := &recordingProcessor{err: errors.New("store down")}
	p := NewPipeline(processor, &events.Recorder{}, PipelineConfig{MaxConcurrency: 4, QueueCapacity: 4}, logger.Discard())

	results := pushAll(ctx, p, 3)
	require.Eventually(t, func() bool { return len(p.queue) == 3 }, time.Second, 5*time.Millisecond)

	go p.Run(ctx)

	for _, r := range results {
		err := <-r
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store down")
	}
}

func TestPipelinePushBlocksWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor := &recordingProcessor{release: make(chan struct{})}
	p := NewPipeline(processor, &events.Recorder{}, PipelineConfig{MaxConcurrency: 1, QueueCapacity: 1}, logger.Discard())
	go p.Run(ctx)

	// first message is taken by the consumer and blocks in Process, second fills the queue
	first := pushAll(ctx, p, 1)
	require.Eventually(t, func() bool {
		processor.mu.Lock()
		defer processor.mu.Unlock()
		return processor.entered == 1
	}, time.Second, 5*time.Millisecond)
	second := pushAll(ctx, p, 1)
	require.Eventually(t, func() bool { return len(p.queue) == 1 }, time.Second, 5*time.Millisecond)

	pushCtx, pushCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer pushCancel()
	err := p.Push(pushCtx, transport.Message{ID: "blocked"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(processor.release)
	require.NoError(t, <-first[0])
	require.NoError(t, <-second[0])
}

func TestPipelineFailsQueuedItemsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := NewPipeline(&recordingProcessor{}, &events.Recorder{}, PipelineConfig{MaxConcurrency: 1, QueueCapacity: 2}, logger.Discard())
	item := &pendingMessage{msg: transport.Message{ID: "late"}, done: make(chan error, 1)}
	p.queue <- item

	cancel()
	p.failQueued()
	assert.ErrorIs(t, <-item.done, ErrPipelineStopped)

	require.NoError(t, p.Run(ctx))
}
