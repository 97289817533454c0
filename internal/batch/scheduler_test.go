package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferd/internal/session"
	"inferd/pkg/types"
)

// fakeExecutor records dispatched batches and echoes inputs.
type fakeExecutor struct {
	mu      sync.Mutex
	batches [][]types.Payload
	delay   time.Duration
	err     error
	// itemErr, when set, fails individual items.
	itemErr func(in types.Payload) error
}

func (f *fakeExecutor) ExecuteBatch(ctx context.Context, model string, inputs []types.Payload) ([]session.ExecResult, error) {
	f.mu.Lock()
	batch := make([]types.Payload, len(inputs))
	copy(batch, inputs)
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	results := make([]session.ExecResult, len(inputs))
	for i, in := range inputs {
		if f.itemErr != nil {
			if err := f.itemErr(in); err != nil {
				results[i].Err = err
				continue
			}
		}
		results[i].Output = in
	}
	return results, nil
}

func (f *fakeExecutor) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func newTestScheduler(t *testing.T, cfg Config, exec Executor) *Scheduler {
	t.Helper()
	s := New(cfg, exec)
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func payload(tag string) types.Payload {
	return types.Payload{Data: []byte(tag), Shape: []int64{1}, DType: "f32"}
}

func TestBatchFormsAtMaxSize(t *testing.T) {
	f := &fakeExecutor{}
	s := newTestScheduler(t, Config{MaxBatchSize: 4, BatchTimeout: 50 * time.Millisecond}, f)

	start := time.Now()
	var chans []<-chan types.InferenceResult
	for i := 0; i < 4; i++ {
		ch, err := s.Submit(context.Background(), types.InferenceRequest{Model: "m1", Input: payload("x")})
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		res := <-ch
		assert.Equal(t, types.StateCompleted, res.State)
	}
	// The size trigger fired; nothing waited out the batch timeout.
	assert.Less(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, []int{4}, f.batchSizes())
}

func TestPartialBatchDispatchesAfterBatchTimeout(t *testing.T) {
	f := &fakeExecutor{}
	s := newTestScheduler(t, Config{MaxBatchSize: 4, BatchTimeout: 50 * time.Millisecond}, f)

	start := time.Now()
	ch, err := s.Submit(context.Background(), types.InferenceRequest{Model: "m1", Input: payload("solo")})
	require.NoError(t, err)
	res := <-ch
	elapsed := time.Since(start)

	assert.Equal(t, types.StateCompleted, res.State)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond, "batch of one must wait out the batch timeout")
	assert.Equal(t, []int{1}, f.batchSizes())
}

func TestQueuedRequestTimesOutWithoutDisturbingSiblings(t *testing.T) {
	f := &fakeExecutor{}
	s := newTestScheduler(t, Config{MaxBatchSize: 16, BatchTimeout: 60 * time.Millisecond}, f)

	short, err := s.Submit(context.Background(), types.InferenceRequest{
		Model: "m1", Input: payload("short"), Timeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	long, err := s.Submit(context.Background(), types.InferenceRequest{
		Model: "m1", Input: payload("long"), Timeout: time.Second,
	})
	require.NoError(t, err)

	res := <-short
	assert.Equal(t, types.StateTimedOut, res.State)
	assert.True(t, IsRequestTimeout(res.Err), "got %v", res.Err)

	res = <-long
	assert.Equal(t, types.StateCompleted, res.State)
	// The expired sibling never reached the executor.
	require.Len(t, f.batches, 1)
	require.Len(t, f.batches[0], 1)
	assert.Equal(t, "long", string(f.batches[0][0].Data))
}

func TestCancellationWhileQueued(t *testing.T) {
	f := &fakeExecutor{}
	s := newTestScheduler(t, Config{MaxBatchSize: 16, BatchTimeout: time.Second}, f)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("x"), Timeout: time.Second})
	require.NoError(t, err)
	cancel()

	select {
	case res := <-ch:
		assert.Equal(t, types.StateCancelled, res.State)
		assert.ErrorIs(t, res.Err, context.Canceled)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("cancellation not honored while queued")
	}
	assert.Equal(t, 0, s.Depth("m1"))
	assert.Empty(t, f.batchSizes())
}

func TestCancellationNotHonoredAfterDispatch(t *testing.T) {
	f := &fakeExecutor{delay: 50 * time.Millisecond}
	s := newTestScheduler(t, Config{Disabled: true}, f)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("x"), Timeout: time.Second})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond) // request is mid-execution by now
	cancel()

	res := <-ch
	assert.Equal(t, types.StateCompleted, res.State)
}

func TestDisabledBatchingDispatchesSingles(t *testing.T) {
	f := &fakeExecutor{}
	s := newTestScheduler(t, Config{Disabled: true, MaxBatchSize: 8}, f)

	var chans []<-chan types.InferenceResult
	for i := 0; i < 3; i++ {
		ch, err := s.Submit(context.Background(), types.InferenceRequest{Model: "m1", Input: payload("x")})
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		res := <-ch
		assert.Equal(t, types.StateCompleted, res.State)
	}
	assert.Equal(t, []int{1, 1, 1}, f.batchSizes())
}

func TestPriorityOrdersBatchMembers(t *testing.T) {
	f := &fakeExecutor{}
	s := newTestScheduler(t, Config{MaxBatchSize: 3, BatchTimeout: time.Second}, f)

	ctx := context.Background()
	ch1, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("low"), Priority: types.PriorityLow})
	require.NoError(t, err)
	ch2, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("normal"), Priority: types.PriorityNormal})
	require.NoError(t, err)
	ch3, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("critical"), Priority: types.PriorityCritical})
	require.NoError(t, err)

	for _, ch := range []<-chan types.InferenceResult{ch1, ch2, ch3} {
		res := <-ch
		require.Equal(t, types.StateCompleted, res.State)
	}
	require.Len(t, f.batches, 1)
	var order []string
	for _, in := range f.batches[0] {
		order = append(order, string(in.Data))
	}
	assert.Equal(t, []string{"critical", "normal", "low"}, order)
}

func TestStableFIFOWithinPriority(t *testing.T) {
	f := &fakeExecutor{}
	s := newTestScheduler(t, Config{MaxBatchSize: 3, BatchTimeout: time.Second}, f)

	ctx := context.Background()
	for _, tag := range []string{"first", "second", "third"} {
		_, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload(tag), Priority: types.PriorityNormal})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(f.batchSizes()) == 1 }, time.Second, time.Millisecond)
	var order []string
	for _, in := range f.batches[0] {
		order = append(order, string(in.Data))
	}
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestItemFailureIsIsolatedWithinBatch(t *testing.T) {
	f := &fakeExecutor{itemErr: func(in types.Payload) error {
		if strings.HasPrefix(string(in.Data), "poison") {
			return errors.New("bad tensor")
		}
		return nil
	}}
	s := newTestScheduler(t, Config{MaxBatchSize: 3, BatchTimeout: time.Second}, f)

	ctx := context.Background()
	chA, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("a")})
	require.NoError(t, err)
	chPoison, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("poison")})
	require.NoError(t, err)
	chB, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("b")})
	require.NoError(t, err)

	resA, resPoison, resB := <-chA, <-chPoison, <-chB
	assert.Equal(t, types.StateCompleted, resA.State)
	assert.Equal(t, types.StateCompleted, resB.State)
	assert.Equal(t, types.StateFailed, resPoison.State)
	assert.Error(t, resPoison.Err)
}

func TestBatchLevelFailureResolvesEachMember(t *testing.T) {
	cause := errors.New("model load failed")
	f := &fakeExecutor{err: cause}
	s := newTestScheduler(t, Config{MaxBatchSize: 2, BatchTimeout: time.Second}, f)

	ctx := context.Background()
	ch1, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("a")})
	require.NoError(t, err)
	ch2, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("b")})
	require.NoError(t, err)

	for _, ch := range []<-chan types.InferenceResult{ch1, ch2} {
		res := <-ch
		assert.Equal(t, types.StateFailed, res.State)
		assert.ErrorIs(t, res.Err, cause)
	}
}

func TestQueueDepthBackpressure(t *testing.T) {
	f := &fakeExecutor{}
	s := newTestScheduler(t, Config{MaxBatchSize: 16, BatchTimeout: time.Second, MaxQueueDepth: 2}, f)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("x"), Timeout: time.Second})
		require.NoError(t, err)
	}
	_, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("x"), Timeout: time.Second})
	assert.True(t, IsQueueFull(err), "got %v", err)
}

func TestIndependentModelQueues(t *testing.T) {
	f := &fakeExecutor{}
	s := newTestScheduler(t, Config{MaxBatchSize: 2, BatchTimeout: time.Second}, f)

	ctx := context.Background()
	// m1 fills a batch and dispatches; m2's lone request stays queued.
	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, types.InferenceRequest{Model: "m1", Input: payload("m1")})
		require.NoError(t, err)
	}
	_, err := s.Submit(ctx, types.InferenceRequest{Model: "m2", Input: payload("m2"), Timeout: time.Minute})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.batchSizes()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, s.Depth("m2"))
}

func TestCloseResolvesQueuedAsCancelled(t *testing.T) {
	f := &fakeExecutor{}
	s := New(Config{MaxBatchSize: 16, BatchTimeout: time.Minute}, f)
	s.Start()

	ch, err := s.Submit(context.Background(), types.InferenceRequest{Model: "m1", Input: payload("x"), Timeout: time.Minute})
	require.NoError(t, err)
	s.Close()

	res := <-ch
	assert.Equal(t, types.StateCancelled, res.State)
	assert.ErrorIs(t, res.Err, ErrSchedulerClosed)

	_, err = s.Submit(context.Background(), types.InferenceRequest{Model: "m1", Input: payload("x")})
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestCancellationHonoredUnderConcurrentSubmits(t *testing.T) {
	f := &fakeExecutor{delay: 5 * time.Millisecond}
	// BatchTimeout of a minute keeps the sweep from rescuing a request whose
	// cancellation went unobserved; only the watcher can resolve it promptly.
	s := newTestScheduler(t, Config{MaxBatchSize: 2, BatchTimeout: time.Minute}, f)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Submit(context.Background(), types.InferenceRequest{
				Model: "m1", Input: payload("high"), Priority: types.PriorityHigh, Timeout: time.Minute,
			})
		}()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Submit(ctx, types.InferenceRequest{
		Model: "m1", Input: payload("low"), Priority: types.PriorityLow, Timeout: time.Minute,
	})
	require.NoError(t, err)
	wg.Wait()
	cancel()

	select {
	case res := <-ch:
		// Cancelled while still queued, or completed if a batch took it first.
		assert.Contains(t, []types.RequestState{types.StateCancelled, types.StateCompleted}, res.State)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation ignored for a queued request")
	}
}

func TestCloseRacingSubmitsResolvesEveryAccepted(t *testing.T) {
	f := &fakeExecutor{delay: time.Millisecond}
	s := New(Config{MaxBatchSize: 2, BatchTimeout: time.Minute}, f)
	s.Start()

	accepted := make(chan (<-chan types.InferenceResult), 32)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := s.Submit(context.Background(), types.InferenceRequest{
				Model: "m1", Input: payload("x"), Timeout: time.Minute,
			})
			if err == nil {
				accepted <- ch
			}
		}()
	}
	time.Sleep(2 * time.Millisecond)
	s.Close()
	wg.Wait()
	close(accepted)

	// Close returned, so no dispatch goroutine may still be running; every
	// accepted request must already hold a terminal result.
	for ch := range accepted {
		select {
		case res := <-ch:
			require.True(t, res.State.Terminal(), "state %s", res.State)
		case <-time.After(2 * time.Second):
			t.Fatal("accepted request never resolved")
		}
	}
}

func TestSubmitRejectsEmptyModel(t *testing.T) {
	s := newTestScheduler(t, Config{}, &fakeExecutor{})
	_, err := s.Submit(context.Background(), types.InferenceRequest{})
	assert.True(t, IsMissingModel(err))
}
