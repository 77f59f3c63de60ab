package scheduler

import (
	"context"
	"dmagma/internal/catalog"
	"dmagma/internal/chord"
	"dmagma/internal/types"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingDispatcher checks the chord exists when each task leaves
type recordingDispatcher struct {
	mu        sync.Mutex
	barrier   chord.Barrier
	pipelines []types.PipelineTask
	reduces   []types.ReduceTask
	failAfter int // fail pipeline dispatches past this count, <0 never
	failRed   bool
	unopened  int
}

func (d *recordingDispatcher) DispatchPipeline(ctx context.Context, task types.PipelineTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.barrier.Status(ctx, task.Handle); err != nil {
		d.unopened++
	}
	if d.failAfter >= 0 && len(d.pipelines) >= d.failAfter {
		return errors.New("broker unreachable")
	}
	d.pipelines = append(d.pipelines, task)
	return nil
}

func (d *recordingDispatcher) DispatchReduce(ctx context.Context, task types.ReduceTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRed {
		return errors.New("broker unreachable")
	}
	d.reduces = append(d.reduces, task)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *recordingDispatcher, chord.Barrier) {
	t.Helper()
	barrier := chord.NewMemory()
	dispatcher := &recordingDispatcher{barrier: barrier, failAfter: -1}
	s := NewScheduler(SchedulerParams{
		Validator:  catalog.NewValidator(catalog.New([]string{"afl", "honggfuzz"}, []string{"libpng", "openssl"})),
		Barrier:    barrier,
		Dispatcher: dispatcher,
		Logger:     zap.NewNop(),
	})
	return s, dispatcher, barrier
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%02d", n)
	}
}

func sampleCampaign() *types.Campaign {
	return &types.Campaign{
		ID:      "C1",
		Poll:    5,
		Timeout: 60,
		Fuzzers: []types.Fuzzer{
			{Name: "afl", Targets: []types.Target{
				{Name: "libpng", Programs: []types.Program{{Name: "libpng_read_fuzzer", Args: "-x"}}},
				{Name: "openssl", Programs: []types.Program{{Name: "asn1"}, {Name: "server"}}},
			}},
			{Name: "honggfuzz", Targets: []types.Target{
				{Name: "libpng", Programs: []types.Program{{Name: "libpng_read_fuzzer"}}},
			}},
		},
	}
}

func TestExpand(t *testing.T) {
	tasks := Expand(sampleCampaign(), "h", sequentialIDs())
	require.Len(t, tasks, 4)

	var leaves []string
	for _, task := range tasks {
		leaves = append(leaves, task.Fuzzer+"/"+task.Target+"/"+task.Program)
		assert.Equal(t, "h", task.Handle)
		assert.Equal(t, "C1", task.CampaignID)
		assert.Equal(t, 5, task.Poll)
		assert.Equal(t, 60, task.Timeout)
	}
	assert.Equal(t, []string{
		"afl/libpng/libpng_read_fuzzer",
		"afl/openssl/asn1",
		"afl/openssl/server",
		"honggfuzz/libpng/libpng_read_fuzzer",
	}, leaves)
	assert.Equal(t, "id-01", tasks[0].PipelineID)
	assert.Equal(t, "id-04", tasks[3].PipelineID)
	assert.Equal(t, "-x", tasks[0].Args)
	assert.Empty(t, tasks[1].Args)
}

func TestExpand_NoPrograms(t *testing.T) {
	c := &types.Campaign{ID: "C1", Poll: 1, Timeout: 1, Fuzzers: []types.Fuzzer{
		{Name: "afl", Targets: []types.Target{{Name: "libpng"}}},
	}}
	assert.Empty(t, Expand(c, "h", sequentialIDs()))
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches every leaf after opening the chord", func(t *testing.T) {
		s, dispatcher, barrier := newTestScheduler(t)

		handle, err := s.Schedule(ctx, sampleCampaign())
		require.NoError(t, err)
		require.NotEmpty(t, handle)

		require.Len(t, dispatcher.pipelines, 4)
		assert.Zero(t, dispatcher.unopened)
		assert.Empty(t, dispatcher.reduces)

		ids := make(map[string]struct{})
		for _, task := range dispatcher.pipelines {
			assert.Equal(t, handle, task.Handle)
			ids[task.PipelineID] = struct{}{}
		}
		assert.Len(t, ids, 4)
		assert.NotContains(t, ids, handle)

		status, err := barrier.Status(ctx, handle)
		require.NoError(t, err)
		assert.Equal(t, chord.StatePending, status.State)
		assert.Equal(t, "C1", status.CampaignID)
		assert.Equal(t, 4, status.Total)
		assert.Zero(t, status.Terminal)
	})

	t.Run("rejects an invalid campaign before dispatching", func(t *testing.T) {
		s, dispatcher, _ := newTestScheduler(t)
		c := sampleCampaign()
		c.Fuzzers[1].Name = "libfuzzer"

		handle, err := s.Schedule(ctx, c)
		var verr *catalog.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Empty(t, handle)
		assert.Empty(t, dispatcher.pipelines)
		assert.Empty(t, dispatcher.reduces)
	})

	t.Run("each schedule gets a fresh handle", func(t *testing.T) {
		s, _, _ := newTestScheduler(t)
		first, err := s.Schedule(ctx, sampleCampaign())
		require.NoError(t, err)
		second, err := s.Schedule(ctx, sampleCampaign())
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("empty campaign dispatches reduce at once", func(t *testing.T) {
		s, dispatcher, barrier := newTestScheduler(t)
		c := &types.Campaign{ID: "C2", Poll: 1, Timeout: 1}

		handle, err := s.Schedule(ctx, c)
		require.NoError(t, err)
		assert.Empty(t, dispatcher.pipelines)
		require.Len(t, dispatcher.reduces, 1)
		assert.Equal(t, types.ReduceTask{Handle: handle, CampaignID: "C2"}, dispatcher.reduces[0])

		status, err := barrier.Status(ctx, handle)
		require.NoError(t, err)
		assert.Equal(t, chord.StateReducing, status.State)
	})

	t.Run("dispatch failure fails the rest and still fires reduce", func(t *testing.T) {
		s, dispatcher, barrier := newTestScheduler(t)
		dispatcher.failAfter = 2

		handle, err := s.Schedule(ctx, sampleCampaign())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker unreachable")
		require.NotEmpty(t, handle)
		require.Len(t, dispatcher.pipelines, 2)

		status, err := barrier.Status(ctx, handle)
		require.NoError(t, err)
		assert.Equal(t, 2, status.Failed)
		assert.Equal(t, 2, status.Terminal)
		assert.Equal(t, chord.StatePending, status.State)

		// the two dispatched pipelines complete later
		for _, task := range dispatcher.pipelines {
			fired, err := barrier.Arrive(ctx, handle, task.PipelineID, chord.Succeeded("key"))
			require.NoError(t, err)
			if fired {
				require.NoError(t, s.dispatchReduce(ctx, handle, "C1", ""))
			}
		}
		require.Len(t, dispatcher.reduces, 1)
	})

	t.Run("failure on the first dispatch fires reduce itself", func(t *testing.T) {
		s, dispatcher, barrier := newTestScheduler(t)
		dispatcher.failAfter = 0

		handle, err := s.Schedule(ctx, sampleCampaign())
		require.Error(t, err)
		assert.Empty(t, dispatcher.pipelines)
		require.Len(t, dispatcher.reduces, 1)

		status, err := barrier.Status(ctx, handle)
		require.NoError(t, err)
		assert.Equal(t, 4, status.Failed)
		assert.Equal(t, chord.StateReducing, status.State)
	})

	t.Run("failed reduce dispatch closes the chord", func(t *testing.T) {
		s, dispatcher, barrier := newTestScheduler(t)
		dispatcher.failRed = true

		handle, err := s.Schedule(ctx, &types.Campaign{ID: "C3", Poll: 1, Timeout: 1})
		require.Error(t, err)

		status, err := barrier.Status(ctx, handle)
		require.NoError(t, err)
		assert.Equal(t, chord.StateReduceFailed, status.State)
		assert.Contains(t, status.Detail, "failed to dispatch reduce")
	})
}
