package pipeline

import (
	"context"
	"dmagma/config"
	"dmagma/internal/toolkit"
	"dmagma/internal/types"
	"dmagma/pkg/storage"
	"dmagma/pkg/telemetry"
	"dmagma/pkg/watchdog"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeToolkit records calls and writes fuzzer output into the shared dir
type fakeToolkit struct {
	calls     []string
	outputDir string // overrides req.Shared when the container sees a volume name
	files     map[string]string
	lastStart toolkit.StartRequest

	buildErr error
	startErr error
}

func (f *fakeToolkit) Build(ctx context.Context, fuzzer, target string) error {
	f.calls = append(f.calls, "build "+fuzzer+"/"+target)
	return f.buildErr
}

func (f *fakeToolkit) Start(ctx context.Context, req toolkit.StartRequest) error {
	f.calls = append(f.calls, "start "+req.Program)
	f.lastStart = req
	if f.startErr != nil {
		return f.startErr
	}
	dir := req.Shared
	if f.outputDir != "" {
		dir = f.outputDir
	}
	for name, content := range f.files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeToolkit) Aggregate(ctx context.Context, stagedDir, reportPath string) error {
	return errors.New("not used")
}

// Pack writes a sorted listing of srcDir instead of a real tarball
func (f *fakeToolkit) Pack(ctx context.Context, srcDir, archive string) error {
	f.calls = append(f.calls, "pack")
	var names []string
	err := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(srcDir, path)
			names = append(names, rel)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(names)
	return os.WriteFile(archive, []byte(strings.Join(names, "\n")), 0644)
}

// failingStorage fails every Put
type failingStorage struct {
	storage.Storage
	err error
}

func (s *failingStorage) Put(ctx context.Context, localFile, key string) error {
	return s.err
}

func newTask() types.PipelineTask {
	return types.PipelineTask{
		Handle:     "h-1",
		CampaignID: "C1",
		PipelineID: "p-1",
		Fuzzer:     "afl",
		Target:     "libpng",
		Program:    "libpng_read_fuzzer",
		Poll:       5,
		Timeout:    60,
	}
}

func newRunner(tk toolkit.Toolkit, results storage.Storage, workdir config.WorkdirConfig) *Runner {
	return NewRunner(RunnerParams{
		Config:          &config.AppConfig{Workdir: workdir},
		Toolkit:         tk,
		Buckets:         storage.Buckets{Results: results, Reports: storage.NewMemory("reports")},
		WatchDogFactory: watchdog.NewWatchDogFactory(zap.NewNop()),
		TracerFactory:   telemetry.NewNoopTracerFactory(),
		Logger:          zap.NewNop(),
	})
}

func fetch(t *testing.T, s storage.Storage, key string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.Get(context.Background(), key, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	return string(data)
}

func TestRun_Success(t *testing.T) {
	tk := &fakeToolkit{files: map[string]string{"findings/crash-1": "boom", "monitor/0": "{}"}}
	results := storage.NewMemory("fuzz-results")
	r := newRunner(tk, results, config.WorkdirConfig{})

	key, err := r.Run(context.Background(), newTask())
	require.NoError(t, err)

	assert.Equal(t, "C1/afl/libpng/libpng_read_fuzzer/p-1/ball.tar", key)
	assert.Equal(t, []string{"build afl/libpng", "start libpng_read_fuzzer", "pack"}, tk.calls)
	assert.Equal(t, "findings/crash-1\nmonitor/0", fetch(t, results, key))

	assert.Equal(t, 5, tk.lastStart.Poll)
	assert.Equal(t, 60, tk.lastStart.Timeout)
	// the private workdir is gone once the pipeline ends
	_, err = os.Stat(tk.lastStart.Shared)
	assert.True(t, os.IsNotExist(err))
}

func TestRun_BuildFailureStops(t *testing.T) {
	tk := &fakeToolkit{buildErr: errors.New("unknown target")}
	results := storage.NewMemory("fuzz-results")

	_, err := newRunner(tk, results, config.WorkdirConfig{}).Run(context.Background(), newTask())

	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StageBuild, werr.Stage)
	assert.Contains(t, err.Error(), "unknown target")
	assert.Equal(t, []string{"build afl/libpng"}, tk.calls)

	keys, err := storage.Keys(results.List(context.Background(), ""))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRun_StartFailure(t *testing.T) {
	tk := &fakeToolkit{startErr: errors.New("container exited")}
	_, err := newRunner(tk, storage.NewMemory("r"), config.WorkdirConfig{}).Run(context.Background(), newTask())

	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StageStart, werr.Stage)
	assert.NotContains(t, tk.calls, "pack")
}

func TestRun_EmptyWorkdir(t *testing.T) {
	tk := &fakeToolkit{}
	results := storage.NewMemory("fuzz-results")

	_, err := newRunner(tk, results, config.WorkdirConfig{}).Run(context.Background(), newTask())

	assert.ErrorIs(t, err, ErrEmptyWorkdir)
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StagePack, werr.Stage)
	assert.NotContains(t, tk.calls, "pack")
	assert.False(t, results.BucketExists())
}

func TestRun_StoreFailureKeepsCause(t *testing.T) {
	tk := &fakeToolkit{files: map[string]string{"out": "x"}}
	cause := &storage.Error{Op: "put", Bucket: "b", Key: "k", Err: errors.New("connection reset")}
	results := &failingStorage{err: cause}

	_, err := newRunner(tk, results, config.WorkdirConfig{}).Run(context.Background(), newTask())

	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StageStore, werr.Stage)
	var serr *storage.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "put", serr.Op)
}

func TestRun_UndefinedPipelineID(t *testing.T) {
	tk := &fakeToolkit{}
	task := newTask()
	task.PipelineID = ""

	_, err := newRunner(tk, storage.NewMemory("r"), config.WorkdirConfig{}).Run(context.Background(), task)
	assert.ErrorIs(t, err, ErrUndefinedPipeline)
	assert.Empty(t, tk.calls)
}

func TestRun_InContainerUsesSharedMount(t *testing.T) {
	shared := filepath.Join(t.TempDir(), "shared-workdir")
	// stale results of a previous pipeline
	require.NoError(t, os.MkdirAll(filepath.Join(shared, "old"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "old", "stale"), []byte("x"), 0644))

	tk := &fakeToolkit{outputDir: shared, files: map[string]string{"fresh": "y"}}
	results := storage.NewMemory("fuzz-results")
	r := newRunner(tk, results, config.WorkdirConfig{
		InContainer:  true,
		SharedPath:   shared,
		SharedVolume: "shared-workdir-volume",
	})

	key, err := r.Run(context.Background(), newTask())
	require.NoError(t, err)

	assert.Equal(t, "shared-workdir-volume", tk.lastStart.Shared)
	assert.Equal(t, "fresh", fetch(t, results, key))
	// the shared mount stays in place
	_, err = os.Stat(shared)
	assert.NoError(t, err)
}

func TestRun_DistinctPipelinesDoNotCollide(t *testing.T) {
	results := storage.NewMemory("fuzz-results")
	r := newRunner(&fakeToolkit{files: map[string]string{"a": "1"}}, results, config.WorkdirConfig{})

	first := newTask()
	second := newTask()
	second.PipelineID = "p-2"

	k1, err := r.Run(context.Background(), first)
	require.NoError(t, err)
	k2, err := r.Run(context.Background(), second)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	keys, err := storage.Keys(results.List(context.Background(), types.CampaignPrefix("C1")))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{k1, k2}, keys)
}
