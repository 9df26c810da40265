package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"refframe/internal/agent"
	"refframe/internal/config"
	"refframe/internal/mosaic"
	"refframe/internal/pipeline"
	"refframe/internal/storage"
)

func TestBuildSubmitsJobWithFlags(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	output := filepath.Join(t.TempDir(), "eye_ref.png")

	args := []string{"build", "eye.trace.json",
		"--video", "eye.avi",
		"-o", output,
		"--subpixel", "2",
		"--strip-height", "5",
		"--bad-frames", "3,4",
		"--verbosity", "perFrame",
		"--enhance=false",
		"--overwrite",
	}
	if err := root.Run(context.Background(), args); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	jobs := fakePipe.submitted()
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.ID == "" {
		t.Fatalf("expected a generated run id")
	}
	if job.TracePath != "eye.trace.json" || job.VideoPath != "eye.avi" || job.Output != output {
		t.Fatalf("unexpected paths: %+v", job)
	}
	o := job.Options
	if o.SubpixelExponent != 2 || o.NewStripHeight != 5 {
		t.Fatalf("expected subpixel 2 and strip height 5, got %d and %d", o.SubpixelExponent, o.NewStripHeight)
	}
	if !reflect.DeepEqual(o.BadFrames, []int{3, 4}) {
		t.Fatalf("unexpected bad frames %v", o.BadFrames)
	}
	if o.Verbosity != mosaic.VerbosityPerFrame || o.EnhanceStrips || !o.Overwrite {
		t.Fatalf("boolean and verbosity flags not applied: %+v", o)
	}
	if o.MinPeakThreshold != root.cfg.Mosaic.MinPeakThreshold {
		t.Fatalf("expected configured min peak %v, got %v", root.cfg.Mosaic.MinPeakThreshold, o.MinPeakThreshold)
	}

	text := out.String()
	if !strings.Contains(text, "run "+job.ID+" completed") {
		t.Fatalf("expected completion line in %q", text)
	}
	if !strings.Contains(text, output) {
		t.Fatalf("expected output path in %q", text)
	}
}

func TestBuildValidatesArguments(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"build"}); err == nil {
		t.Fatalf("expected error for missing trace")
	}
	if err := root.Run(context.Background(), []string{"build", "a.trace.json", "--subpixel", "9"}); err == nil {
		t.Fatalf("expected error for out-of-range subpixel exponent")
	}
	if err := root.Run(context.Background(), []string{"build", "a.trace.json", "--verbosity", "loud"}); err == nil {
		t.Fatalf("expected error for unknown verbosity")
	}
	if n := len(fakePipe.submitted()); n != 0 {
		t.Fatalf("expected no jobs, got %d", n)
	}
}

func TestBuildPropagatesRunErrors(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	fakePipe.jobErrors["broken.trace.json"] = errors.New("decode trace")

	err := root.Run(context.Background(), []string{"build", "broken.trace.json"})
	if err == nil || !strings.Contains(err.Error(), "decode trace") {
		t.Fatalf("expected run error, got %v", err)
	}
}

func TestEnqueueAndWaitCancelsOnContextEnd(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	fakePipe.hold = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := root.enqueueAndWait(ctx, pipeline.Job{ID: "slow", TracePath: "slow.trace.json"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got := fakePipe.canceledIDs(); len(got) != 1 || got[0] != "slow" {
		t.Fatalf("expected run to be canceled, got %v", got)
	}
}

func TestCommandsWithoutPipeline(t *testing.T) {
	root, _, _ := newTestRoot(t)
	root.pipeline = nil
	if err := root.Run(context.Background(), []string{"build", "a.trace.json"}); !errors.Is(err, errNoPipeline) {
		t.Fatalf("expected errNoPipeline, got %v", err)
	}
	root.store = nil
	if err := root.Run(context.Background(), []string{"runs"}); !errors.Is(err, errNoStore) {
		t.Fatalf("expected errNoStore, got %v", err)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	watchDir := t.TempDir()

	var got serveOptions
	root.serveFn = func(ctx context.Context, opts serveOptions) error {
		got = opts
		return nil
	}
	args := []string{"serve", "--addr", ":9999", "--grpc-addr", "", "--watch", watchDir, "--scan-existing"}
	if err := root.Run(context.Background(), args); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	want := serveOptions{Addr: ":9999", WatchDir: watchDir, ScanExisting: true}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestServeDefaultsComeFromConfig(t *testing.T) {
	root, _, _ := newTestRoot(t)
	root.cfg.Server.Addr = ":7070"
	root.cfg.Server.GRPCAddr = ":7071"

	var got serveOptions
	root.serveFn = func(ctx context.Context, opts serveOptions) error {
		got = opts
		return nil
	}
	if err := root.Run(context.Background(), []string{"serve"}); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if got.Addr != ":7070" || got.GRPCAddr != ":7071" {
		t.Fatalf("expected configured addresses, got %+v", got)
	}
}

func TestRunsListsLocalStore(t *testing.T) {
	root, _, out := newTestRoot(t)
	started := time.Now().Add(-2 * time.Second)
	done := started.Add(1500 * time.Millisecond)
	root.store = &fakeStore{runs: []storage.RunRecord{
		{ID: "run-2", Status: storage.StatusCompleted, TracePath: "b.trace.json", OutputPath: "b_ref.png", CreatedAt: started, StartedAt: &started, CompletedAt: &done},
		{ID: "run-1", Status: storage.StatusFailed, TracePath: "a.trace.json", CreatedAt: started},
	}}

	if err := root.Run(context.Background(), []string{"runs", "-n", "5"}); err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if got := root.store.(*fakeStore).limit; got != 5 {
		t.Fatalf("expected limit 5, got %d", got)
	}
	text := out.String()
	for _, want := range []string{"STATUS", "run-2", "completed", "b_ref.png", "1.5s", "run-1", "failed"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}
}

func TestRemoteCommandsUseDialer(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	remote := &fakeRemote{runs: []storage.RunRecord{{ID: "remote-run", Status: storage.StatusRunning, CreatedAt: time.Now()}}}
	var dialed []agent.Config
	root.dial = func(cfg agent.Config) (remoteClient, error) {
		dialed = append(dialed, cfg)
		return remote, nil
	}

	ctx := context.Background()
	if err := root.Run(ctx, []string{"submit", "eye.trace.json", "--server", "recon01:9090", "--subpixel", "1"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := root.Run(ctx, []string{"cancel", "remote-run", "--server", "recon01:9090"}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := root.Run(ctx, []string{"runs", "--server", "recon01:9090"}); err != nil {
		t.Fatalf("runs failed: %v", err)
	}

	if len(dialed) != 3 {
		t.Fatalf("expected three dials, got %d", len(dialed))
	}
	for _, cfg := range dialed {
		if cfg.ServerAddress != "recon01:9090" || !cfg.Insecure {
			t.Fatalf("unexpected dial config %+v", cfg)
		}
	}
	if len(remote.jobs) != 1 || remote.jobs[0].TracePath != "eye.trace.json" || remote.jobs[0].Options.SubpixelExponent != 1 {
		t.Fatalf("unexpected remote jobs %+v", remote.jobs)
	}
	if !reflect.DeepEqual(remote.canceled, []string{"remote-run"}) {
		t.Fatalf("unexpected cancels %v", remote.canceled)
	}
	if remote.closes != 3 {
		t.Fatalf("expected every connection closed, got %d closes", remote.closes)
	}
	if n := len(fakePipe.submitted()); n != 0 {
		t.Fatalf("remote commands must not use the local pipeline, got %d jobs", n)
	}

	text := out.String()
	for _, want := range []string{"remote-1", "canceled remote-run", "running"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}
}

func TestSubmitDefaultsToConfiguredServer(t *testing.T) {
	root, _, _ := newTestRoot(t)
	root.cfg.Server.GRPCAddr = ":9191"
	var addr string
	root.dial = func(cfg agent.Config) (remoteClient, error) {
		addr = cfg.ServerAddress
		return &fakeRemote{}, nil
	}
	if err := root.Run(context.Background(), []string{"submit", "eye.trace.json"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if addr != "localhost:9191" {
		t.Fatalf("expected localhost:9191, got %q", addr)
	}
}

func TestWatchBuildsNewTracesLocally(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- root.Run(ctx, []string{"watch", dir, "--settle", "50ms"})
	}()

	// give the watcher time to register the directory
	time.Sleep(150 * time.Millisecond)
	tracePath := filepath.Join(dir, "eye02.trace.json")
	if err := os.WriteFile(tracePath, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write trace: %v", err)
	}

	waitFor(t, func() bool { return strings.Contains(out.String(), "completed") })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}

	jobs := fakePipe.submitted()
	if len(jobs) != 1 || jobs[0].TracePath != tracePath {
		t.Fatalf("expected one job for %s, got %+v", tracePath, jobs)
	}
	if jobs[0].Options.NewStripHeight != root.cfg.Mosaic.NewStripHeight {
		t.Fatalf("expected configured defaults on watched runs")
	}
}

func TestWatchRequiresDirectory(t *testing.T) {
	root, _, _ := newTestRoot(t)
	root.cfg.Paths.WatchDir = ""
	if err := root.Run(context.Background(), []string{"watch"}); err == nil {
		t.Fatalf("expected error without a directory")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, out := newTestRoot(t)

	if err := root.Run(context.Background(), []string{"config", "show"}); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out.String(), "Mosaic defaults") {
		t.Fatalf("expected configuration output, got %q", out.String())
	}

	out.Reset()
	if err := root.Run(context.Background(), []string{"config", "show", "--json"}); err != nil {
		t.Fatalf("config show --json failed: %v", err)
	}
	if !strings.Contains(out.String(), `"new_strip_height"`) {
		t.Fatalf("expected JSON options, got %q", out.String())
	}

	out.Reset()
	if err := root.Run(context.Background(), []string{"config", "path"}); err != nil {
		t.Fatalf("config path failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != config.Path() {
		t.Fatalf("expected %s, got %q", config.Path(), out.String())
	}

	out.Reset()
	if err := root.Run(context.Background(), []string{"config", "validate"}); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}

	root.cfg.Mosaic.NewStripHeight = 0
	if err := root.Run(context.Background(), []string{"config", "validate"}); err == nil {
		t.Fatalf("expected invalid configuration")
	}

	out.Reset()
	if err := root.Run(context.Background(), []string{"version"}); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "refframe "+Version) {
		t.Fatalf("expected version string, got %q", out.String())
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *syncBuffer) {
	t.Helper()

	tmp := t.TempDir()
	t.Setenv(config.EnvPath, filepath.Join(tmp, "config.json"))
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "refframe.db")
	cfg.Processing.TempDir = filepath.Join(tmp, "temp")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	out := &syncBuffer{}

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    &fakeStore{},
		out:      out,
		dial: func(agent.Config) (remoteClient, error) {
			return nil, errors.New("no server in tests")
		},
	}
	root.serveFn = root.serve
	return root, pipe, out
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	canceled  []string
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error // keyed by trace path
	hold      bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) (string, error) {
	f.mu.Lock()
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	}
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.jobErrors[job.TracePath]
	hold := f.hold
	f.mu.Unlock()

	if !hold {
		res := pipeline.Result{Job: job, Status: storage.StatusCompleted, Error: err}
		if err != nil {
			res.Status = storage.StatusFailed
		} else {
			output := job.Output
			if output == "" {
				output = "derived_ref.png"
			}
			res.Meta = map[string]any{"output": output, "width": 8, "height": 6}
		}
		go func() {
			for _, ch := range subs {
				ch <- res
			}
		}()
	}
	return job.ID, nil
}

func (f *fakePipeline) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return true
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 8)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakePipeline) SubscribeProgress() (<-chan pipeline.Progress, func()) {
	return make(chan pipeline.Progress), func() {}
}

func (f *fakePipeline) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func (f *fakePipeline) canceledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

type fakeStore struct {
	runs  []storage.RunRecord
	limit int
}

func (s *fakeStore) RecentRuns(limit int) ([]storage.RunRecord, error) {
	s.limit = limit
	return s.runs, nil
}

func (s *fakeStore) Run(id string) (storage.RunRecord, error) {
	for _, r := range s.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return storage.RunRecord{}, storage.ErrNotFound
}

func (s *fakeStore) RunMeta(id string) (map[string]any, error) {
	return nil, storage.ErrNotFound
}

func (s *fakeStore) LoadReference(outputPath string) (*storage.ReferenceRecord, error) {
	return nil, storage.ErrNotFound
}

type fakeRemote struct {
	jobs     []pipeline.Job
	traces   []string
	canceled []string
	runs     []storage.RunRecord
	closes   int
}

func (r *fakeRemote) Submit(ctx context.Context, job pipeline.Job) (string, error) {
	r.jobs = append(r.jobs, job)
	return fmt.Sprintf("remote-%d", len(r.jobs)), nil
}

func (r *fakeRemote) SubmitTrace(ctx context.Context, tracePath string) (string, error) {
	r.traces = append(r.traces, tracePath)
	return fmt.Sprintf("remote-trace-%d", len(r.traces)), nil
}

func (r *fakeRemote) ListRuns(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	return r.runs, nil
}

func (r *fakeRemote) Cancel(ctx context.Context, id string) error {
	r.canceled = append(r.canceled, id)
	return nil
}

func (r *fakeRemote) WatchResults(ctx context.Context, fn func(agent.RunResult) error) error {
	<-ctx.Done()
	return nil
}

func (r *fakeRemote) Close() error {
	r.closes++
	return nil
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of watch.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
