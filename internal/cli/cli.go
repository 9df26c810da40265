package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"refframe/internal/agent"
	"refframe/internal/config"
	"refframe/internal/pipeline"
	"refframe/internal/server"
	"refframe/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Cancel(id string) bool
	Subscribe() (<-chan pipeline.Result, func())
	SubscribeProgress() (<-chan pipeline.Progress, func())
}

// remoteClient is the part of *agent.Client the CLI uses against a server.
type remoteClient interface {
	Submit(ctx context.Context, job pipeline.Job) (string, error)
	SubmitTrace(ctx context.Context, tracePath string) (string, error)
	ListRuns(ctx context.Context, limit int) ([]storage.RunRecord, error)
	Cancel(ctx context.Context, id string) error
	WatchResults(ctx context.Context, fn func(agent.RunResult) error) error
	Close() error
}

type dialFunc func(cfg agent.Config) (remoteClient, error)

func defaultDial(cfg agent.Config) (remoteClient, error) {
	c, err := agent.Dial(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// serveOptions are the listeners started by the serve command.
type serveOptions struct {
	Addr     string
	GRPCAddr string
	WatchDir string

	// ScanExisting also builds traces already in WatchDir.
	ScanExisting bool
}

type serverFunc func(ctx context.Context, opts serveOptions) error

// Root wires CLI commands to the pipeline and the run store.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    server.Store
	out      io.Writer
	dial     dialFunc
	serveFn  serverFunc
}

// NewRoot constructs the CLI root. store may be nil when the database could
// not be opened; commands that need it report that.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:  cfg,
		log:  logger,
		out:  os.Stdout,
		dial: defaultDial,
	}
	if pl != nil {
		r.pipeline = pl
	}
	if store != nil {
		r.store = store
	}
	r.serveFn = r.serve
	return r
}

// Run executes args against the command tree.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.command()
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

var (
	errNoPipeline = errors.New("pipeline unavailable")
	errNoStore    = errors.New("run database unavailable")
)

// enqueueAndWait submits job to the local pipeline and blocks until its
// result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, errNoPipeline
	}
	if job.ID == "" {
		job.ID = pipeline.NewJobID()
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	id, err := r.enqueue(ctx, job)
	if err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			r.pipeline.Cancel(id)
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == id {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	id, err := r.pipeline.Submit(job)
	if err != nil {
		return "", err
	}
	r.log.Info("run queued", "id", id, "trace", job.TracePath)
	return id, nil
}

// submitLocal queues a trace with the configured default options.
func (r *Root) submitLocal(ctx context.Context, tracePath string) (string, error) {
	if r.pipeline == nil {
		return "", errNoPipeline
	}
	return r.enqueue(ctx, pipeline.Job{
		ID:        pipeline.NewJobID(),
		TracePath: tracePath,
		Options:   r.cfg.Mosaic.Options.Clone(),
	})
}
