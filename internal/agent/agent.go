// Package agent talks to a remote refframe server over gRPC: it submits
// traces found on a capture machine and follows their results.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"refframe/internal/grpcserver"
	"refframe/internal/pipeline"
	"refframe/internal/storage"
)

const maxMessageSize = 16 * 1024 * 1024

// Config describes how to reach the server.
type Config struct {
	ServerAddress string `json:"serverAddress"`

	// Security
	TLSCertPath string `json:"tlsCertPath"`
	TLSKeyPath  string `json:"tlsKeyPath"`
	CACertPath  string `json:"caCertPath"`
	Insecure    bool   `json:"insecure"`
}

// Client is a connection to refframe.v1.Mosaic.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to cfg.ServerAddress. Extra options are appended, e.g. a
// context dialer for in-process tests.
func Dial(cfg Config, extra ...grpc.DialOption) (*Client, error) {
	var opts []grpc.DialOption

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := createTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	opts = append(opts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.ServerAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.ServerAddress, err)
	}
	return &Client{conn: conn}, nil
}

func createTLSConfig(cfg Config) (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append CA cert")
		}
		config.RootCAs = pool
	}

	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Submit queues job on the server and returns the run ID. Options left at
// their zero value are still sent; the server only fills fields the request
// omits entirely.
func (c *Client) Submit(ctx context.Context, job pipeline.Job) (string, error) {
	in, err := toStruct(job)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, grpcserver.MethodSubmit, in, out); err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// SubmitTrace queues a trace with the server's default options.
func (c *Client) SubmitTrace(ctx context.Context, tracePath string) (string, error) {
	in, err := structpb.NewStruct(map[string]any{"trace": tracePath})
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, grpcserver.MethodSubmit, in, out); err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// ListRuns returns the latest runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	in, err := structpb.NewStruct(map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, grpcserver.MethodListRuns, in, out); err != nil {
		return nil, err
	}
	var resp struct {
		Runs []storage.RunRecord `json:"runs"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return resp.Runs, nil
}

// Cancel stops a queued or running run.
func (c *Client) Cancel(ctx context.Context, id string) error {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, grpcserver.MethodCancel, in, new(emptypb.Empty))
}

// RunResult is one finished run as streamed by the server.
type RunResult struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Trace  string         `json:"trace"`
	Output string         `json:"output"`
	Error  string         `json:"error"`
	Meta   map[string]any `json:"meta"`
}

// WatchResults calls fn for every run the server finishes until ctx ends or
// fn returns an error.
func (c *Client) WatchResults(ctx context.Context, fn func(RunResult) error) error {
	stream, err := c.conn.NewStream(ctx, grpcserver.WatchResultsStream, grpcserver.MethodWatchResults)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var res RunResult
		if err := fromStruct(msg, &res); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		if err := fn(res); err != nil {
			return err
		}
	}
}
