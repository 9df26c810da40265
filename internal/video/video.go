// Package video adapts frame containers to mosaic.FrameSource and
// mosaic.FrameSink.
package video

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"refframe/internal/fsutil"
	"refframe/internal/mosaic"
	"refframe/internal/video/magick"
)

// Source is a frame source that owns an open handle.
type Source interface {
	mosaic.FrameSource
	io.Closer
}

// Sink is a frame sink producing a file. Close finalizes the output, Abort
// discards whatever was written.
type Sink interface {
	mosaic.FrameSink
	Close() error
	Abort() error
}

// Options configure the external tools used for containers Go cannot decode.
type Options struct {
	FFmpeg  string
	FFprobe string
	FPS     float64
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.FFmpeg == "" {
		o.FFmpeg = "ffmpeg"
	}
	if o.FFprobe == "" {
		o.FFprobe = "ffprobe"
	}
	if o.FPS <= 0 {
		o.FPS = 30
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Open picks a decoder for path: a directory is read as an image sequence,
// multi-page TIFF or GIF goes through ImageMagick, anything else through
// ffmpeg.
func Open(ctx context.Context, path string, opts Options) (Source, error) {
	opts = opts.withDefaults()
	info, err := os.Stat(path)
	if err != nil {
		return nil, &mosaic.IOError{Op: "open video", Path: path, Err: err}
	}

	switch {
	case info.IsDir():
		opts.Logger.Debug("opening image sequence", "path", path)
		return OpenSequence(path)
	case fsutil.IsMultiPage(path):
		opts.Logger.Debug("opening multi-page image", "path", path)
		src, err := magick.Open(path)
		if err != nil {
			return nil, &mosaic.IOError{Op: "open video", Path: path, Err: err}
		}
		return src, nil
	default:
		opts.Logger.Debug("opening video through ffmpeg", "path", path, "ffmpeg", opts.FFmpeg)
		return OpenFFmpeg(ctx, path, opts)
	}
}

// Create starts a stabilized video writer at path.
func Create(ctx context.Context, path string, opts Options) (Sink, error) {
	opts = opts.withDefaults()
	if path == "" {
		return nil, fmt.Errorf("stabilized video path is empty")
	}
	return NewFFmpegSink(ctx, path, opts), nil
}
