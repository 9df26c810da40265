package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"refframe/internal/mosaic"
)

// StreamInfo is what ffprobe reports about the first video stream.
type StreamInfo struct {
	Width  int
	Height int
	Frames int // 0 when unknown
}

// Probe asks ffprobe for the dimensions and frame count of path.
func Probe(ctx context.Context, ffprobe, path string) (StreamInfo, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,nb_read_packets",
		"-of", "json",
		path,
	}
	out, err := exec.CommandContext(ctx, ffprobe, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return StreamInfo{}, fmt.Errorf("ffprobe %s: %v: %s", path, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return StreamInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (StreamInfo, error) {
	var doc struct {
		Streams []struct {
			Width   int    `json:"width"`
			Height  int    `json:"height"`
			Packets string `json:"nb_read_packets"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return StreamInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(doc.Streams) == 0 {
		return StreamInfo{}, errors.New("no video stream")
	}
	s := doc.Streams[0]
	info := StreamInfo{Width: s.Width, Height: s.Height}
	if s.Packets != "" {
		n, err := strconv.Atoi(s.Packets)
		if err != nil {
			return StreamInfo{}, fmt.Errorf("frame count %q: %w", s.Packets, err)
		}
		info.Frames = n
	}
	if info.Width <= 0 || info.Height <= 0 {
		return StreamInfo{}, fmt.Errorf("invalid frame size %dx%d", info.Width, info.Height)
	}
	return info, nil
}

// FFmpegSource decodes a video to 8-bit gray frames through an ffmpeg pipe.
type FFmpegSource struct {
	path   string
	info   StreamInfo
	cmd    *exec.Cmd
	cancel context.CancelFunc
	out    io.ReadCloser
	r      *bufio.Reader
	stderr bytes.Buffer
}

// OpenFFmpeg probes path and starts the decoder.
func OpenFFmpeg(ctx context.Context, path string, opts Options) (*FFmpegSource, error) {
	opts = opts.withDefaults()
	info, err := Probe(ctx, opts.FFprobe, path)
	if err != nil {
		return nil, &mosaic.IOError{Op: "probe video", Path: path, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &FFmpegSource{path: path, info: info, cancel: cancel}
	s.cmd = exec.CommandContext(ctx, opts.FFmpeg, decoderArgs(path)...)
	s.cmd.Stderr = &s.stderr
	s.out, err = s.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &mosaic.IOError{Op: "open video", Path: path, Err: err}
	}
	if err := s.cmd.Start(); err != nil {
		cancel()
		return nil, &mosaic.IOError{Op: "open video", Path: path, Err: err}
	}
	s.r = bufio.NewReaderSize(s.out, info.Width*info.Height)

	opts.Logger.Debug("ffmpeg decoder started",
		"path", path,
		"width", info.Width,
		"height", info.Height,
		"frames", info.Frames,
	)
	return s, nil
}

func decoderArgs(path string) []string {
	return []string{
		"-v", "error",
		"-nostdin",
		"-i", path,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "gray",
		"-",
	}
}

// Info returns the probed stream description.
func (s *FFmpegSource) Info() StreamInfo { return s.info }

func (s *FFmpegSource) Size() (int, int) { return s.info.Width, s.info.Height }

func (s *FFmpegSource) Next() (*image.Gray, error) {
	img := image.NewGray(image.Rect(0, 0, s.info.Width, s.info.Height))
	if _, err := io.ReadFull(s.r, img.Pix); err != nil {
		return nil, s.readErr(err)
	}
	return img, nil
}

func (s *FFmpegSource) Skip() error {
	_, err := s.r.Discard(s.info.Width * s.info.Height)
	if err != nil {
		return s.readErr(err)
	}
	return nil
}

func (s *FFmpegSource) readErr(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("truncated frame: %s", strings.TrimSpace(s.stderr.String()))
	}
	if errors.Is(err, io.EOF) && s.stderr.Len() > 0 {
		return fmt.Errorf("%w: %s", io.EOF, strings.TrimSpace(s.stderr.String()))
	}
	return err
}

// Close stops the decoder. Frames not yet read are dropped.
func (s *FFmpegSource) Close() error {
	s.cancel()
	s.out.Close()
	_ = s.cmd.Wait()
	return nil
}

// FFmpegSink encodes gray frames to an H.264 file. The encoder starts on the
// first frame, once the size is known.
type FFmpegSink struct {
	ctx    context.Context
	cancel context.CancelFunc
	path   string
	opts   Options
	cmd    *exec.Cmd
	in     io.WriteCloser
	w, h   int
	frames int
	stderr bytes.Buffer
	log    *slog.Logger
}

// NewFFmpegSink prepares a writer for path.
func NewFFmpegSink(ctx context.Context, path string, opts Options) *FFmpegSink {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &FFmpegSink{ctx: ctx, cancel: cancel, path: path, opts: opts, log: opts.Logger}
}

func encoderArgs(w, h int, fps float64, path string) []string {
	return []string{
		"-v", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "gray",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		// yuv420p needs even dimensions
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		path,
	}
}

func (s *FFmpegSink) start(w, h int) error {
	s.w, s.h = w, h
	args := encoderArgs(w, h, s.opts.FPS, s.path)
	s.log.Debug("executing ffmpeg command", "args", args, "output_file", s.path)

	s.cmd = exec.CommandContext(s.ctx, s.opts.FFmpeg, args...)
	s.cmd.Stderr = &s.stderr
	in, err := s.cmd.StdinPipe()
	if err != nil {
		return err
	}
	s.in = in
	return s.cmd.Start()
}

func (s *FFmpegSink) WriteFrame(img *image.Gray) error {
	b := img.Bounds()
	if s.cmd == nil {
		if err := s.start(b.Dx(), b.Dy()); err != nil {
			return fmt.Errorf("start encoder: %w", err)
		}
	}
	if b.Dx() != s.w || b.Dy() != s.h {
		return fmt.Errorf("frame %d is %dx%d, encoder expects %dx%d", s.frames, b.Dx(), b.Dy(), s.w, s.h)
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		if _, err := s.in.Write(img.Pix[off : off+s.w]); err != nil {
			return fmt.Errorf("write frame %d: %v: %s", s.frames, err, strings.TrimSpace(s.stderr.String()))
		}
	}
	s.frames++
	return nil
}

// Frames counts frames written so far.
func (s *FFmpegSink) Frames() int { return s.frames }

// Close flushes the encoder and waits for the file to be complete.
func (s *FFmpegSink) Close() error {
	defer s.cancel()
	if s.cmd == nil {
		return nil
	}
	if err := s.in.Close(); err != nil {
		return err
	}
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %v: %s", err, strings.TrimSpace(s.stderr.String()))
	}
	s.log.Info("stabilized video written", "path", s.path, "frames", s.frames)
	return nil
}

// Abort kills the encoder and removes the partial file.
func (s *FFmpegSink) Abort() error {
	s.cancel()
	if s.cmd != nil {
		s.in.Close()
		_ = s.cmd.Wait()
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
