package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"framepipe/internal/frame"
)

// FFmpegBinary is the executable used for capture and display
var FFmpegBinary = "ffmpeg"

// execCommand builds the ffmpeg processes; replaced in tests
var execCommand = exec.CommandContext

// FFmpegSource captures frames from a camera, stream or file by running
// ffmpeg with rawvideo rgb24 output scaled to the pipeline shape
type FFmpegSource struct {
	*ReaderSource

	device     string
	cmd        *exec.Cmd
	stderrDone <-chan struct{}
	logger     *zap.SugaredLogger
}

// NewFFmpegSource starts ffmpeg reading from device. The process is killed
// when ctx is cancelled or the source is closed.
func NewFFmpegSource(ctx context.Context, device string, shape frame.Shape, fps int, logger *zap.SugaredLogger) (*FFmpegSource, error) {
	if shape.Channels != 3 {
		return nil, fmt.Errorf("%w: ffmpeg source emits rgb24, got %d channels", ErrShapeMismatch, shape.Channels)
	}

	cmd := execCommand(ctx, FFmpegBinary, sourceArgs(device, shape, fps)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	logger.Infow("Started capture", "device", device, "shape", shape.String(), "fps", fps)

	return &FFmpegSource{
		ReaderSource: NewReaderSource(bufio.NewReaderSize(stdout, shape.Size()), shape),
		device:       device,
		cmd:          cmd,
		stderrDone:   logStderr(stderr, logger),
		logger:       logger,
	}, nil
}

// Close stops the ffmpeg process
func (s *FFmpegSource) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	// Wait closes the pipes, so stderr must be drained first
	<-s.stderrDone
	err := s.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed on purpose
		err = nil
	}
	s.logger.Infow("Stopped capture", "device", s.device)
	return err
}

// sourceArgs builds the ffmpeg input arguments for a device, following the
// same rtsp / http / v4l2 split as the rest of the capture code
func sourceArgs(device string, shape frame.Shape, fps int) []string {
	var args []string

	switch {
	case strings.HasPrefix(device, "rtsp://"):
		args = []string{"-rtsp_transport", "tcp", "-i", device}
	case strings.HasPrefix(device, "http://"), strings.HasPrefix(device, "https://"):
		args = []string{"-i", device}
	case strings.HasPrefix(device, "/dev/video"):
		args = []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", shape.Width, shape.Height),
			"-framerate", fmt.Sprintf("%d", fps),
			"-i", device,
		}
	default:
		// Plain file, played at its native rate
		args = []string{"-re", "-i", device}
	}

	args = append(args,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", shape.Width, shape.Height),
		"-r", fmt.Sprintf("%d", fps),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
	return append([]string{"-hide_banner", "-loglevel", "error"}, args...)
}

// FFmpegSink pipes rawvideo frames into an ffmpeg output, such as a file,
// an RTSP server or a display device
type FFmpegSink struct {
	*WriterSink

	cmd        *exec.Cmd
	stderrDone <-chan struct{}
}

// NewFFmpegSink starts ffmpeg encoding frames of the given shape to output.
// output is passed verbatim as the last ffmpeg arguments. Up to depth frames
// are queued before the sink raises EnoughData on demand.
func NewFFmpegSink(ctx context.Context, output string, shape frame.Shape, fps, depth int, demand *Demand, logger *zap.SugaredLogger) (*FFmpegSink, error) {
	cmd := execCommand(ctx, FFmpegBinary, sinkArgs(output, shape, fps)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	logger.Infow("Started display sink", "output", output, "shape", shape.String(), "depth", depth)

	return &FFmpegSink{
		WriterSink: NewWriterSink(stdin, shape, depth, demand, logger),
		cmd:        cmd,
		stderrDone: logStderr(stderr, logger),
	}, nil
}

// Close sends end of stream to ffmpeg and waits for it to finish encoding
func (s *FFmpegSink) Close() error {
	err := s.WriterSink.Close()
	<-s.stderrDone
	return multierr.Combine(err, s.cmd.Wait())
}

func sinkArgs(output string, shape frame.Shape, fps int) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-video_size", fmt.Sprintf("%dx%d", shape.Width, shape.Height),
		"-framerate", fmt.Sprintf("%d", fps),
		"-i", "-",
	}
	return append(args, strings.Fields(output)...)
}

// logStderr forwards ffmpeg diagnostics until r is exhausted. The returned
// channel is closed when reading is done.
func logStderr(r io.Reader, logger *zap.SugaredLogger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			logger.Debugw("ffmpeg", "line", scanner.Text())
		}
	}()
	return done
}

var (
	_ Source = (*FFmpegSource)(nil)
	_ Sink   = (*FFmpegSink)(nil)
)
