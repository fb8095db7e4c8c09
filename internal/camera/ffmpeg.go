package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/andresmejia3/doorsight/internal/types"
	"github.com/andresmejia3/doorsight/internal/utils"
)

const megabyte = 1024 * 1024

// FFmpegSource decodes a device or stream with ffmpeg and splits the MJPEG
// output into frames. Only the newest undelivered frame is kept.
type FFmpegSource struct {
	name   string
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	cancel context.CancelFunc

	frames chan types.Frame
	done   chan struct{}

	closeOnce sync.Once
	err       error
}

// FFmpegConfig selects the ffmpeg input.
type FFmpegConfig struct {
	Format string // ffmpeg input format, empty for URLs
	Input  string
	FPS    int
	// FirstFrameTimeout bounds how long Open waits for the first frame.
	FirstFrameTimeout time.Duration
}

// OpenFFmpeg starts ffmpeg and waits for the first frame.
func OpenFFmpeg(ctx context.Context, cfg FFmpegConfig) (*FFmpegSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not installed: %w", err)
	}

	// The process outlives ctx; it is stopped by Close
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := utils.NewFFmpegCmd(procCtx, cfg.Format, cfg.Input, cfg.FPS)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &FFmpegSource{
		name:   fmt.Sprintf("ffmpeg:%s", cfg.Input),
		cmd:    cmd,
		stderr: &stderrBuf,
		cancel: cancel,
		frames: make(chan types.Frame, 1),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		scanner := bufio.NewScanner(out)
		scanner.Buffer(make([]byte, megabyte), 16*megabyte)
		scanner.Split(utils.SplitJpeg)
		for scanner.Scan() {
			s.offer(types.Frame{
				Data:      slices.Clone(scanner.Bytes()),
				Timestamp: time.Now(),
				Source:    SourceCamera,
			})
		}
		s.err = cmd.Wait()
	}()

	timeout := cfg.FirstFrameTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	waitCtx, stop := context.WithTimeout(ctx, timeout)
	defer stop()

	first, err := s.Read(waitCtx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.offer(first)
	return s, nil
}

// offer publishes f, replacing any frame nobody has read yet.
func (s *FFmpegSource) offer(f types.Frame) {
	for {
		select {
		case s.frames <- f:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

func (s *FFmpegSource) Name() string { return s.name }

// Read returns the next decoded frame.
func (s *FFmpegSource) Read(ctx context.Context) (types.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return types.Frame{}, fmt.Errorf("%w: ffmpeg exited: %v: %s", ErrCapture, s.err, bytes.TrimSpace(s.stderr.Bytes()))
	case <-ctx.Done():
		return types.Frame{}, fmt.Errorf("%w: %v", ErrCapture, ctx.Err())
	}
}

func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// DeviceFormat returns the ffmpeg capture format for goos.
func DeviceFormat(goos string) string {
	switch goos {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

// StrategyConfig lists the camera inputs to try.
type StrategyConfig struct {
	StreamURL  string
	Device     string
	TestImages string
	FPS        int
}

// DefaultStrategies returns the init order: network stream, local device,
// then still test images. Inputs left empty are skipped.
func DefaultStrategies(cfg StrategyConfig) []Strategy {
	var out []Strategy
	if cfg.StreamURL != "" {
		out = append(out, Strategy{
			Name: "stream",
			Open: func(ctx context.Context) (Source, error) {
				return OpenFFmpeg(ctx, FFmpegConfig{Input: cfg.StreamURL, FPS: cfg.FPS})
			},
		})
	}
	if cfg.Device != "" {
		out = append(out, Strategy{
			Name: "device",
			Open: func(ctx context.Context) (Source, error) {
				return OpenFFmpeg(ctx, FFmpegConfig{Format: DeviceFormat(runtime.GOOS), Input: cfg.Device, FPS: cfg.FPS})
			},
		})
	}
	if cfg.TestImages != "" {
		out = append(out, Strategy{
			Name: "test-images",
			Open: func(context.Context) (Source, error) {
				return OpenImageDir(cfg.TestImages)
			},
		})
	}
	return out
}
