package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps Python logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 DOORSIGHT ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Camera Stream (ffmpeg) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is a bufio.SplitFunc yielding one JPEG per token from an MJPEG
// stream. Bytes before a Start Of Image marker are discarded so a long
// running camera pipe never fills the scanner buffer with junk.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		// Keep a trailing 0xFF, it may be the first half of the next marker
		if n := len(data); !atEOF && n > 0 && data[n-1] == JpegSOI[0] {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(JpegSOI):], JpegEOI)
	if end == -1 {
		if atEOF {
			// Truncated frame
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(JpegSOI) + end + len(JpegEOI)
	return stop, data[start:stop], nil
}

// NewFFmpegCmd creates a decoder pipe reading from a capture device or stream URL.
// format is the ffmpeg input format ("v4l2", "avfoundation", ...) and may be empty for URLs.
// It configures FFmpeg to output raw MJPEG frames to Stdout at the given rate.
func NewFFmpegCmd(ctx context.Context, format, input string, fps int) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if format != "" {
		args = append(args, "-f", format)
	}
	args = append(args, "-i", input, "-r", fmt.Sprint(fps), "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	return exec.CommandContext(ctx, "ffmpeg", args...)
}
