package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/doorsight/internal/types"
	"github.com/andresmejia3/doorsight/internal/utils" // Using the SafeCommand wrapper
)

// ErrTimeout is returned when the model does not answer within the read timeout.
var ErrTimeout = errors.New("python worker timed out")

const (
	statusOK    = 0
	statusError = 1

	// maxResponse guards against a corrupt length header.
	maxResponse = 64 * 1024 * 1024
)

// Options configures how the Python model process is launched.
type Options struct {
	Python  string
	Script  string
	Timeout time.Duration
}

// PythonWorker runs the face detection/embedding model in a Python child
// process and speaks a length-prefixed binary protocol with it.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	// spawn replaces a dead process with a fresh one using the launch
	// options. Nil disables restarts.
	spawn func() error

	mu     sync.Mutex
	broken atomic.Bool
	closed atomic.Bool
}

// NewPythonWorker starts the model process. The process lives until ctx is
// cancelled or Close is called, and is restarted with the same options if it
// dies or stops answering.
func NewPythonWorker(ctx context.Context, id int, opts Options) (*PythonWorker, error) {
	w := &PythonWorker{ID: id, Timeout: opts.Timeout}
	w.spawn = func() error { return w.start(ctx, opts) }
	if err := w.spawn(); err != nil {
		return nil, err
	}
	return w, nil
}

// start launches a process and points the worker at its pipes.
func (w *PythonWorker) start(ctx context.Context, opts Options) error {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, opts.Python, "-u", opts.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{pw}

	stdin, err := py.StdinPipe()
	if err != nil {
		pw.Close() // Prevent FD leak
		r.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		pw.Close()
		r.Close()
		return fmt.Errorf("worker %d failed to start: %w", w.ID, err)
	}

	// Close the write-end in the parent so only the child holds it
	pw.Close()

	w.Cmd = py
	w.Stdin = stdin
	w.DataPipe = r
	return nil
}

// respawn reaps the dead process and starts a new one. Callers hold mu.
func (w *PythonWorker) respawn() error {
	if w.closed.Load() {
		return fmt.Errorf("worker %d is closed", w.ID)
	}
	if w.spawn == nil {
		return fmt.Errorf("worker %d is no longer running", w.ID)
	}

	w.reap()
	if err := w.spawn(); err != nil {
		return fmt.Errorf("worker %d could not be restarted: %w", w.ID, err)
	}
	w.broken.Store(false)
	slog.Warn("face worker restarted", "worker", w.ID)
	return nil
}

// reap releases the pipes and process of a dead worker.
func (w *PythonWorker) reap() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
		w.Cmd.Wait()
	}
	w.Cmd = nil
}

// Name identifies the backend in logs.
func (w *PythonWorker) Name() string {
	return fmt.Sprintf("python-worker-%d", w.ID)
}

// IsAvailable reports whether the process can still take requests.
func (w *PythonWorker) IsAvailable() bool {
	return !w.broken.Load()
}

// DetectFaces sends one JPEG frame to the model and decodes the faces found.
func (w *PythonWorker) DetectFaces(ctx context.Context, frame types.Frame) ([]types.FaceResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken.Load() {
		if err := w.respawn(); err != nil {
			return nil, err
		}
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	// The pipes are captured so an abandoned exchange never touches a
	// restarted process.
	stdin, data := w.Stdin, w.DataPipe
	go func() {
		body, err := exchange(stdin, data, frame.Data)
		done <- reply{body, err}
	}()

	var timeout <-chan time.Time
	if w.Timeout > 0 {
		timer := time.NewTimer(w.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			// Pipe errors mean the process died mid-request
			w.broken.Store(true)
			return nil, r.err
		}
		return parseResponse(r.body)
	case <-timeout:
		w.kill()
		return nil, fmt.Errorf("%w after %s", ErrTimeout, w.Timeout)
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	}
}

// kill terminates the process so a blocked Communicate unblocks.
func (w *PythonWorker) kill() {
	w.broken.Store(true)
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.DataPipe.Close()
}

// Communicate sends one request and returns the raw response body.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	return exchange(w.Stdin, w.DataPipe, data)
}

func exchange(in io.Writer, out io.Reader, data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(in, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := in.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(out, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(out, respBody)
	return respBody, err
}

// parseResponse decodes a response body.
//
//	OK:    [Status:0][NumFaces u32][Dim u32] then per face [Box 4xint32][Vec Dim x float32][Score float32]
//	Error: [Status:1][MsgLen u32][Msg]
func parseResponse(body []byte) ([]types.FaceResult, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty response from python worker")
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown response status %d", status)
	}

	var numFaces, dim uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("reading face count: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("reading embedding size: %w", err)
	}
	// Each face needs at least its box and score
	if int64(numFaces)*int64(20+4*int64(dim)) > int64(r.Len()) {
		return nil, fmt.Errorf("response truncated: %d faces of dim %d in %d bytes", numFaces, dim, r.Len())
	}

	faces := make([]types.FaceResult, 0, numFaces)
	box := make([]int32, 4)
	vec := make([]float32, dim)
	for i := uint32(0); i < numFaces; i++ {
		var score float32
		if err := binary.Read(r, binary.BigEndian, box); err != nil {
			return nil, fmt.Errorf("face %d box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("face %d embedding: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("face %d score: %w", i, err)
		}

		f := types.FaceResult{
			Loc:   types.Box{Left: int(box[0]), Top: int(box[1]), Right: int(box[2]), Bottom: int(box[3])},
			Vec:   make([]float64, dim),
			Score: float64(score),
		}
		for j, v := range vec {
			f.Vec[j] = float64(v)
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// Close stops the process. A closed worker is never restarted.
func (w *PythonWorker) Close() error {
	w.closed.Store(true)
	w.broken.Store(true)
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		return w.Cmd.Wait()
	}
	return nil
}
