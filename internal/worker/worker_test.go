package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/doorsight/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeEnvelope frames body with its big endian length header.
func writeEnvelope(w io.Writer, body []byte) {
	binary.Write(w, binary.BigEndian, uint32(len(body)))
	w.Write(body)
}

func okPayload(dim int, faces ...[4]int32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)                                        // Status OK
	binary.Write(payload, binary.BigEndian, uint32(len(faces))) // NumFaces
	binary.Write(payload, binary.BigEndian, uint32(dim))        // Dim
	for i, box := range faces {
		binary.Write(payload, binary.BigEndian, box)
		vec := make([]float32, dim)
		vec[0] = 0.5 + float32(i)
		binary.Write(payload, binary.BigEndian, vec)
		binary.Write(payload, binary.BigEndian, float32(0.99))
	}
	return payload.Bytes()
}

func TestDetectFaces(t *testing.T) {
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// dataPipeMock simulates the pipe FROM Python (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	writeEnvelope(dataPipeMock, okPayload(128, [4]int32{10, 10, 20, 20}, [4]int32{30, 5, 60, 40}))

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	faces, err := w.DetectFaces(context.Background(), types.Frame{Data: inputFrame})
	if err != nil {
		t.Fatalf("DetectFaces failed: %v", err)
	}

	// Verify Go sent the correct data TO Python
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if !bytes.Equal(sentData[4:], inputFrame) {
		t.Errorf("Expected frame bytes %X, got %X", inputFrame, sentData[4:])
	}

	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}
	if len(faces[0].Vec) != 128 {
		t.Errorf("Expected 128-d embedding, got %d", len(faces[0].Vec))
	}
	// Use epsilon for float comparison
	if math.Abs(faces[0].Vec[0]-0.5) > 1e-6 || math.Abs(faces[1].Vec[0]-1.5) > 1e-6 {
		t.Errorf("Unexpected embeddings: %f, %f", faces[0].Vec[0], faces[1].Vec[0])
	}
	if faces[1].Loc != (types.Box{Left: 30, Top: 5, Right: 60, Bottom: 40}) {
		t.Errorf("Unexpected box: %+v", faces[1].Loc)
	}
	if math.Abs(faces[0].Score-0.99) > 1e-6 {
		t.Errorf("Expected score 0.99, got %f", faces[0].Score)
	}
	if !w.IsAvailable() {
		t.Error("Worker should remain available after a good response")
	}
}

func TestDetectFaces_NoFaces(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeEnvelope(dataPipeMock, okPayload(128))

	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}

	faces, err := w.DetectFaces(context.Background(), types.Frame{Data: []byte("frame")})
	if err != nil {
		t.Fatalf("Expected no error for an empty frame, got %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected 0 faces, got %d", len(faces))
	}
}

func TestDetectFaces_Error(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	writeEnvelope(dataPipeMock, payload.Bytes())

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
	}

	_, err := w.DetectFaces(context.Background(), types.Frame{Data: []byte("frame")})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	// A logic error from Python does not take the worker down
	if !w.IsAvailable() {
		t.Error("Worker should stay available after a reported error")
	}
}

func TestDetectFaces_Truncated(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	body := okPayload(128, [4]int32{0, 0, 1, 1})
	writeEnvelope(dataPipeMock, body[:len(body)-10])

	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}

	if _, err := w.DetectFaces(context.Background(), types.Frame{Data: []byte("frame")}); err == nil {
		t.Fatal("Expected error for a truncated response")
	}
}

func TestDetectFaces_Crash(t *testing.T) {
	// An empty pipe behaves like a process that exited before replying
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}

	_, err := w.DetectFaces(context.Background(), types.Frame{Data: []byte("frame")})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected EOF, got %v", err)
	}
	if w.IsAvailable() {
		t.Error("Worker should be marked unavailable after a crash")
	}
}

func TestDetectFaces_Timeout(t *testing.T) {
	// The read end never receives data
	pr, pw := io.Pipe()
	defer pw.Close()

	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: pr,
		Timeout:  50 * time.Millisecond,
	}

	start := time.Now()
	_, err := w.DetectFaces(context.Background(), types.Frame{Data: []byte("frame")})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Timeout took too long: %s", time.Since(start))
	}
	if w.IsAvailable() {
		t.Error("Worker should be unavailable after a timeout")
	}
}

func TestDetectFaces_RecoversAfterCancelledRequest(t *testing.T) {
	// The first process never answers
	pr, pw := io.Pipe()
	defer pw.Close()

	w := &PythonWorker{
		ID:       0,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: pr,
	}
	spawned := 0
	w.spawn = func() error {
		spawned++
		reply := &MockCloser{Buffer: new(bytes.Buffer)}
		writeEnvelope(reply, okPayload(4, [4]int32{0, 0, 80, 80}))
		w.Stdin = &MockCloser{Buffer: new(bytes.Buffer)}
		w.DataPipe = reply
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.DetectFaces(ctx, types.Frame{Data: []byte("frame")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	if w.IsAvailable() {
		t.Fatal("Worker should be down after an abandoned request")
	}

	faces, err := w.DetectFaces(context.Background(), types.Frame{Data: []byte("frame")})
	if err != nil {
		t.Fatalf("Expected the next request to restart the worker, got %v", err)
	}
	if len(faces) != 1 {
		t.Errorf("Expected 1 face, got %d", len(faces))
	}
	if spawned != 1 {
		t.Errorf("Expected exactly one restart, got %d", spawned)
	}
	if !w.IsAvailable() {
		t.Error("Worker should be available after a restart")
	}
}

func TestDetectFaces_RestartFailure(t *testing.T) {
	w := &PythonWorker{
		ID:       2,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	w.spawn = func() error { return errors.New("python3: not found") }
	w.broken.Store(true)

	_, err := w.DetectFaces(context.Background(), types.Frame{Data: []byte("frame")})
	if err == nil || !strings.Contains(err.Error(), "could not be restarted") {
		t.Fatalf("Expected restart error, got %v", err)
	}
	if w.IsAvailable() {
		t.Error("Worker should stay down when the restart fails")
	}
}

func TestDetectFaces_ClosedWorkerIsNotRestarted(t *testing.T) {
	w := &PythonWorker{
		ID:       3,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	w.spawn = func() error {
		t.Error("A closed worker must not be restarted")
		return nil
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := w.DetectFaces(context.Background(), types.Frame{Data: []byte("frame")}); err == nil {
		t.Fatal("Expected an error from a closed worker")
	}
}
