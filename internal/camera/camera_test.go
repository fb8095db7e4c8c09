package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/doorsight/internal/framestore"
	"github.com/andresmejia3/doorsight/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jpegA = []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	jpegB = []byte{0xFF, 0xD8, 0xBB, 0xFF, 0xD9}
)

func TestOpen_FirstSuccessWins(t *testing.T) {
	var tried []string
	fail := func(name string) Strategy {
		return Strategy{Name: name, Open: func(context.Context) (Source, error) {
			tried = append(tried, name)
			return nil, errors.New("device busy")
		}}
	}
	ok := func(name string) Strategy {
		return Strategy{Name: name, Open: func(context.Context) (Source, error) {
			tried = append(tried, name)
			return NewImageSource(jpegA), nil
		}}
	}

	src, err := Open(context.Background(), []Strategy{fail("stream"), ok("device"), ok("test-images")})
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, []string{"stream", "device"}, tried)
}

func TestOpen_AllFail(t *testing.T) {
	_, err := Open(context.Background(), []Strategy{
		{Name: "a", Open: func(context.Context) (Source, error) { return nil, errors.New("no a") }},
		{Name: "b", Open: func(context.Context) (Source, error) { return nil, errors.New("no b") }},
	})
	assert.ErrorIs(t, err, ErrNoSource)
	assert.ErrorContains(t, err, "no b")

	_, err = Open(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestImageDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.jpg"), jpegA, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2.JPEG"), jpegB, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	src, err := OpenImageDir(dir)
	require.NoError(t, err)

	ctx := context.Background()
	var got [][]byte
	for range 3 {
		f, err := src.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, SourceTest, f.Source)
		assert.False(t, f.Timestamp.IsZero())
		got = append(got, f.Data)
	}
	assert.Equal(t, [][]byte{jpegA, jpegB, jpegA}, got)

	_, err = OpenImageDir(t.TempDir())
	assert.Error(t, err)
}

func TestReadImage(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "door.jpg")
	bad := filepath.Join(dir, "door.png")
	require.NoError(t, os.WriteFile(good, jpegA, 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("\x89PNG...."), 0o644))

	src, err := ReadImage(good)
	require.NoError(t, err)
	f, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jpegA, f.Data)

	_, err = ReadImage(bad)
	assert.Error(t, err)
}

// flakySource fails every other read.
type flakySource struct {
	mu    sync.Mutex
	reads int
}

func (f *flakySource) Name() string { return "flaky" }
func (f *flakySource) Close() error { return nil }
func (f *flakySource) Read(context.Context) (types.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.reads%2 == 0 {
		return types.Frame{}, ErrCapture
	}
	return types.Frame{Data: jpegA, Timestamp: time.Now(), Source: SourceCamera}, nil
}

func TestRunCapture(t *testing.T) {
	store := framestore.New(30, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu     sync.Mutex
		pushed int
	)
	done := make(chan struct{})
	go func() {
		RunCapture(ctx, &flakySource{}, store, 2*time.Millisecond, func() {
			mu.Lock()
			pushed++
			mu.Unlock()
		})
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("capture loop did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, pushed, store.Len())
}

func TestDefaultStrategies(t *testing.T) {
	s := DefaultStrategies(StrategyConfig{StreamURL: "rtsp://door", Device: "/dev/video0", TestImages: "testdata"})
	require.Len(t, s, 3)
	assert.Equal(t, "stream", s[0].Name)
	assert.Equal(t, "device", s[1].Name)
	assert.Equal(t, "test-images", s[2].Name)

	s = DefaultStrategies(StrategyConfig{Device: "/dev/video0"})
	require.Len(t, s, 1)
	assert.Equal(t, "device", s[0].Name)
}

func TestDeviceFormat(t *testing.T) {
	assert.Equal(t, "v4l2", DeviceFormat("linux"))
	assert.Equal(t, "avfoundation", DeviceFormat("darwin"))
	assert.Equal(t, "dshow", DeviceFormat("windows"))
}
