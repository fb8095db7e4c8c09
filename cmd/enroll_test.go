package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/doorsight/internal/config"
	"github.com/andresmejia3/doorsight/internal/types"
)

var testJpeg = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0xFF, 0xD9}

type imageBackend struct {
	faces map[int][]types.FaceResult // keyed by the byte after the SOI marker
	err   error
}

func (b *imageBackend) Name() string      { return "image" }
func (b *imageBackend) IsAvailable() bool { return true }
func (b *imageBackend) DetectFaces(_ context.Context, f types.Frame) ([]types.FaceResult, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.faces[int(f.Data[2])], nil
}

func writeImage(t *testing.T, dir, name string, marker byte) string {
	t.Helper()
	data := append([]byte(nil), testJpeg...)
	data[2] = marker
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestCollectImages(t *testing.T) {
	dir := t.TempDir()
	a := writeImage(t, dir, "a.jpg", 1)
	b := writeImage(t, dir, "b.JPEG", 2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	single := writeImage(t, t.TempDir(), "single.png", 3)

	got, err := collectImages([]string{dir, single})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b, single}, got)

	_, err = collectImages([]string{filepath.Join(dir, "missing.jpg")})
	assert.Error(t, err)

	_, err = collectImages([]string{filepath.Join(dir, "sub")})
	assert.EqualError(t, err, "no images to enroll")
}

func TestEmbeddingsFrom(t *testing.T) {
	one := []types.FaceResult{{Vec: []float64{0.1, 0.2}}}
	two := []types.FaceResult{{Vec: []float64{1}}, {Vec: []float64{2}}}

	embeddings, skipped := embeddingsFrom([]enrollResult{
		{Path: "d.jpg", Faces: one},
		{Path: "a.jpg", Faces: []types.FaceResult{{Vec: []float64{0.3, 0.4}}}},
		{Path: "b.jpg", Faces: two},
		{Path: "c.jpg"},
		{Path: "e.jpg", Err: errors.New("python worker error: bad image")},
	}, faceQuality{})

	assert.Equal(t, [][]float64{{0.3, 0.4}, {0.1, 0.2}}, embeddings)
	require.Len(t, skipped, 3)
	assert.Contains(t, skipped[0], "b.jpg: 2 faces found")
	assert.Contains(t, skipped[1], "c.jpg: no face found")
	assert.Contains(t, skipped[2], "bad image")
}

func TestEmbeddingsFrom_QualityGate(t *testing.T) {
	face := func(score float64, side int, vec float64) []types.FaceResult {
		return []types.FaceResult{{Loc: types.Box{Left: 10, Top: 10, Right: 10 + side, Bottom: 10 + side}, Vec: []float64{vec}, Score: score}}
	}
	results := []enrollResult{
		{Path: "good.jpg", Faces: face(0.98, 120, 1)},
		{Path: "blurry.jpg", Faces: face(0.31, 120, 2)},
		{Path: "tiny.jpg", Faces: face(0.97, 20, 3)},
		{Path: "edge.jpg", Faces: face(0.5, 64, 4)},
	}

	tests := []struct {
		name        string
		quality     faceQuality
		want        [][]float64
		wantSkipped []string
	}{
		{
			name:        "Defaults",
			quality:     faceQuality{MinScore: 0.5, MinFacePx: 64},
			want:        [][]float64{{4}, {1}},
			wantSkipped: []string{"blurry.jpg: detection score 0.31 below 0.50", "tiny.jpg: face covers 400 px, need at least 4096 (64x64)"},
		},
		{
			name:        "Score only",
			quality:     faceQuality{MinScore: 0.9},
			want:        [][]float64{{1}, {3}},
			wantSkipped: []string{"blurry.jpg: detection score", "edge.jpg: detection score"},
		},
		{
			name:    "Disabled",
			quality: faceQuality{},
			want:    [][]float64{{2}, {4}, {1}, {3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			embeddings, skipped := embeddingsFrom(append([]enrollResult(nil), results...), tt.quality)
			assert.Equal(t, tt.want, embeddings)
			require.Len(t, skipped, len(tt.wantSkipped))
			for i, want := range tt.wantSkipped {
				assert.Contains(t, skipped[i], want)
			}
		})
	}
}

func TestDetectInImage(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, "visitor.jpg", 7)
	backend := &imageBackend{faces: map[int][]types.FaceResult{7: {{Vec: []float64{1, 2, 3}}}}}

	res := detectInImage(context.Background(), backend, path)
	require.NoError(t, res.Err)
	assert.Equal(t, path, res.Path)
	require.Len(t, res.Faces, 1)

	bad := filepath.Join(dir, "bad.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("not a jpeg"), 0o644))
	assert.Error(t, detectInImage(context.Background(), backend, bad).Err)

	backend.err = errors.New("worker 0 is no longer running")
	assert.Error(t, detectInImage(context.Background(), backend, path).Err)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Really?")
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Equal(t, "Really? [y/N]: ", out.String())
	}
}

func TestFpsFor(t *testing.T) {
	assert.Equal(t, 10, fpsFor(100*time.Millisecond))
	assert.Equal(t, 1, fpsFor(3*time.Second))
	assert.Equal(t, 10, fpsFor(0))
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger(config.LogConfig{Level: "debug"}).Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger(config.LogConfig{Level: "info"}).Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger(config.LogConfig{Level: "error", Format: "json"}).Enabled(ctx, slog.LevelWarn))
}
