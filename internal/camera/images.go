package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/doorsight/internal/types"
	"github.com/andresmejia3/doorsight/internal/utils"
)

// ImageSource cycles through JPEG files, one per Read.
type ImageSource struct {
	dir    string
	mu     sync.Mutex
	images [][]byte
	next   int
	now    func() time.Time
}

// OpenImageDir loads every .jpg/.jpeg file in dir.
func OpenImageDir(dir string) (*ImageSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read test image dir: %w", err)
	}

	var images [][]byte
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".jpg" && ext != ".jpeg") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		images = append(images, data)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no jpeg images in %s", dir)
	}
	return &ImageSource{dir: dir, images: images, now: time.Now}, nil
}

// NewImageSource serves the given JPEG images.
func NewImageSource(images ...[]byte) *ImageSource {
	return &ImageSource{dir: "memory", images: images, now: time.Now}
}

// ReadImage returns a single-image source for the file at path.
func ReadImage(path string) (*ImageSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 || !slices.Equal(data[:2], utils.JpegSOI) {
		return nil, fmt.Errorf("%s is not a jpeg image", path)
	}
	s := NewImageSource(data)
	s.dir = path
	return s, nil
}

func (s *ImageSource) Name() string { return "images:" + s.dir }

func (s *ImageSource) Read(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.images) == 0 {
		return types.Frame{}, fmt.Errorf("%w: no images", ErrCapture)
	}
	img := s.images[s.next]
	s.next = (s.next + 1) % len(s.images)
	return types.Frame{Data: slices.Clone(img), Timestamp: s.now(), Source: SourceTest}, nil
}

func (s *ImageSource) Close() error { return nil }
