package types

import "time"

// Frame is a single captured image. Data holds JPEG bytes.
type Frame struct {
	Data      []byte
	Timestamp time.Time
	Source    string // "camera", "camera_direct", "test"
}

// Clone returns a copy that shares no memory with f.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return Frame{Data: data, Timestamp: f.Timestamp, Source: f.Source}
}

// Box is a face bounding box in pixel coordinates.
type Box struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Area returns the box area in pixels.
func (b Box) Area() int {
	return (b.Right - b.Left) * (b.Bottom - b.Top)
}

// FaceResult is one face as reported by the model worker.
type FaceResult struct {
	Loc   Box       `json:"loc"`
	Vec   []float64 `json:"vec"`   // face embedding
	Score float64   `json:"score"` // detection confidence
}
