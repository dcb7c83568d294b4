// Package framestore holds the pre-decoded video that every session plays.
//
// A [Store] is loaded once at startup and never mutated afterwards, so it is
// shared by all sessions without locking. The persisted form is a JSON record
//
//	{"frames": ["<base64 PNG>", ...], "fps": 29.97}
//
// where each frame is one grayscale image as emitted by ffmpeg. Load also
// accepts frames in Node's Buffer form, {"type": "Buffer", "data": [137, 80, ...]},
// so stores written by the Node tool load unchanged. Save always writes
// base64. When the file does not exist, [EnsureBuilt] runs [Build] to produce it from a video.
package framestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
)

// ErrNotFound is returned by Load when the frame store file does not exist.
var ErrNotFound = errors.New("frame store not found")

// Store is an immutable, ordered collection of encoded frames plus a frame rate.
type Store struct {
	frames [][]byte
	fps    float64
	size   int64
}

type record struct {
	Frames []frameData `json:"frames"`
	FPS    float64     `json:"fps"`
}

// frameData marshals as base64 and unmarshals from base64 or a Node Buffer.
type frameData []byte

type nodeBuffer struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

func (f *frameData) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		var raw []byte
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		*f = raw
		return nil
	}

	var buf nodeBuffer
	if err := json.Unmarshal(b, &buf); err != nil {
		return err
	}
	if buf.Type != "Buffer" {
		return fmt.Errorf("unsupported frame object type %q", buf.Type)
	}
	out := make([]byte, len(buf.Data))
	for i, v := range buf.Data {
		if v < 0 || v > 255 {
			return fmt.Errorf("buffer byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*f = out
	return nil
}

// New validates frames and fps and returns a Store. The slice is retained;
// callers must not modify it afterwards.
func New(frames [][]byte, fps float64) (*Store, error) {
	if len(frames) == 0 {
		return nil, errors.New("frame store has no frames")
	}
	if !(fps > 0) {
		return nil, fmt.Errorf("frame store has invalid fps %v", fps)
	}
	var size int64
	for i, f := range frames {
		if len(f) == 0 {
			return nil, fmt.Errorf("frame %d is empty", i)
		}
		size += int64(len(f))
	}
	return &Store{frames: frames, fps: fps, size: size}, nil
}

// Load reads a persisted frame store from path.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read frame store: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse frame store %s: %w", path, err)
	}

	frames := make([][]byte, len(rec.Frames))
	for i, f := range rec.Frames {
		frames[i] = f
	}
	s, err := New(frames, rec.FPS)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	log.Printf("[frames] loaded %d frames at %.3f fps (%s) from %s",
		s.Len(), s.FPS(), units.HumanSize(float64(s.Size())), path)
	return s, nil
}

// Save writes the store to path atomically.
func (s *Store) Save(path string) error {
	rec := record{Frames: make([]frameData, len(s.frames)), FPS: s.fps}
	for i, f := range s.frames {
		rec.Frames[i] = f
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode frame store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create frame store directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write frame store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close frame store: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename frame store: %w", err)
	}
	return nil
}

// Len returns the number of frames; always at least one.
func (s *Store) Len() int { return len(s.frames) }

// Frame returns the encoded frame at index i. The returned slice is shared
// and must not be modified.
func (s *Store) Frame(i int) []byte { return s.frames[i] }

// FPS returns the source frame rate.
func (s *Store) FPS() float64 { return s.fps }

// Size returns the total encoded size of all frames in bytes.
func (s *Store) Size() int64 { return s.size }

// Interval returns the playback tick period, 1s / fps, never below 1ms.
func (s *Store) Interval() time.Duration {
	d := time.Duration(float64(time.Second) / s.fps)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
