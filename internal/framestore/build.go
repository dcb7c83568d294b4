package framestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// BuildOptions describes how to turn a video into a frame store.
type BuildOptions struct {
	VideoPath   string
	OutputPath  string
	FFmpegPath  string
	FFprobePath string
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.FFprobePath == "" {
		o.FFprobePath = "ffprobe"
	}
	return o
}

// EnsureBuilt loads the store at opts.OutputPath, building it first if the
// file does not exist.
func EnsureBuilt(ctx context.Context, opts BuildOptions) (*Store, error) {
	s, err := Load(opts.OutputPath)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	log.Printf("[frames] %s not found, generating it from %s", opts.OutputPath, opts.VideoPath)
	if err := Build(ctx, opts); err != nil {
		return nil, err
	}
	return Load(opts.OutputPath)
}

// Build probes the frame rate, decodes every frame to grayscale PNG with
// ffmpeg and saves the result. A file lock next to the output keeps two
// processes from building the same store at once; the loser reuses the
// winner's output.
func Build(ctx context.Context, opts BuildOptions) error {
	opts = opts.withDefaults()
	if opts.VideoPath == "" || opts.OutputPath == "" {
		return errors.New("build frames: video and output paths are required")
	}

	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0755); err != nil {
		return fmt.Errorf("build frames: %w", err)
	}
	lock := flock.New(opts.OutputPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("build frames: lock: %w", err)
	}
	defer lock.Unlock()

	if _, err := os.Stat(opts.OutputPath); err == nil {
		log.Printf("[frames] %s was built by another process", opts.OutputPath)
		return nil
	}

	fps, err := probeFPS(ctx, opts.FFprobePath, opts.VideoPath)
	if err != nil {
		return fmt.Errorf("build frames: %w", err)
	}

	frames, err := extractFrames(ctx, opts.FFmpegPath, opts.VideoPath)
	if err != nil {
		return fmt.Errorf("build frames: %w", err)
	}

	s, err := New(frames, fps)
	if err != nil {
		return fmt.Errorf("build frames: %w", err)
	}
	if err := s.Save(opts.OutputPath); err != nil {
		return fmt.Errorf("build frames: %w", err)
	}
	log.Printf("[frames] saved %d frames at %.3f fps to %s", s.Len(), fps, opts.OutputPath)
	return nil
}

func probeFPS(ctx context.Context, ffprobe, video string) (float64, error) {
	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		video,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w: %s", video, err, strings.TrimSpace(stderr.String()))
	}
	return ParseRate(strings.TrimSpace(string(out)))
}

// ParseRate parses an ffprobe frame rate such as "30000/1001" or "25".
func ParseRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("unable to get video fps")
	}

	num, den, isRatio := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
	}
	d := 1.0
	if isRatio {
		d, err = strconv.ParseFloat(den, 64)
		if err != nil {
			return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
		}
	}
	if n <= 0 || d <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return n / d, nil
}

func extractFrames(ctx context.Context, ffmpeg, video string) ([][]byte, error) {
	cmd := exec.CommandContext(ctx, ffmpeg,
		"-v", "error",
		"-i", video,
		"-vf", "format=gray",
		"-c:v", "png",
		"-f", "image2pipe",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	frames, splitErr := SplitPNGStream(stdout)
	if splitErr != nil {
		// Unblock ffmpeg before waiting on it.
		io.Copy(io.Discard, stdout)
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("ffmpeg %s: %w: %s", video, err, strings.TrimSpace(stderr.String()))
	}
	if splitErr != nil {
		return nil, splitErr
	}
	return frames, nil
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// maxChunkLength rejects corrupt chunk headers before allocating.
const maxChunkLength = 64 << 20

// SplitPNGStream splits concatenated PNG images (ffmpeg's image2pipe output)
// into one byte slice per image.
func SplitPNGStream(r io.Reader) ([][]byte, error) {
	br := bufio.NewReaderSize(r, 256*1024)
	var frames [][]byte

	for {
		sig := make([]byte, len(pngSignature))
		if _, err := io.ReadFull(br, sig); err != nil {
			if err == io.EOF {
				return frames, nil
			}
			return nil, fmt.Errorf("frame %d: truncated signature: %w", len(frames), err)
		}
		if !bytes.Equal(sig, pngSignature) {
			return nil, fmt.Errorf("frame %d: not a PNG stream", len(frames))
		}

		var frame bytes.Buffer
		frame.Write(sig)
		for {
			header := make([]byte, 8)
			if _, err := io.ReadFull(br, header); err != nil {
				return nil, fmt.Errorf("frame %d: truncated chunk header: %w", len(frames), err)
			}
			length := binary.BigEndian.Uint32(header[:4])
			if length > maxChunkLength {
				return nil, fmt.Errorf("frame %d: chunk length %d too large", len(frames), length)
			}
			frame.Write(header)
			// data + CRC
			if _, err := io.CopyN(&frame, br, int64(length)+4); err != nil {
				return nil, fmt.Errorf("frame %d: truncated chunk: %w", len(frames), err)
			}
			if string(header[4:8]) == "IEND" {
				break
			}
		}
		frames = append(frames, frame.Bytes())
	}
}
