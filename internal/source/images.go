// Package source provides frame sources: a directory of still frames,
// an in-memory clip and a synthetic pattern generator.
package source

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	// Decoders registered with image.Decode
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

var frameExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".webp": true,
}

// ImageDirOptions configure an ImageDir source
type ImageDirOptions struct {
	FPS  float64 // media frame rate, default 30
	Loop bool    // restart from the first frame at the end
	Pace bool    // deliver frames in real time
}

// ImageDir reads a clip stored as one image file per frame, in lexical order
type ImageDir struct {
	dir    string
	files  []string
	opts   ImageDirOptions
	pos    int
	seq    uint64
	start  time.Time
	pacer  *pacer
	closed bool
	log    *logger.ModuleLogger
}

// NewImageDir lists dir. A missing or empty directory is ErrSourceUnavailable.
func NewImageDir(dir string, opts ImageDirOptions) (*ImageDir, error) {
	files, err := ListFrames(dir)
	if err != nil {
		return nil, err
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}

	s := &ImageDir{
		dir:   dir,
		files: files,
		opts:  opts,
		start: time.Now(),
		log:   logger.For("Source"),
	}
	if opts.Pace {
		s.pacer = newPacer(opts.FPS)
	}
	s.log.Info("opened %s: %d frames at %.1f fps", dir, len(files), opts.FPS)
	return s, nil
}

// ListFrames returns the sorted frame files of dir
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open frame directory %s: %w: %w", dir, types.ErrSourceUnavailable, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("frame directory %s has no frames: %w", dir, types.ErrSourceUnavailable)
	}
	sort.Strings(files)
	return files, nil
}

// Next decodes the next frame. It returns io.EOF after the last frame
// unless the source loops.
func (s *ImageDir) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if s.closed {
		return types.Frame{}, io.EOF
	}
	if s.pos >= len(s.files) {
		if !s.opts.Loop {
			return types.Frame{}, io.EOF
		}
		s.pos = 0
	}
	if s.pacer != nil {
		if err := s.pacer.wait(ctx); err != nil {
			return types.Frame{}, err
		}
	}

	img, err := DecodeFile(s.files[s.pos])
	if err != nil {
		return types.Frame{}, err
	}
	s.pos++
	s.seq++

	return types.Frame{
		Image:     img,
		Seq:       s.seq,
		Timestamp: mediaTime(s.start, s.seq, s.opts.FPS),
	}, nil
}

// DecodeFile decodes one PNG, JPEG, BMP or WebP image
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame %s: %w: %w", path, types.ErrSourceUnavailable, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w: %w", path, types.ErrSourceUnavailable, err)
	}
	return img, nil
}

// Len returns the number of frames in one pass over the directory
func (s *ImageDir) Len() int { return len(s.files) }

func (s *ImageDir) FPS() float64 { return s.opts.FPS }

func (s *ImageDir) Close() error {
	s.closed = true
	if s.pacer != nil {
		s.pacer.stop()
	}
	return nil
}

// mediaTime is the presentation time of frame seq (1-based) at fps
func mediaTime(start time.Time, seq uint64, fps float64) time.Time {
	return start.Add(time.Duration(float64(seq-1) * float64(time.Second) / fps))
}
