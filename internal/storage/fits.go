package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/astrogo/fitsio"
	"github.com/bilbercode/gencam/internal/exposure"
	log "github.com/sirupsen/logrus"
)

const Suffix = ".fits"

// Saver writes exposures as FITS files below a directory.
type Saver struct {
	dir    string
	logger *log.Entry
}

func NewSaver(dir string, logger *log.Entry) *Saver {
	if logger == nil {
		logger = log.WithField("component", "storage")
	}
	return &Saver{dir: dir, logger: logger}
}

// Save writes exp to dir/name.fits and returns the path.
func (s *Saver) Save(exp *exposure.Exposure, name string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, name+Suffix)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := s.WriteFITS(w, exp); err != nil {
		f.Close()
		return "", err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	s.logger.Debugf("saved exposure to %s", path)
	return path, nil
}

// WriteFITS encodes exp as a single primary HDU. Raw exposures are stored as
// signed 16 bit with BZERO=32768, previews as 8 bit.
func (s *Saver) WriteFITS(w io.Writer, exp *exposure.Exposure) error {
	out, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("failed to create fits stream: %w", err)
	}
	defer out.Close()

	axes := []int{exp.Width, exp.Height}
	var (
		img  fitsio.Image
		data interface{}
	)
	if exp.IsPreview() {
		img = fitsio.NewImage(8, axes)
		data = append([]byte(nil), exp.Bytes()...)
	} else {
		img = fitsio.NewImage(16, axes)
		pixels := make([]int16, exp.Len())
		for i := range pixels {
			pixels[i] = int16(int32(exp.Pixel(i)) - 32768)
		}
		data = pixels
		if err := img.Header().Append(
			fitsio.Card{Name: "BZERO", Value: 32768, Comment: "offset data range to that of unsigned short"},
			fitsio.Card{Name: "BSCALE", Value: 1, Comment: "default scaling factor"},
		); err != nil {
			return fmt.Errorf("failed to write scaling cards: %w", err)
		}
	}
	defer img.Close()

	hdr := img.Header()
	for _, tag := range exp.Tags() {
		if tag.Value == nil {
			continue
		}
		card := fitsio.Card{Name: tag.Name, Value: cardValue(tag.Value), Comment: tag.Comment}
		if err := hdr.Append(card); err != nil {
			s.logger.WithError(err).Warnf("dropping header card %s", tag.Name)
		}
	}

	if err := img.Write(data); err != nil {
		return fmt.Errorf("failed to write image data: %w", err)
	}
	if err := out.Write(img); err != nil {
		return fmt.Errorf("failed to write fits hdu: %w", err)
	}
	return nil
}

// cardValue narrows tag values to the types a FITS card can hold.
func cardValue(v interface{}) interface{} {
	switch v := v.(type) {
	case int, float64, string, bool:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case uint:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float32:
		return float64(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
