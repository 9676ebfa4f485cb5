// Package frames decodes sampled frames from stored footage.
package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os/exec"
	"strconv"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/sightline/internal/constants"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/storage"
)

// ErrDecode means a single frame could not be produced. The footage itself may
// still be usable.
var ErrDecode = errors.New("frame decode failed")

// Frame is one decoded frame, scaled to the configured maximum width.
type Frame struct {
	Timestamp float64
	Image     image.Image
	Encoded   []byte // JPEG, sent to the inference service
}

// Source yields frames of one opened footage item.
type Source interface {
	Frame(ctx context.Context, ts float64) (*Frame, error)
	Close() error
}

// Extractor opens footage for frame extraction. Open errors wrap
// storage.ErrUnreadable or storage.ErrTransient.
type Extractor interface {
	Open(ctx context.Context, f *database.Footage) (Source, error)
}

// Store resolves storage references.
type Store interface {
	storage.Opener
	Path(ref string) (string, error)
}

// Decoder extracts video frames with ffmpeg and decodes still images in process.
type Decoder struct {
	store    Store
	ffmpeg   string
	maxWidth int
	maxStill int64
}

// NewDecoder creates a decoder.
func NewDecoder(store Store, ffmpegPath string, maxWidth int) *Decoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if maxWidth <= 0 {
		maxWidth = constants.MaxFrameWidth
	}
	return &Decoder{store: store, ffmpeg: ffmpegPath, maxWidth: maxWidth, maxStill: constants.MaxStillImageSize}
}

// Open implements Extractor. Footage without a duration is a still image.
func (d *Decoder) Open(ctx context.Context, f *database.Footage) (Source, error) {
	rc, err := d.store.Open(ctx, f.StorageRef)
	if err != nil {
		return nil, err
	}

	if f.Duration <= 0 {
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, d.maxStill+1))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w: %w", f.StorageRef, storage.ErrTransient, err)
		}
		if int64(len(data)) > d.maxStill {
			return nil, fmt.Errorf("still image %s exceeds %d bytes: %w", f.StorageRef, d.maxStill, storage.ErrUnreadable)
		}
		img, err := DecodeImage(data)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w: %w", f.StorageRef, storage.ErrUnreadable, err)
		}
		frame, err := NewFrame(0, img, d.maxWidth)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w: %w", f.StorageRef, storage.ErrUnreadable, err)
		}
		return &stillSource{frame: frame}, nil
	}

	_ = rc.Close()
	path, err := d.store.Path(f.StorageRef)
	if err != nil {
		return nil, err
	}
	return &videoSource{ffmpeg: d.ffmpeg, path: path, maxWidth: d.maxWidth}, nil
}

type stillSource struct {
	frame *Frame
}

func (s *stillSource) Frame(_ context.Context, ts float64) (*Frame, error) {
	f := *s.frame
	f.Timestamp = ts
	return &f, nil
}

func (s *stillSource) Close() error { return nil }

type videoSource struct {
	ffmpeg   string
	path     string
	maxWidth int
}

// Frame seeks to ts and decodes a single frame as PNG through a pipe.
func (v *videoSource) Frame(ctx context.Context, ts float64) (*Frame, error) {
	// Arguments are safe: path is resolved inside the storage root
	cmd := exec.CommandContext(ctx, v.ffmpeg, //nolint:gosec
		"-hide_banner",
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", v.path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg at %.3fs: %w: %w: %s", ts, ErrDecode, err, stderr.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ffmpeg at %.3fs produced no frame: %w", ts, ErrDecode)
	}

	img, err := DecodeImage(out)
	if err != nil {
		return nil, fmt.Errorf("frame at %.3fs: %w: %w", ts, ErrDecode, err)
	}
	frame, err := NewFrame(ts, img, v.maxWidth)
	if err != nil {
		return nil, fmt.Errorf("frame at %.3fs: %w: %w", ts, ErrDecode, err)
	}
	return frame, nil
}

func (v *videoSource) Close() error { return nil }

// DecodeImage decodes JPEG, PNG, GIF, BMP or WebP data.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// NewFrame scales img down to maxWidth, keeping the aspect ratio, and encodes
// it as JPEG.
func NewFrame(ts float64, img image.Image, maxWidth int) (*Frame, error) {
	scaled := Scale(img, maxWidth)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return &Frame{Timestamp: ts, Image: scaled, Encoded: buf.Bytes()}, nil
}

// Crop returns the JPEG of the region of f inside bbox, given relative to the
// frame as [x1, y1, x2, y2]. Without a usable box the whole frame is returned.
func Crop(f *Frame, bbox []float64) ([]byte, error) {
	if f.Image == nil || len(bbox) != 4 {
		return f.Encoded, nil
	}
	b := f.Image.Bounds()
	rect := image.Rect(
		b.Min.X+int(bbox[0]*float64(b.Dx())),
		b.Min.Y+int(bbox[1]*float64(b.Dy())),
		b.Min.X+int(math.Ceil(bbox[2]*float64(b.Dx()))),
		b.Min.Y+int(math.Ceil(bbox[3]*float64(b.Dy()))),
	).Intersect(b)
	if rect.Empty() {
		return f.Encoded, nil
	}

	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Copy(crop, image.Point{}, f.Image, rect, draw.Src, nil)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, crop, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

// Scale returns img unchanged when it is at most maxWidth wide, otherwise a
// resized copy.
func Scale(img image.Image, maxWidth int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxWidth <= 0 || width <= maxWidth {
		return img
	}

	newHeight := max(1, int(float64(height)*float64(maxWidth)/float64(width)))
	resized := image.NewRGBA(image.Rect(0, 0, maxWidth, newHeight))
	draw.ApproxBiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized
}
