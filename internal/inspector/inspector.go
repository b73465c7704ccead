// Package inspector implements format detection by magic bytes, content
// hashing, frame counting, and frame sampling for animated inputs.
package inspector

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/jpeg" // registers the jpeg decoder with image.DecodeConfig
	_ "image/png"  // registers the png decoder with image.DecodeConfig
	"image/gif"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // registers the webp decoder with image.DecodeConfig

	"github.com/yabo083/emojiluna/internal/model"
)

// Adapter gives the package-level functions a method set, so a caller that
// wants to inject the Image Inspector behind an interface (the Worker
// Loop's Sampler, for instance) has a concrete zero-value type to pass.
type Adapter struct{}

func (Adapter) DetectFormat(data []byte) model.ImageFormat { return DetectFormat(data) }

func (Adapter) SampleFrames(data []byte, n int, format model.ImageFormat) [][]byte {
	return SampleFrames(data, n, format)
}

// Metadata is the result of inspecting an image's bytes: its detected
// format, pixel dimensions, and frame count.
type Metadata struct {
	Format     model.ImageFormat
	Width      int
	Height     int
	FrameCount int
}

// DetectFormat identifies one of the four supported formats from the
// leading magic bytes. Unrecognized input returns model.FormatUnknown.
func DetectFormat(data []byte) model.ImageFormat {
	head := data
	if len(head) > 12 {
		head = head[:12]
	}

	switch {
	case bytes.HasPrefix(head, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return model.FormatPNG
	case bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF}):
		return model.FormatJPEG
	case bytes.HasPrefix(head, []byte("GIF87a")), bytes.HasPrefix(head, []byte("GIF89a")):
		return model.FormatGIF
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP")):
		return model.FormatWebP
	default:
		return model.FormatUnknown
	}
}

// Hash returns the lowercase hex-encoded SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Inspect detects the format, decodes its header for dimensions, and for
// GIFs counts frames. A decode failure leaves Width/Height zero and
// FrameCount at 1 rather than failing the whole call — callers that need
// a hard format guarantee should check DetectFormat separately.
func Inspect(data []byte) Metadata {
	format := DetectFormat(data)
	meta := Metadata{Format: format, FrameCount: 1}

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		meta.Width, meta.Height = cfg.Width, cfg.Height
	}

	if format != model.FormatGIF {
		return meta
	}
	decoded, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil || len(decoded.Image) == 0 {
		return meta
	}
	meta.FrameCount = len(decoded.Image)
	return meta
}

// SampleFrames picks up to n roughly-evenly-spaced frames for animated
// input, each re-encoded as an independent PNG image. Static input
// (including a GIF with a single frame) returns the original bytes
// unchanged. Decode failures on animated input yield an empty slice so
// the caller falls back to the original bytes.
func SampleFrames(data []byte, n int, format model.ImageFormat) [][]byte {
	if format != model.FormatGIF {
		return [][]byte{data}
	}

	decoded, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	total := len(decoded.Image)
	if total <= 1 {
		return [][]byte{data}
	}
	if n <= 0 {
		n = 1
	}
	if n > total {
		n = total
	}

	indices := evenlySpaced(total, n)
	frames := make([][]byte, 0, len(indices))
	for _, idx := range indices {
		encoded, err := encodeFramePNG(decoded.Image[idx])
		if err != nil {
			continue
		}
		frames = append(frames, encoded)
	}
	if len(frames) == 0 {
		return nil
	}
	return frames
}

// evenlySpaced returns n indices in [0, total) spread across the range,
// always including the first and last frame when n > 1.
func evenlySpaced(total, n int) []int {
	if n == 1 {
		return []int{0}
	}
	out := make([]int, 0, n)
	step := float64(total-1) / float64(n-1)
	for i := 0; i < n; i++ {
		idx := int(step*float64(i) + 0.5)
		if idx >= total {
			idx = total - 1
		}
		out = append(out, idx)
	}
	return out
}

func encodeFramePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
