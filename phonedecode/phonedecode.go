// Package phonedecode extracts phone numbers from the obfuscation images
// some portals render instead of plain-text contact fields.
package phonedecode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"

	_ "image/gif"
	_ "image/jpeg"
)

var (
	// ErrEmpty means the source returned no image bytes at all.
	ErrEmpty = errors.New("phonedecode: empty image")
	// ErrUnreadable means the bytes were not a decodable image or the
	// recognizer could not find enough digits in it.
	ErrUnreadable = errors.New("phonedecode: unreadable image")
)

// minDigits is the shortest digit run we accept as a phone number.
// Anything shorter is OCR noise.
const minDigits = 6

// Recognizer turns a normalized PNG into raw recognized text.
type Recognizer interface {
	RecognizeDigits(png []byte) (string, error)
}

// Decoder normalizes a phone image and runs it through a Recognizer.
type Decoder struct {
	rec    Recognizer
	invert bool
	scale  int
}

func NewDecoder(rec Recognizer, invert bool, scale int) *Decoder {
	if scale < 1 {
		scale = 1
	}
	return &Decoder{rec: rec, invert: invert, scale: scale}
}

// Decode returns the digits found in img, stripped of separators.
func (d *Decoder) Decode(img []byte) (string, error) {
	if len(img) == 0 {
		return "", ErrEmpty
	}

	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	normalized, err := d.normalize(src)
	if err != nil {
		return "", err
	}

	text, err := d.rec.RecognizeDigits(normalized)
	if err != nil {
		return "", fmt.Errorf("phonedecode: recognizer: %w", err)
	}

	digits := keepDigits(text)
	if len(digits) < minDigits {
		return "", fmt.Errorf("%w: got %d digits", ErrUnreadable, len(digits))
	}
	return digits, nil
}

// normalize upscales the image so small glyphs survive recognition and
// optionally inverts light-on-dark renderings.
func (d *Decoder) normalize(src image.Image) ([]byte, error) {
	out := imaging.Clone(src)
	if d.scale > 1 {
		b := src.Bounds()
		out = imaging.Resize(out, b.Dx()*d.scale, b.Dy()*d.scale, imaging.Lanczos)
	}
	if d.invert {
		out = imaging.Invert(out)
	}
	out = imaging.Grayscale(out)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("phonedecode: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func keepDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
