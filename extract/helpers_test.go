package extract

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/Benrotm/real-estate-mls-sub003/phonedecode"
)

func newTestDecoder(rec phonedecode.Recognizer) *phonedecode.Decoder {
	return phonedecode.NewDecoder(rec, false, 1)
}

func phonePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 60, 14))); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}
