package phonedecode

import (
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// TesseractRecognizer runs a dedicated tesseract client restricted to
// the digit character set. The underlying client is not reentrant, so
// recognitions are serialized.
type TesseractRecognizer struct {
	mu     sync.Mutex
	client *gosseract.Client
}

func NewTesseractRecognizer() (*TesseractRecognizer, error) {
	client := gosseract.NewClient()
	if err := client.SetWhitelist("0123456789 -+()."); err != nil {
		client.Close()
		return nil, err
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, err
	}
	return &TesseractRecognizer{client: client}, nil
}

func (t *TesseractRecognizer) RecognizeDigits(png []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.client.SetImageFromBytes(png); err != nil {
		return "", err
	}
	return t.client.Text()
}

func (t *TesseractRecognizer) Close() error {
	return t.client.Close()
}
