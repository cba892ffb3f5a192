package workers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/Benrotm/real-estate-mls-sub003/storage"
)

// ArchiveItem is one phone image queued for archival.
type ArchiveItem struct {
	SourceID string
	Data     []byte
}

// ArchiveWorker ships decoded phone images to S3 so contested imports
// can be audited later. Items are hashed, so re-archiving the same
// image overwrites the same key.
type ArchiveWorker struct {
	uploader storage.Uploader
	queue    chan ArchiveItem
}

func NewArchiveWorker(uploader storage.Uploader, queueSize int) *ArchiveWorker {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &ArchiveWorker{
		uploader: uploader,
		queue:    make(chan ArchiveItem, queueSize),
	}
}

// Enqueue adds an image to the archive queue. A full queue drops the
// item rather than stalling the scrape.
func (w *ArchiveWorker) Enqueue(item ArchiveItem) bool {
	select {
	case w.queue <- item:
		return true
	default:
		return false
	}
}

// Trigger logs the queue depth. The queue drains continuously, so a
// manual trigger only surfaces how far behind the worker is.
func (w *ArchiveWorker) Trigger() {
	log.Printf("Archive worker: %d items queued", len(w.queue))
}

// Run drains the queue until the context ends.
func (w *ArchiveWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("Archive worker stopping")
			return
		case item := <-w.queue:
			if err := w.archive(ctx, item); err != nil {
				log.Printf("Archive worker: %v", err)
			}
		}
	}
}

func (w *ArchiveWorker) archive(ctx context.Context, item ArchiveItem) error {
	hash := sha256.Sum256(item.Data)
	digest := hex.EncodeToString(hash[:])
	key := fmt.Sprintf("phone-images/%s/%s/%s.png", item.SourceID, digest[:2], digest)

	uctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := w.uploader.Upload(uctx, key, bytes.NewReader(item.Data), "image/png"); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
