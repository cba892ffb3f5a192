package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Benrotm/real-estate-mls-sub003/config"
	"github.com/Benrotm/real-estate-mls-sub003/engine"
	"github.com/Benrotm/real-estate-mls-sub003/fetch"
	"github.com/Benrotm/real-estate-mls-sub003/geocode"
	"github.com/Benrotm/real-estate-mls-sub003/httputil"
	"github.com/Benrotm/real-estate-mls-sub003/logging"
	"github.com/Benrotm/real-estate-mls-sub003/models"
	"github.com/Benrotm/real-estate-mls-sub003/phonedecode"
	"github.com/Benrotm/real-estate-mls-sub003/scheduler"
	"github.com/Benrotm/real-estate-mls-sub003/selectors"
	"github.com/Benrotm/real-estate-mls-sub003/storage"
	"github.com/Benrotm/real-estate-mls-sub003/workers"

	"github.com/Benrotm/real-estate-mls-sub003/backoff"
)

var (
	scrapeNow  = flag.Bool("scrape", false, "Run one job per source and exit")
	scrapeSrc  = flag.String("source", "", "Limit -scrape to one source")
	scrapeMode = flag.String("mode", "incremental", "Job mode: full, incremental or single_page")
	scrapePage = flag.Int("page", 0, "Page for single_page mode")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	logFile, err := logging.Setup("daemon.log")
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting listing ingest daemon...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Loaded %d source configs", len(cfg.Sources))
	for id, src := range cfg.Sources {
		log.Printf("  - %s (%s)", src.Name, id)
	}

	clients := httputil.NewClients(&cfg.Proxy)
	if cfg.Proxy.URL != "" {
		log.Printf("Proxy: %s", cfg.Proxy.URL)
	}

	ctx := context.Background()

	pgStore, err := storage.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()
	log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.PostgresURL))

	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer sqliteStore.Close()
	log.Printf("SQLite database: %s", cfg.DBPath)

	if reaped, err := sqliteStore.ReapRunningJobs(); err != nil {
		log.Fatalf("Failed to reap stale jobs: %v", err)
	} else if reaped > 0 {
		log.Printf("Marked %d interrupted jobs as failed", reaped)
	}

	geocoder := geocode.New(clients.API, cfg.Geocoder)

	recognizer, err := buildRecognizer(cfg)
	if err != nil {
		log.Fatalf("Failed to init phone OCR: %v", err)
	}
	if recognizer != nil {
		defer recognizer.Close()
	}

	factory := fetch.NewFactory(clients, backoff.Default, cfg.Engine.FetchTimeout)

	eng := engine.New(cfg, sqliteStore, pgStore, factory, geocoder, asRecognizer(recognizer))

	uploader, err := buildUploader(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to init archive uploader: %v", err)
	}
	archiveWorker := workers.NewArchiveWorker(uploader, 256)
	eng.SetArchive(func(sourceID string, img []byte) {
		if !archiveWorker.Enqueue(workers.ArchiveItem{SourceID: sourceID, Data: img}) {
			log.Printf("Archive queue full, dropping image from %s", sourceID)
		}
	})

	// One-shot mode: run the requested jobs and exit.
	if *scrapeNow {
		runOnce(eng, cfg)
		return
	}

	// Daemon mode
	sched := scheduler.New(cfg, eng, sqliteStore)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	geocodeWorker := workers.NewGeocodeWorker(pgStore, geocoder, countryHints(cfg))
	sched.SetWorkers(geocodeWorker, archiveWorker)

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	go geocodeWorker.Run(ctx, 25, 10*time.Minute)
	log.Println("Geocode worker started")

	go archiveWorker.Run(ctx)
	log.Println("Archive worker started")

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	sched.Stop()
	cancel()
	eng.Wait()
	log.Println("Goodbye!")
}

func runOnce(eng *engine.Engine, cfg *config.Config) {
	mode := models.JobMode(*scrapeMode)
	switch mode {
	case models.JobModeFull, models.JobModeIncremental, models.JobModeSinglePage:
	default:
		log.Fatalf("Unknown mode %q", *scrapeMode)
	}

	sources := make([]string, 0, len(cfg.Sources))
	if *scrapeSrc != "" {
		sources = append(sources, *scrapeSrc)
	} else {
		for id := range cfg.Sources {
			sources = append(sources, id)
		}
	}

	jobs := make(map[string]string, len(sources))
	for _, sourceID := range sources {
		jobID, err := eng.StartJob(sourceID, mode, *scrapePage)
		if err != nil {
			log.Fatalf("Start %s: %v", sourceID, err)
		}
		log.Printf("Started %s job %s for %s", mode, jobID, sourceID)
		jobs[sourceID] = jobID
	}

	eng.Wait()

	for sourceID, jobID := range jobs {
		job, err := eng.GetJob(jobID)
		if err != nil || job == nil {
			continue
		}
		log.Printf("%s: %s pages=%d imported=%d", sourceID, job.Status, job.PagesProcessed, job.URLsImported)
	}
	log.Println("Scrape complete!")
}

// buildRecognizer initializes OCR only when a source actually decodes
// phone images.
func buildRecognizer(cfg *config.Config) (*phonedecode.TesseractRecognizer, error) {
	for _, src := range cfg.Sources {
		for _, rule := range src.Selectors.Rules {
			if rule.Post == selectors.PostPhoneImage {
				return phonedecode.NewTesseractRecognizer()
			}
		}
	}
	return nil, nil
}

func asRecognizer(t *phonedecode.TesseractRecognizer) phonedecode.Recognizer {
	if t == nil {
		return nil
	}
	return t
}

func buildUploader(ctx context.Context, cfg *config.Config) (storage.Uploader, error) {
	if cfg.Archive.Bucket == "" {
		log.Println("No archive bucket configured, phone images are not archived")
		return storage.NoOpUploader{}, nil
	}
	return storage.NewS3Uploader(ctx, storage.S3Config{
		Bucket:          cfg.Archive.Bucket,
		Region:          cfg.Archive.Region,
		Endpoint:        cfg.Archive.Endpoint,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
	})
}

func countryHints(cfg *config.Config) map[string]string {
	hints := make(map[string]string, len(cfg.Sources))
	for id, src := range cfg.Sources {
		if src.CountryHint != "" {
			hints[id] = src.CountryHint
		}
	}
	return hints
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
