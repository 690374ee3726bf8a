package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"time"

	"tripwatch/internal/classify"
	"tripwatch/internal/config"
	"tripwatch/internal/ingest"
	"tripwatch/internal/logger"
	"tripwatch/internal/purge"
	"tripwatch/internal/segment"
)

func main() {
	job := flag.String("job", "", "job to run: ingest | segment | classify | purge")
	dateStr := flag.String("date", "", "analysis date override (YYYY-MM-DD)")
	flag.Parse()

	logger.Setup()
	cfg := config.Load()

	date, err := runDate(*job, *dateStr, time.Now())
	if err != nil {
		log.Fatalf("invalid -date %q: %v", *dateStr, err)
	}

	switch *job {
	case "ingest":
		if skipWeekend(date) {
			return
		}
		config.InitBlobs()
		config.InitBroker()
		defer config.Broker.Close()
		runIngest(cfg, date)
	case "segment":
		if skipWeekend(date) {
			return
		}
		config.InitDB()
		config.InitBlobs()
		runSegment(date)
	case "classify":
		config.InitDB()
		config.InitBlobs()
		runClassify(cfg, date)
	case "purge":
		config.InitDB()
		runPurge(cfg)
	default:
		log.Fatalf("unknown job %q, want ingest | segment | classify | purge", *job)
	}
}

// runDate resolves the analysis date for a job. Ingest collects live pings,
// so it analyzes today; segment and classify work on the last completed day
// and default to yesterday. An explicit -date wins for any job.
func runDate(job, override string, now time.Time) (time.Time, error) {
	date := now.UTC()
	if override != "" {
		d, err := time.Parse("2006-01-02", override)
		if err != nil {
			return time.Time{}, err
		}
		date = d
	} else if job != "ingest" {
		date = date.AddDate(0, 0, -1)
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// skipWeekend reports whether the analysis date falls on a weekend. The
// fleet does not drive then, so the daily jobs have nothing to process.
func skipWeekend(date time.Time) bool {
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		log.Printf("%s is a %s, nothing to ingest", date.Format("2006-01-02"), wd)
		return true
	}
	return false
}

func runIngest(cfg *config.Config, date time.Time) {
	run := ingest.NewRun(date)
	ctx := context.Background()
	err := config.Broker.Collect(ctx, cfg.LocationsTopic, cfg.CollectionWindow, func(payload []byte) {
		if err := run.ProcessMessage(payload); err != nil {
			log.Printf("dropping message: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("collect locations: %v", err)
	}
	if err := run.Flush(config.Blobs); err != nil {
		log.Fatalf("flush location blobs: %v", err)
	}
	log.Printf("ingested locations for %d vehicles", run.Vehicles())
}

func runSegment(date time.Time) {
	s := &segment.Segmenter{
		DB:    config.DB,
		Blobs: config.Blobs,
		Log:   logger.Component("segment"),
	}
	stats, err := s.ProcessDate(date)
	if err != nil {
		log.Fatalf("segment %s: %v", date.Format("2006-01-02"), err)
	}
	log.Printf("segmented %d trips (%d pending, %d dropped) across %d vehicles",
		stats.Trips, stats.Pending, stats.Dropped, stats.Vehicles)
}

func runClassify(cfg *config.Config, date time.Time) {
	c := &classify.Classifier{
		DB:    config.DB,
		Blobs: config.Blobs,
		Cfg: classify.Config{
			WindowStart:      cfg.WindowStart,
			WindowEnd:        cfg.WindowEnd,
			TimeZone:         cfg.TimeZone,
			SamplePercentage: cfg.SamplePercentage,
		},
		Log: logger.Component("classify"),
		// The classifier works on the day before "now"; shift now so the
		// -date override selects the day to classify.
		Now:  func() time.Time { return date.AddDate(0, 0, 1) },
		Rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	stats, err := c.Run()
	if err != nil {
		log.Fatalf("classify: %v", err)
	}
	log.Printf("classified %d trips (%d outside window, %d sampled)",
		stats.Visited, stats.MarkedOutside, stats.Sampled)
}

func runPurge(cfg *config.Config) {
	p := &purge.Purger{
		DB:  config.DB,
		Log: logger.Component("purge"),
		Now: time.Now,
	}
	deleted, err := p.Run(cfg.PurgeWeeks)
	if err != nil {
		log.Fatalf("purge: %v", err)
	}
	log.Printf("purged %d exported trips older than %d weeks", deleted, cfg.PurgeWeeks)
}
