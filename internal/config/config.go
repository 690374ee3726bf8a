package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"tripwatch/internal/pubsub"
	"tripwatch/internal/store"
)

// Config holds the runtime settings shared by the API server and the
// scheduled jobs.
type Config struct {
	HTTPAddr string

	RedisAddr      string
	LocationsTopic string
	ExportTopic    string

	BlobRoot string

	// CollectionWindow bounds how long one ingest invocation accepts ping
	// messages.
	CollectionWindow time.Duration

	// Daily usage window, local wall clock in TimeZone.
	WindowStart string
	WindowEnd   string
	TimeZone    string

	SamplePercentage float64
	PurgeWeeks       int
}

var (
	// C is the loaded configuration.
	C *Config
	// Blobs is the shared blob bucket handle.
	Blobs *store.BlobStore
	// Broker is the shared message broker handle.
	Broker *pubsub.Broker
)

// Load reads .env (if present) and the environment into the global Config.
func Load() *Config {
	// 1) Load .env (if present)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found – relying on env vars")
	}

	C = &Config{
		HTTPAddr:         getEnv("HTTP_ADDR", "0.0.0.0:8080"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		LocationsTopic:   getEnv("LOCATIONS_TOPIC", "carlocations"),
		ExportTopic:      getEnv("EXPORT_TOPIC", "exported-trips"),
		BlobRoot:         getEnv("BLOB_ROOT", "./data/blobs"),
		CollectionWindow: getDurationEnv("COLLECTION_WINDOW", 5*time.Second),
		WindowStart:      getEnv("WINDOW_START", "06:00"),
		WindowEnd:        getEnv("WINDOW_END", "20:00"),
		TimeZone:         getEnv("TIME_ZONE", "Europe/Amsterdam"),
		SamplePercentage: getFloatEnv("SAMPLE_PERCENTAGE", 5),
		PurgeWeeks:       getIntEnv("PURGE_WEEKS", 4),
	}
	return C
}

// InitBlobs opens the blob bucket at the configured root.
func InitBlobs() {
	blobs, err := store.NewBlobStore(C.BlobRoot)
	if err != nil {
		log.Fatalf("failed to open blob store: %v", err)
	}
	Blobs = blobs
}

// InitBroker connects the message broker.
func InitBroker() {
	Broker = pubsub.NewBroker(C.RedisAddr)
}

// getEnv reads an environment variable or returns the provided default
func getEnv(key, defaultValue string) string {
	if v, exists := os.LookupEnv(key); exists {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if v, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if v, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
