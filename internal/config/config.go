package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every option the core recognizes at startup, read from
// environment variables by Load. Concurrency and batch delay can still be
// changed on a running worker without a restart — see
// worker.RuntimeConfig.
type Config struct {
	Addr    string
	BaseURL string
	DataDir string

	StoragePath string
	Categories  []string

	AutoCategorize bool
	AutoAnalyze    bool
	PersistAITasks bool

	AIConcurrency   int
	AIBatchDelay    time.Duration
	AIMaxAttempts   int
	AIBackoffBase   time.Duration

	AcceptedImageTypes    []string
	EnableImageTypeFilter bool

	UploadToken string

	VisionEndpoint string
	VisionAPIKey   string
	VisionModel    string
	VisionTimeout  time.Duration
}

func Load() Config {
	dataDir := getenv("EMOJILUNA_DATA_DIR", filepath.Join("..", "..", "local-data"))
	storagePath := getenv("EMOJILUNA_STORAGE_PATH", filepath.Join(dataDir, "images"))

	return Config{
		Addr:    getenv("EMOJILUNA_ADDR", ":8080"),
		BaseURL: getenv("EMOJILUNA_BASE_URL", ""),
		DataDir: dataDir,

		StoragePath: storagePath,
		Categories:  getenvCSV("EMOJILUNA_CATEGORIES", []string{"表情", "其他"}),

		AutoCategorize: getenvBool("EMOJILUNA_AUTO_CATEGORIZE", true),
		AutoAnalyze:    getenvBool("EMOJILUNA_AUTO_ANALYZE", true),
		PersistAITasks: getenvBool("EMOJILUNA_PERSIST_AI_TASKS", true),

		AIConcurrency: getenvInt("EMOJILUNA_AI_CONCURRENCY", 2),
		AIBatchDelay:  getenvMillis("EMOJILUNA_AI_BATCH_DELAY_MS", 500*time.Millisecond),
		AIMaxAttempts: getenvInt("EMOJILUNA_AI_MAX_ATTEMPTS", 3),
		AIBackoffBase: getenvMillis("EMOJILUNA_AI_BACKOFF_BASE_MS", time.Second),

		AcceptedImageTypes:    getenvCSV("EMOJILUNA_ACCEPTED_IMAGE_TYPES", []string{"png", "jpeg", "gif", "webp"}),
		EnableImageTypeFilter: getenvBool("EMOJILUNA_ENABLE_IMAGE_TYPE_FILTER", false),

		UploadToken: getenv("EMOJILUNA_UPLOAD_TOKEN", ""),

		VisionEndpoint: getenv("EMOJILUNA_VISION_ENDPOINT", ""),
		VisionAPIKey:   envFirst("EMOJILUNA_VISION_API_KEY", "OPENAI_API_KEY"),
		VisionModel:    getenv("EMOJILUNA_VISION_MODEL", "gpt-4o-mini"),
		VisionTimeout:  getenvMillis("EMOJILUNA_VISION_TIMEOUT_MS", 30*time.Second),
	}
}

func envFirst(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	values := splitCSV(raw)
	if len(values) == 0 {
		return fallback
	}
	return values
}

func getenvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvMillis(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
