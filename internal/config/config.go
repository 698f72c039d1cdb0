package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr   string
	Secret string
	// External conversion tools.
	CmdPdftk       string
	CmdSvg2pdf     string
	CmdPdfAnnotate string
	ToolTimeout    time.Duration
	CORSOrigin     string
	// Optional cross-node broadcast relay.
	RedisURL string
	// Embedded item backend (disabled when DatabaseURL is empty).
	DatabaseURL string
	BaseURL     string
	FilesDir    string
	// S3 source store for the embedded backend.
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
}

func Load() Config {
	return Config{
		Addr:           getenv("PDFDRAW_ADDR", ":8080"),
		Secret:         getenv("PDFDRAW_SECRET", ""),
		CmdPdftk:       getenv("PDFDRAW_CMD_PDFTK", "pdftk"),
		CmdSvg2pdf:     getenv("PDFDRAW_CMD_SVG2PDF", ""),
		CmdPdfAnnotate: getenv("PDFDRAW_CMD_PDFANNOTATE", "pdfannotate"),
		ToolTimeout:    time.Duration(getenvInt("PDFDRAW_TOOL_TIMEOUT_SECONDS", 120)) * time.Second,
		CORSOrigin:     getenv("PDFDRAW_CORS_ORIGIN", "*"),
		RedisURL:       getenv("PDFDRAW_REDIS_URL", ""),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		BaseURL:        getenv("PDFDRAW_BASE_URL", "http://localhost:8080"),
		FilesDir:       getenv("PDFDRAW_FILES_DIR", "./data/files"),
		S3Endpoint:     getenv("PDFDRAW_S3_ENDPOINT", ""),
		S3AccessKey:    getenv("PDFDRAW_S3_ACCESS_KEY", ""),
		S3SecretKey:    getenv("PDFDRAW_S3_SECRET_KEY", ""),
		S3Bucket:       getenv("PDFDRAW_S3_BUCKET", ""),
		S3UseSSL:       getenvInt("PDFDRAW_S3_USE_SSL", 1) != 0,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
