package config

import (
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	MediaRoot string

	// Which page/version carries the ID box.
	Version      int
	IDPageNumber int
	NumDigits    int
	Workers      int

	// Classifier engine: "onnx" (local artifact) or "gemini" (remote).
	Classifier     string
	ModelPath      string
	OnnxLibPath    string
	OnnxInputName  string
	OnnxOutputName string
	GeminiAPIKey   string
	GeminiModel    string

	DebugDir string
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("missing required env %s", k)
	}
	return v
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("env %s=%q is not an integer", k, v)
	}
	return n
}

func Load() *Config {
	cfg := &Config{
		MediaRoot: getEnv("MEDIA_ROOT", "media"),

		Version:      getEnvInt("ID_VERSION", 1),
		IDPageNumber: getEnvInt("ID_PAGE_NUMBER", 1),
		NumDigits:    getEnvInt("ID_NUM_DIGITS", 8),
		Workers:      getEnvInt("ID_WORKERS", 0),

		Classifier:     getEnv("ID_CLASSIFIER", "onnx"),
		ModelPath:      getEnv("ID_MODEL_PATH", "models/digit_classifier.onnx"),
		OnnxLibPath:    os.Getenv("ONNXRUNTIME_LIB_PATH"),
		OnnxInputName:  getEnv("ONNX_INPUT_NAME", "input"),
		OnnxOutputName: getEnv("ONNX_OUTPUT_NAME", "output"),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash"),

		DebugDir: os.Getenv("ID_DEBUG_DIR"),
	}
	if cfg.Classifier == "gemini" {
		cfg.GeminiAPIKey = mustEnv("GEMINI_API_KEY")
	}
	return cfg
}

// ResolveDSN prefers DATABASE_URL, then builds a DSN from POSTGRES_* / PG*
// env vars.
func ResolveDSN() string {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		return v
	}
	user := getEnv("POSTGRES_USER", "idreader")
	pass := os.Getenv("POSTGRES_PASSWORD")
	host := getEnv("PGHOST", "db")
	port := getEnv("PGPORT", "5432")
	db := getEnv("POSTGRES_DB", "idreader")

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, pass),
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + db,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
