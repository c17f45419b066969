package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultUpstreamURL is the realtime speech-generation endpoint the relay
// holds one persistent socket per session against.
const DefaultUpstreamURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

type Config struct {
	Addr string

	// Upstream realtime service.
	UpstreamURL     string
	APIKey          string
	ModelCandidates []string // ordered: primary first, then fallbacks
	VoiceName       string
	ConnectTimeout  time.Duration
	DeclareCardTool bool

	// Downstream SSE feed.
	PingInterval time.Duration

	// Session registry.
	SweepInterval time.Duration
	IdleTTL       time.Duration

	// Marker extraction.
	CardBufferLimit int

	// CORS (empty => disabled).
	CORSAllowedOrigins map[string]struct{}

	// Operational defaults.
	MaxBodyBytes        int64
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOXPREP_ADDR", ":8080"),
		UpstreamURL:         envOr("VOXPREP_UPSTREAM_URL", DefaultUpstreamURL),
		APIKey:              strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		ModelCandidates:     splitCSV(os.Getenv("VOXPREP_MODELS")),
		VoiceName:           envOr("VOXPREP_VOICE", "Puck"),
		ConnectTimeout:      envDurationOr("VOXPREP_CONNECT_TIMEOUT", 10*time.Second),
		DeclareCardTool:     envBoolOr("VOXPREP_DECLARE_CARD_TOOL", true),
		PingInterval:        envDurationOr("VOXPREP_SSE_PING_INTERVAL", 30*time.Second),
		SweepInterval:       envDurationOr("VOXPREP_SWEEP_INTERVAL", time.Minute),
		IdleTTL:             envDurationOr("VOXPREP_IDLE_TTL", 5*time.Minute),
		CardBufferLimit:     envIntOr("VOXPREP_CARD_BUFFER_LIMIT", 16*1024),
		CORSAllowedOrigins:  make(map[string]struct{}),
		MaxBodyBytes:        envInt64Or("VOXPREP_MAX_BODY_BYTES", 8<<20), // 8 MiB
		ReadHeaderTimeout:   envDurationOr("VOXPREP_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOXPREP_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))
	}
	if len(cfg.ModelCandidates) == 0 {
		cfg.ModelCandidates = []string{
			"gemini-2.0-flash-exp",
			"gemini-2.0-flash-live-001",
			"gemini-live-2.5-flash-preview",
		}
	}

	for _, origin := range splitCSV(os.Getenv("VOXPREP_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return Config{}, fmt.Errorf("VOXPREP_UPSTREAM_URL must not be empty")
	}
	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY (or GOOGLE_API_KEY) must be set")
	}
	if strings.TrimSpace(cfg.VoiceName) == "" {
		return Config{}, fmt.Errorf("VOXPREP_VOICE must not be empty")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_SSE_PING_INTERVAL must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_SWEEP_INTERVAL must be > 0")
	}
	if cfg.IdleTTL <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_IDLE_TTL must be > 0")
	}
	if cfg.CardBufferLimit <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_CARD_BUFFER_LIMIT must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
