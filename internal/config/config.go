package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

type Config struct {
	Port                      string
	VerifyToken               string
	WhatsAppToken             string
	PhoneNumberID             string
	WhatsAppBusinessAccountID string
	GraphAPIVersion           string

	// Transport selects the send capability: cloud, device or log.
	Transport       string
	DeviceStorePath string

	DBDriver   string
	DBPath     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	LogLevel string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AITimeout       time.Duration
	AIHistoryWindow int

	Pacing Pacing

	StoreRetryBase time.Duration
	StoreRetryMax  time.Duration
}

// Pacing holds the per-tier send delays and cooldowns plus the global
// floor between any two sends on the device.
type Pacing struct {
	SafeDelay      time.Duration
	NormalDelay    time.Duration
	FastDelay      time.Duration
	SafeCooldown   time.Duration
	NormalCooldown time.Duration
	FastCooldown   time.Duration
	GlobalInterval time.Duration
}

// LoadConfig reads .env and the optional INI file at iniPath, then
// resolves every key against the process environment.
func LoadConfig(iniPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Error loading .env file")
	}

	defaults := map[string]string{}
	if iniPath != "" {
		values, err := loadINI(iniPath)
		if err != nil {
			log.Printf("Warning: Failed to load %s: %v", iniPath, err)
		} else {
			defaults = values
		}
	}

	get := func(key, fallback string) string {
		if v, ok := defaults[key]; ok && v != "" {
			fallback = v
		}
		return getEnv(key, fallback)
	}

	cfg := &Config{
		Port:                      get("PORT", "8080"),
		VerifyToken:               get("VERIFY_TOKEN", ""),
		WhatsAppToken:             get("WHATSAPP_TOKEN", ""),
		PhoneNumberID:             get("PHONE_NUMBER_ID", ""),
		WhatsAppBusinessAccountID: get("WABA_ID", ""),
		GraphAPIVersion:           get("GRAPH_API_VERSION", "v19.0"),
		Transport:                 get("TRANSPORT", "cloud"),
		DeviceStorePath:           get("DEVICE_STORE_PATH", "./device.db"),
		DBDriver:                  get("DB_DRIVER", "sqlite"),
		DBPath:                    get("DB_PATH", "./zapflow.db"),
		DBHost:                    get("DB_HOST", "localhost"),
		DBPort:                    get("DB_PORT", "5432"),
		DBUser:                    get("DB_USER", "postgres"),
		DBPassword:                get("DB_PASSWORD", ""),
		DBName:                    get("DB_NAME", "zapflow"),
		DBSSLMode:                 get("DB_SSLMODE", "disable"),
		LogLevel:                  get("LOG_LEVEL", "info"),
		OpenAIAPIKey:              get("OPENAI_API_KEY", ""),
		OpenAIBaseURL:             get("OPENAI_BASE_URL", ""),
	}

	var errs []error
	duration := func(key, fallback string) time.Duration {
		d, err := time.ParseDuration(get(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg.AITimeout = duration("AI_TIMEOUT", "20s")
	cfg.StoreRetryBase = duration("STORE_RETRY_BASE", "500ms")
	cfg.StoreRetryMax = duration("STORE_RETRY_MAX", "30s")
	cfg.Pacing = Pacing{
		SafeDelay:      duration("PACE_SAFE", "30s"),
		NormalDelay:    duration("PACE_NORMAL", "15s"),
		FastDelay:      duration("PACE_FAST", "5s"),
		SafeCooldown:   duration("COOLDOWN_SAFE", "10m"),
		NormalCooldown: duration("COOLDOWN_NORMAL", "5m"),
		FastCooldown:   duration("COOLDOWN_FAST", "2m"),
		GlobalInterval: duration("GLOBAL_SEND_INTERVAL", "2s"),
	}

	window, err := strconv.Atoi(get("AI_HISTORY_WINDOW", "10"))
	if err != nil {
		errs = append(errs, fmt.Errorf("AI_HISTORY_WINDOW: %w", err))
	}
	cfg.AIHistoryWindow = window

	if len(errs) > 0 {
		return nil, errs[0]
	}
	if cfg.AITimeout <= 0 {
		return nil, fmt.Errorf("AI_TIMEOUT must be positive, got %s", cfg.AITimeout)
	}
	if err := cfg.Pacing.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces Safe > Normal > Fast and cooldown > delay per tier.
func (p Pacing) Validate() error {
	if !(p.SafeDelay > p.NormalDelay && p.NormalDelay > p.FastDelay) {
		return fmt.Errorf("pacing: tier delays must satisfy safe > normal > fast (got %s, %s, %s)",
			p.SafeDelay, p.NormalDelay, p.FastDelay)
	}
	if p.FastDelay < 0 || p.GlobalInterval < 0 {
		return fmt.Errorf("pacing: delays must not be negative")
	}
	tiers := []struct {
		name            string
		delay, cooldown time.Duration
	}{
		{"safe", p.SafeDelay, p.SafeCooldown},
		{"normal", p.NormalDelay, p.NormalCooldown},
		{"fast", p.FastDelay, p.FastCooldown},
	}
	for _, t := range tiers {
		if t.cooldown <= t.delay {
			return fmt.Errorf("pacing: %s cooldown %s must exceed its delay %s", t.name, t.cooldown, t.delay)
		}
	}
	return nil
}

// loadINI flattens every section of the file into a single key space.
// Section names only group keys for readability.
func loadINI(path string) (map[string]string, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	for _, section := range file.Sections() {
		for _, key := range section.Keys() {
			values[key.Name()] = key.String()
		}
	}
	return values, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
