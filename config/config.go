package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/auth/credentials"
	"github.com/joho/godotenv"
)

// ErrMissingProject is returned when no Google Cloud project can be resolved
var ErrMissingProject = errors.New("google cloud project is not configured")

// Voices supported by the Live API prebuilt voice config
var Voices = []string{"Aoede", "Puck", "Charon", "Kore", "Fenrir", "Leda", "Orus", "Zephyr"}

// languageCodes maps the LANGUAGE option to a BCP-47 locale
var languageCodes = map[string]string{
	"English":  "en-US",
	"Japanese": "ja-JP",
	"Korean":   "ko-KR",
}

// Config holds all server configuration. It is built once by LoadConfig and
// must not be modified afterwards.
type Config struct {
	Port int

	// Vertex AI
	ProjectID string
	Location  string
	Model     string

	// Agent voice and generation settings
	VoiceName       string
	Language        string
	Temperature     float32
	TopP            float32
	SystemPrompt    string
	GreetingText    string
	GreetingDelay   time.Duration
	InputSampleRate int

	AllowedOrigins []string
	MaxSessions    int

	// Session registry mirror, disabled when RedisURL is empty
	RedisURL       string
	RedisPassword  string
	SessionTimeout time.Duration

	LogLevel string
	LogFile  string
}

// LanguageCode returns the locale sent to the speech config
func (c *Config) LanguageCode() string {
	return languageCodes[c.Language]
}

// projectDetector resolves a project ID from ambient credentials
type projectDetector func(ctx context.Context) (string, error)

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	return load(os.Getenv, detectDefaultProject)
}

func detectDefaultProject(ctx context.Context) (string, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return "", err
	}
	return creds.ProjectID(ctx)
}

func load(getenv func(string) string, detect projectDetector) (*Config, error) {
	config := &Config{
		Port:            8081,
		Location:        "us-central1",
		Model:           "gemini-live-2.5-flash-preview-native-audio",
		VoiceName:       "Puck",
		Language:        "Japanese",
		Temperature:     0.7,
		TopP:            0.8,
		SystemPrompt:    SystemPrompt,
		GreetingText:    GreetingText,
		GreetingDelay:   2 * time.Second,
		InputSampleRate: 16000,
		AllowedOrigins:  []string{"*"},
		MaxSessions:     100,
		SessionTimeout:  30 * time.Minute,
		LogLevel:        "info",
	}

	// Required: GOOGLE_CLOUD_PROJECT, falling back to application default credentials
	config.ProjectID = getenv("GOOGLE_CLOUD_PROJECT")
	if config.ProjectID == "" && detect != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		project, err := detect(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: set GOOGLE_CLOUD_PROJECT or run `gcloud auth application-default login`: %v", ErrMissingProject, err)
		}
		config.ProjectID = project
	}
	if config.ProjectID == "" {
		return nil, fmt.Errorf("%w: set GOOGLE_CLOUD_PROJECT", ErrMissingProject)
	}

	// Optional: PORT
	if port := getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	if location := getenv("GOOGLE_CLOUD_LOCATION"); location != "" {
		config.Location = location
	}

	if model := getenv("GEMINI_MODEL"); model != "" {
		config.Model = model
	}

	// Optional: VOICE_NAME (one of Voices)
	if voice := getenv("VOICE_NAME"); voice != "" {
		if !slices.Contains(Voices, voice) {
			return nil, fmt.Errorf("invalid VOICE_NAME %q: must be one of %s", voice, strings.Join(Voices, ", "))
		}
		config.VoiceName = voice
	}

	// Optional: LANGUAGE (English, Japanese or Korean)
	if language := getenv("LANGUAGE"); language != "" {
		if _, ok := languageCodes[language]; !ok {
			return nil, fmt.Errorf("invalid LANGUAGE %q: must be English, Japanese or Korean", language)
		}
		config.Language = language
	}

	if temperature := getenv("AI_TEMPERATURE"); temperature != "" {
		t, err := parseUnit("AI_TEMPERATURE", temperature)
		if err != nil {
			return nil, err
		}
		config.Temperature = t
	}

	if topP := getenv("AI_TOP_P"); topP != "" {
		p, err := parseUnit("AI_TOP_P", topP)
		if err != nil {
			return nil, err
		}
		config.TopP = p
	}

	// Optional: GREETING_DELAY (Go duration, e.g. "2s")
	if delay := getenv("GREETING_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid GREETING_DELAY: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("invalid GREETING_DELAY: must not be negative")
		}
		config.GreetingDelay = d
	}

	if rate := getenv("INPUT_SAMPLE_RATE"); rate != "" {
		r, err := strconv.Atoi(rate)
		if err != nil {
			return nil, fmt.Errorf("invalid INPUT_SAMPLE_RATE: %w", err)
		}
		if r <= 0 {
			return nil, fmt.Errorf("invalid INPUT_SAMPLE_RATE: must be positive")
		}
		config.InputSampleRate = r
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		var allowed []string
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowed = append(allowed, origin)
			}
		}
		if len(allowed) == 0 {
			return nil, fmt.Errorf("invalid ALLOWED_ORIGINS: no origin given")
		}
		config.AllowedOrigins = allowed
	}

	// Optional: MAX_SESSIONS
	if maxSessions := getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		if m <= 0 {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: must be positive")
		}
		config.MaxSessions = m
	}

	config.RedisURL = getenv("REDIS_URL")
	config.RedisPassword = getenv("REDIS_PASSWORD")

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		if t <= 0 {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: must be positive")
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	if level := getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	config.LogFile = getenv("LOG_FILE")

	return config, nil
}

func parseUnit(name, raw string) (float32, error) {
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("invalid %s: %v is outside [0, 1]", name, v)
	}
	return float32(v), nil
}
