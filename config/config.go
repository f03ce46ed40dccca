package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"8000"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	PubMedBaseURL    string        `envconfig:"PUBMED_BASE_URL" default:"https://eutils.ncbi.nlm.nih.gov/entrez/eutils"`
	PubMedAPIKey     string        `envconfig:"PUBMED_API_KEY"`
	PubMedEmail      string        `envconfig:"PUBMED_EMAIL" required:"true"`
	PubMedTool       string        `envconfig:"PUBMED_TOOL" default:"pubmed-newsroom"`
	PubMedRetmax     int           `envconfig:"PUBMED_RETMAX" default:"20"`
	PubMedTimeout    time.Duration `envconfig:"PUBMED_TIMEOUT" default:"30s"`
	PubMedMaxRetries int           `envconfig:"PUBMED_MAX_RETRIES" default:"3"`

	// TTL für gecachte Suchergebnisse; ältere Suchen werden erneut ausgeführt.
	SearchCacheTTL time.Duration `envconfig:"SEARCH_CACHE_TTL" default:"6h"`

	OpenAIEndpoint string `envconfig:"OPENAI_ENDPOINT" default:"https://api.openai.com/v1/chat/completions"`
	OpenAIModel    string `envconfig:"OPENAI_MODEL" default:"gpt-4.1-2025-04-14"`
	OpenAIAPIKey   string `envconfig:"OPENAI_API_KEY"`

	// Pfad zur Prompt-Vorlage; der Inhalt wird einmal beim Start geladen und
	// danach als unveränderlicher String an den Curation-Service übergeben.
	PromptPath string `envconfig:"PROMPT_PATH" default:"prompts/newsroom_prompt.txt"`

	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 * * * *"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
