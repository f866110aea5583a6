package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds everything the bot needs at startup. Values come from the
// environment, with an optional .env file for local runs.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN,required"`

	NodeHost     string `env:"NODE_HOST" envDefault:"localhost"`
	NodePort     int    `env:"NODE_PORT" envDefault:"2333"`
	NodePassword string `env:"NODE_PASSWORD,required"`
	NodeSecure   bool   `env:"NODE_SECURE" envDefault:"false"`

	SpotifyClientID     string `env:"SPOTIFY_CLIENT_ID"`
	SpotifyClientSecret string `env:"SPOTIFY_CLIENT_SECRET"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogPath  string `env:"LOG_PATH"`

	InactivityTimeout time.Duration `env:"INACTIVITY_TIMEOUT" envDefault:"3m"`
	EmptyVoiceTimeout time.Duration `env:"EMPTY_VOICE_TIMEOUT" envDefault:"3m"`
}

// New loads the configuration from the environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, falling back to system environment variables")
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}
