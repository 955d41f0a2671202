package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Mode controls who the bot listens to.
const (
	ModePublic  = "public"
	ModePrivate = "private" // owners only
	ModeSelf    = "self"    // own account only
)

type Config struct {
	Debug bool `env:"DEBUG" envDefault:"false"`

	Bot struct {
		Name     string   `env:"BOT_NAME" envDefault:"Pepo"`
		Prefix   string   `env:"BOT_PREFIX" envDefault:"."`
		Mode     string   `env:"BOT_MODE" envDefault:"public"`
		Owners   []string `env:"BOT_OWNER" envSeparator:","`
		AntiCall bool     `env:"ANTI_CALL" envDefault:"true"`
	}

	Spam struct {
		MessageLimit int           `env:"SPAM_MESSAGE_LIMIT" envDefault:"7"`
		Window       time.Duration `env:"SPAM_WINDOW" envDefault:"35s"`
	}

	Energy struct {
		Initial             int `env:"INITIAL_ENERGY" envDefault:"100"`
		RechargeRatePerHour int `env:"ENERGY_RECHARGE_RATE_PER_HOUR" envDefault:"10"`
	}

	// Minimum Dice rating before an unknown command gets a suggestion.
	SimilarityThreshold float64 `env:"SIMILARITY_THRESHOLD" envDefault:"0.5"`

	WaitTimeout time.Duration `env:"WAIT_TIMEOUT" envDefault:"60s"`

	Store struct {
		Backend       string        `env:"STORE_BACKEND" envDefault:"sqlite"` // sqlite or redis
		SQLitePath    string        `env:"STORE_SQLITE_PATH" envDefault:"file:userdata.db?_foreign_keys=on"`
		FlushInterval time.Duration `env:"STORE_FLUSH_INTERVAL" envDefault:"5m"`

		Redis struct {
			Host     string `env:"REDIS_HOST" envDefault:"localhost"`
			Port     int    `env:"REDIS_PORT" envDefault:"6379"`
			Password string `env:"REDIS_PASSWORD" envDefault:""`
			DB       int    `env:"REDIS_DB" envDefault:"0"`
		}
	}

	Toxic struct {
		Words        []string      `env:"TOXIC_WORDS" envSeparator:","`
		StrikeLimit  int           `env:"TOXIC_STRIKE_LIMIT" envDefault:"3"`
		MuteDuration time.Duration `env:"TOXIC_MUTE_DURATION" envDefault:"10m"`
	}

	WhatsApp struct {
		SessionDB string `env:"WA_SESSION_DB" envDefault:"file:session.db?_foreign_keys=on"`
	}

	Downloader struct {
		APIBase string `env:"DOWNLOADER_API_BASE" envDefault:"https://szyrineapi.biz.id/api"`
	}
}

// Load reads .env if present and parses the environment. A missing .env is
// fine; in production the variables come from the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
