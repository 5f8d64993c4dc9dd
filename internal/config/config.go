package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Portal   PortalConfig   `yaml:"portal"`
	Browser  BrowserConfig  `yaml:"browser"`
	Swap     SwapConfig     `yaml:"swap"`
	Store    StoreConfig    `yaml:"store"`
	Vault    VaultConfig    `yaml:"vault"`
	NATS     NATSConfig     `yaml:"nats"`
	Web      WebConfig      `yaml:"web"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type PortalConfig struct {
	LoginURL          string        `yaml:"login_url"`
	PlannerURL        string        `yaml:"planner_url"`
	TimetableURL      string        `yaml:"timetable_url"`
	ElementTimeout    time.Duration `yaml:"element_timeout"`
	DialogTimeout     time.Duration `yaml:"dialog_timeout"`
	PageLoadTimeout   time.Duration `yaml:"page_load_timeout"`
	NavigationRetries int           `yaml:"navigation_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`

	// OpenHours lists cron expressions matching minutes during which the
	// portal accepts changes. Empty means always open.
	OpenHours []string `yaml:"open_hours"`
	Timezone  string   `yaml:"timezone"`
}

type BrowserConfig struct {
	Backend        string        `yaml:"backend"` // "local" or "docker"
	Headless       bool          `yaml:"headless"`
	Install        bool          `yaml:"install"`
	Args           []string      `yaml:"args"`
	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	Docker         DockerConfig  `yaml:"docker"`
}

type DockerConfig struct {
	Image          string        `yaml:"image"`
	Network        string        `yaml:"network"`
	ServerPort     int           `yaml:"server_port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ConnectRetries uint64        `yaml:"connect_retries"`
	MemoryLimitMB  int64         `yaml:"memory_limit_mb"`
	Pull           bool          `yaml:"pull"`
}

type SwapConfig struct {
	PassInterval time.Duration `yaml:"pass_interval"`
	TimeBudget   time.Duration `yaml:"time_budget"`
	MaxSessions  int           `yaml:"max_sessions"`

	// StopGrace bounds how long shutdown waits for running swaps to exit.
	StopGrace time.Duration `yaml:"stop_grace"`
}

type StoreConfig struct {
	Path          string        `yaml:"path"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type VaultConfig struct {
	Secret string `yaml:"secret"`
}

type NATSConfig struct {
	Port         int           `yaml:"port"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

type WebConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MinFreeMemoryMB fails the readiness probe when host memory runs low.
	MinFreeMemoryMB uint64 `yaml:"min_free_memory_mb"`
}

type TelegramConfig struct {
	Token    string  `yaml:"token"`
	NotifyTo []int64 `yaml:"notify_to"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Portal: PortalConfig{
			LoginURL:          "https://wish.wis.ntu.edu.sg/pls/webexe/ldap_login.login?w_url=https://wish.wis.ntu.edu.sg/pls/webexe/aus_stars_planner.main",
			PlannerURL:        "https://wish.wis.ntu.edu.sg/pls/webexe/AUS_STARS_PLANNER.planner",
			TimetableURL:      "https://wish.wis.ntu.edu.sg/pls/webexe/AUS_STARS_PLANNER.time_table",
			ElementTimeout:    10 * time.Second,
			DialogTimeout:     5 * time.Second,
			PageLoadTimeout:   30 * time.Second,
			NavigationRetries: 3,
			RetryDelay:        2 * time.Second,
			Timezone:          "Asia/Singapore",
		},
		Browser: BrowserConfig{
			Backend:        "local",
			Headless:       true,
			Args:           []string{"--no-sandbox", "--disable-dev-shm-usage", "--disable-gpu"},
			ViewportWidth:  1920,
			ViewportHeight: 1080,
			SweepInterval:  time.Minute,
			ProbeTimeout:   5 * time.Second,
			Docker: DockerConfig{
				Image:          "mcr.microsoft.com/playwright:v1.52.0-noble",
				Network:        "indexswap-net",
				ServerPort:     3000,
				ConnectTimeout: 30 * time.Second,
				ConnectRetries: 20,
				MemoryLimitMB:  1024,
			},
		},
		Swap: SwapConfig{
			PassInterval: 5 * time.Minute,
			TimeBudget:   2 * time.Hour,
			MaxSessions:  10,
			StopGrace:    10 * time.Second,
		},
		Store: StoreConfig{
			Path:          "data/indexswap.db",
			SessionTTL:    2 * time.Hour,
			PurgeInterval: 5 * time.Minute,
		},
		NATS: NATSConfig{
			Port:         4222,
			ReadyTimeout: 5 * time.Second,
		},
		Web: WebConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Load reads the YAML file at path (or $INDEXSWAP_CONFIG, or
// config/indexswap.yaml) over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("INDEXSWAP_CONFIG")
	}
	if path == "" {
		path = "config/indexswap.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("INDEXSWAP_ENCRYPTION_KEY"); v != "" {
		cfg.Vault.Secret = v
	}
	if v := os.Getenv("INDEXSWAP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("INDEXSWAP_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("INDEXSWAP_TELEGRAM_NOTIFY"); v != "" {
		var ids []int64
		for _, part := range strings.Split(v, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
		cfg.Telegram.NotifyTo = ids
	}
	if v := os.Getenv("INDEXSWAP_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("INDEXSWAP_ALLOWED_ORIGINS"); v != "" {
		cfg.Web.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("INDEXSWAP_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("INDEXSWAP_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("INDEXSWAP_BROWSER_BACKEND"); v != "" {
		cfg.Browser.Backend = v
	}
	if v := os.Getenv("INDEXSWAP_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("INDEXSWAP_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swap.MaxSessions = n
		}
	}
}

// Validate reports configuration the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Vault.Secret == "" {
		errs = append(errs, errors.New("vault secret is required (INDEXSWAP_ENCRYPTION_KEY)"))
	}
	switch c.Browser.Backend {
	case "local", "docker":
	default:
		errs = append(errs, fmt.Errorf("unknown browser backend %q", c.Browser.Backend))
	}
	g := gronx.New()
	for _, expr := range c.Portal.OpenHours {
		if !g.IsValid(expr) {
			errs = append(errs, fmt.Errorf("invalid open_hours expression %q", expr))
		}
	}
	if c.Portal.Timezone != "" {
		if _, err := time.LoadLocation(c.Portal.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("invalid portal timezone: %w", err))
		}
	}
	if c.Swap.PassInterval <= 0 {
		errs = append(errs, errors.New("swap pass_interval must be positive"))
	}
	if c.Swap.TimeBudget <= 0 {
		errs = append(errs, errors.New("swap time_budget must be positive"))
	}
	if c.Swap.MaxSessions <= 0 {
		errs = append(errs, errors.New("swap max_sessions must be positive"))
	}
	if c.Store.SessionTTL <= 0 {
		errs = append(errs, errors.New("store session_ttl must be positive"))
	}
	return errors.Join(errs...)
}
