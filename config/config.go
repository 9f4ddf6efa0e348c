package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Port     string
	LogLevel string

	WebhookSecret string

	AppID             string
	AppInstallationID int64
	AppPrivateKey     []byte
	AppClientID       string
	AppClientSecret   string
	AppRedirectURI    string

	GitHubAPIURL string
	IndexRepo    string
	BaseBranch   string
	IndexPath    string

	AdminLogins        []string
	StorageLocation    *time.Location
	CORSAllowedOrigins []string
}

// NewConfig creates a new Config instance
func NewConfig() *Config {
	return &Config{}
}

// Load loads configuration from the .env file and environment variables
func (c *Config) Load() error {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "/app/.env"
	}
	viper.SetConfigFile(configFile)
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("PORT", "8100")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("GITHUB_API_URL", "https://api.github.com")
	viper.SetDefault("BASE_BRANCH", "main")
	viper.SetDefault("INDEX_PATH", "plugin.json")
	viper.SetDefault("STORAGE_UTC_OFFSET_HOURS", 8)

	if err := viper.ReadInConfig(); err != nil {
		// SetConfigFile reports a missing file as a path error rather than ConfigFileNotFoundError
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return c.fromViper()
}

func (c *Config) fromViper() error {
	c.Port = viper.GetString("PORT")
	c.LogLevel = viper.GetString("LOG_LEVEL")
	c.WebhookSecret = viper.GetString("WEBHOOK_SECRET")
	c.GitHubAPIURL = viper.GetString("GITHUB_API_URL")
	c.BaseBranch = viper.GetString("BASE_BRANCH")
	c.IndexPath = viper.GetString("INDEX_PATH")
	c.AppClientID = viper.GetString("APP_CLIENT_ID")
	c.AppClientSecret = viper.GetString("APP_CLIENT_SECRET")
	c.AppRedirectURI = viper.GetString("APP_REDIRECT_URI")

	// Required fields
	c.IndexRepo = viper.GetString("INDEX_REPO")
	if c.IndexRepo == "" || !strings.Contains(c.IndexRepo, "/") {
		return fmt.Errorf("INDEX_REPO is required in owner/name form")
	}

	c.AppID = viper.GetString("APP_ID")
	if c.AppID == "" {
		return fmt.Errorf("APP_ID is required")
	}

	c.AppInstallationID = viper.GetInt64("APP_INSTALLATION_ID")
	if c.AppInstallationID == 0 {
		return fmt.Errorf("APP_INSTALLATION_ID is required")
	}

	key := viper.GetString("APP_PRIVATE_KEY")
	if key == "" {
		if path := viper.GetString("APP_PRIVATE_KEY_FILE"); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read APP_PRIVATE_KEY_FILE: %w", err)
			}
			key = string(raw)
		}
	}
	if key == "" {
		return fmt.Errorf("APP_PRIVATE_KEY or APP_PRIVATE_KEY_FILE is required")
	}
	// .env files usually carry the PEM on one line with escaped newlines
	c.AppPrivateKey = []byte(strings.ReplaceAll(key, `\n`, "\n"))

	c.AdminLogins = splitList(viper.GetString("ADMIN_GITHUB_LOGINS"), true)
	c.CORSAllowedOrigins = splitList(viper.GetString("CORS_ALLOWED_ORIGINS"), false)

	offset := viper.GetInt("STORAGE_UTC_OFFSET_HOURS")
	if offset < -12 || offset > 14 {
		return fmt.Errorf("invalid STORAGE_UTC_OFFSET_HOURS: %d", offset)
	}
	c.StorageLocation = time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*3600)

	return nil
}

// IsAdminLogin reports whether a GitHub login is configured as an administrator.
func (c *Config) IsAdminLogin(login string) bool {
	login = strings.ToLower(strings.TrimSpace(login))
	for _, admin := range c.AdminLogins {
		if admin == login {
			return true
		}
	}
	return false
}

func splitList(raw string, lower bool) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if lower {
			item = strings.ToLower(item)
		}
		out = append(out, item)
	}
	return out
}
