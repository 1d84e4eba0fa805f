// Package config loads the automation settings from a config file plus
// FACTURADOR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every recognized option of the trigger service.
type Config struct {
	// Mailbox side.
	GmailUser           string   `mapstructure:"gmail_user"`
	GmailQuery          string   `mapstructure:"gmail_query"`
	ProcessedLabelName  string   `mapstructure:"processed_label_name"`
	MarkAsRead          bool     `mapstructure:"mark_as_read"`
	PollIntervalSec     int      `mapstructure:"poll_interval_sec"`
	MaxMessagesPerPoll  int      `mapstructure:"max_messages_per_poll"`
	MaxSyncCycles       int      `mapstructure:"max_sync_cycles"`
	WatchTopic          string   `mapstructure:"watch_topic"`
	WatchLabelIDs       []string `mapstructure:"watch_label_ids"`
	WatchSyncAfterStart bool     `mapstructure:"watch_sync_after_start"`

	// Storage side.
	DriveParentFolderID string `mapstructure:"drive_parent_folder_id"`

	// Credentials.
	CredentialsPath string `mapstructure:"credentials_path"`
	TokenPath       string `mapstructure:"token_path"`

	// Local scratch space and state.
	LocalWorkDir string `mapstructure:"local_work_dir"`
	StatePath    string `mapstructure:"state_path"`

	// Conversion collaborator: external command fed invoice XML on stdin.
	ConverterCommand string `mapstructure:"converter_command"`

	// HTTP surface.
	ListenAddr         string `mapstructure:"listen_addr"`
	AdminToken         string `mapstructure:"admin_token"`
	PushAudience       string `mapstructure:"push_audience"`
	PushServiceAccount string `mapstructure:"push_service_account"`

	// Optional event publication.
	NATSURL string `mapstructure:"nats_url"`
}

// Load reads configuration from path (optional) and the environment.
// An empty path falls back to config/mail_automation.{json,yaml} if present.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("gmail_user", "me")
	v.SetDefault("gmail_query", "has:attachment filename:zip in:inbox")
	v.SetDefault("processed_label_name", "facturador-procesado")
	v.SetDefault("mark_as_read", true)
	v.SetDefault("poll_interval_sec", 60)
	v.SetDefault("max_messages_per_poll", 20)
	v.SetDefault("max_sync_cycles", 20)
	v.SetDefault("watch_label_ids", []string{"INBOX"})
	v.SetDefault("watch_sync_after_start", true)
	v.SetDefault("credentials_path", "config/google_credentials.json")
	v.SetDefault("token_path", "config/google_token.json")
	v.SetDefault("local_work_dir", "automation_work")
	v.SetDefault("state_path", "data/facturador.db")
	v.SetDefault("listen_addr", ":8080")

	// Keys without a meaningful default still need to be registered so
	// AutomaticEnv picks them up during Unmarshal.
	v.SetDefault("drive_parent_folder_id", "")
	v.SetDefault("admin_token", "")
	v.SetDefault("watch_topic", "")
	v.SetDefault("push_audience", "")
	v.SetDefault("push_service_account", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("converter_command", "")

	v.SetEnvPrefix("FACTURADOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("mail_automation")
		v.AddConfigPath("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PollIntervalSec < 10 {
		return fmt.Errorf("poll_interval_sec must be >= 10 seconds, got %d", c.PollIntervalSec)
	}
	if c.MaxMessagesPerPoll < 1 {
		return fmt.Errorf("max_messages_per_poll must be >= 1, got %d", c.MaxMessagesPerPoll)
	}
	if c.MaxSyncCycles < 1 {
		return fmt.Errorf("max_sync_cycles must be >= 1, got %d", c.MaxSyncCycles)
	}
	if c.DriveParentFolderID == "" {
		return fmt.Errorf("drive_parent_folder_id is required")
	}
	return nil
}
