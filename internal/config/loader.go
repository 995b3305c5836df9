package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const envPrefix = "TASKWARD"

// Load builds the daemon configuration. Defaults are applied first, then the
// YAML file at path (optional, skipped when empty), then environment
// variables with the TASKWARD_ prefix. The result is validated before being
// returned.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("node.name", "")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.database", "taskward")
	v.SetDefault("kafka.client_id", "taskward-coordinator")
	v.SetDefault("cluster.namespace", "default")
	v.SetDefault("cluster.leader_lock_name", "taskward-coordinator-lock")
	v.SetDefault("jobs.poll_interval", 5*time.Second)
	v.SetDefault("jobs.stale_after", 2*time.Minute)
	v.SetDefault("telemetry.service_name", "taskward-coordinator")
	v.SetDefault("telemetry.sampling_ratio", 1.0)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Node.Name == "" {
		cfg.Node.Name = "node-" + uuid.NewString()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks struct tags and reports every violation in one error with
// human-readable messages.
func validate(cfg *Config) error {
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ := uni.GetTranslator("en")

	vd := validator.New(validator.WithRequiredStructEnabled())
	if err := entranslations.RegisterDefaultTranslations(vd, trans); err != nil {
		return fmt.Errorf("failed to register validation translations: %w", err)
	}

	err := vd.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Translate(trans)))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// ConnString assembles a pgx connection string, preferring an explicit DSN.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		p.User, p.Password, p.Host, p.Port, p.Database)
}
