package internal

import (
	"fmt"
	"log/slog"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/concord/internal/models"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

var extRe = regexp.MustCompile(`^\.[a-z0-9]+$`)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Corpus  CorpusConfig      `yaml:"corpus"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Auth    AuthConfig        `yaml:"auth"`
	Convert ConvertConfig     `yaml:"convert"`
	Topics  TopicsConfig      `yaml:"topics"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{&c.App, &c.Corpus, &c.SQLite, &c.Auth, &c.Convert, &c.Topics} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// CorpusConfig locates the source documents.
type CorpusConfig struct {
	Path string `yaml:"path"`
	// Extension of source files, including the dot.
	Extension string `yaml:"extension"`
}

// Validate validates the corpus configuration.
func (c *CorpusConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Extension, validation.Required, validation.Match(extRe)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// ConvertConfig tunes the conversion orchestrator.
type ConvertConfig struct {
	// Workers bounds how many documents a batch parses and commits at once.
	Workers int `yaml:"workers"`
	// Renders lists the render kinds kept up to date. Empty means all.
	Renders []string `yaml:"renders"`
}

// Validate validates the convert configuration.
func (c *ConvertConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Min(0), validation.Max(256)),
		validation.Field(&c.Renders, validation.Each(validation.By(func(v any) error {
			_, err := models.ParseRenderKind(v.(string))
			return err
		}))),
	)
}

// RenderKinds returns Renders as render kinds. Call after Validate.
func (c *ConvertConfig) RenderKinds() []models.RenderKind {
	kinds := make([]models.RenderKind, 0, len(c.Renders))
	for _, r := range c.Renders {
		k, err := models.ParseRenderKind(r)
		if err == nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// TopicsConfig tunes topic election.
type TopicsConfig struct {
	// TopN is how many of the highest-scored articles vote on a topic's title.
	TopN int `yaml:"top_n"`
}

// Validate validates the topics configuration.
func (c *TopicsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TopN, validation.Required, validation.Min(1)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Corpus: CorpusConfig{
			Path:      "./corpus",
			Extension: ".lml",
		},
		SQLite: SQLiteConfig{
			Path: "./concord.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Convert: ConvertConfig{
			Workers: 4,
		},
		Topics: TopicsConfig{
			TopN: 10,
		},
	}
}
