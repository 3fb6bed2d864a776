package daemon

import (
	"encoding/hex"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudapi/changefeed/internal/changefeed"
	"github.com/cloudapi/changefeed/internal/logr"
	"github.com/cloudapi/changefeed/internal/upstream"
)

const (
	DefaultAddress     = ":8080"
	DefaultUpstreamURL = "http://vmapi.localhost"
	DefaultService     = "cloudapi"
)

var ErrInvalidSecretLength = errors.New("secret must be 16 bytes in size")

// Config configures the changefeed daemon. Descriptions of each field can
// be found in the flag definitions in ./cmd/changefeedd
type Config struct {
	Address              string
	SSL                  bool
	CertFile, KeyFile    string
	EnableRequestLogging bool
	Secret               Secret
	Upstream             upstream.Config
	Validation           string
	AllowedOrigins       []string
	LogConfig            logr.Config

	// Registry registers and gathers metrics. Defaults to the prometheus
	// default registry.
	Registry *prometheus.Registry
}

// Secret is a 16-byte secret for signing bearer tokens. It implements
// pflag.Value.
type Secret []byte

func (s *Secret) Set(text string) error {
	secret, err := hex.DecodeString(text)
	if err != nil {
		return err
	}
	if len(secret) != 16 {
		return ErrInvalidSecretLength
	}
	*s = secret
	return nil
}

func (s *Secret) String() string {
	if s == nil || len(*s) == 0 {
		return ""
	}
	return "********"
}

func (s *Secret) Type() string { return "secret" }

// NewConfig constructs a changefeed daemon configuration with defaults.
func NewConfig() Config {
	return Config{
		Address: DefaultAddress,
		Upstream: upstream.Config{
			URL:        DefaultUpstreamURL,
			Port:       80,
			Service:    DefaultService,
			MinBackoff: upstream.DefaultMinBackoff,
		},
		Validation: string(changefeed.PermissiveValidation),
	}
}

func (cfg *Config) Valid() error {
	if cfg.Secret == nil {
		return errors.New("missing required parameter: secret")
	}
	if len(cfg.Secret) != 16 {
		return ErrInvalidSecretLength
	}
	if _, err := changefeed.ParseValidationMode(cfg.Validation); err != nil {
		return err
	}
	if cfg.Upstream.URL == "" {
		return errors.New("missing required parameter: upstream-url")
	}
	return nil
}
