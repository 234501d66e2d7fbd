// Package config loads and validates the gateway.yaml configuration document
// that drives cmd/federation-gateway's serve and init subcommands.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/xeipuuv/gojsonschema"

	"github.com/openfed-dev/federation-gateway/gateway"
)

// CORSConfig controls the gateway's cross-origin resource sharing policy.
type CORSConfig struct {
	Enable           bool     `yaml:"enable" default:"false"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// CSRFConfig controls the custom-header CSRF check applied to mutating requests.
type CSRFConfig struct {
	Enabled    bool   `yaml:"enabled" default:"false"`
	HeaderName string `yaml:"header_name" default:"X-Gateway-CSRF-Protection"`
}

// HealthConfig controls the /health endpoint surface.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled" default:"true"`
	Path          string `yaml:"path" default:"/health"`
	CheckGraph    bool   `yaml:"check_graph_loaded" default:"true"`
	CheckJWKS     bool   `yaml:"check_jwks_current" default:"false"`
}

// GatewayConfig is the full gateway.yaml schema. The operation-limit,
// rate-limit, entity-cache, auth and header-rule sections live on
// gateway.GatewayOption directly (NewGateway needs them to build the
// wired executor); CORS/CSRF/health stay here since they're pure HTTP
// middleware concerns applied around the gateway handler in cmd, not
// part of the gateway's own request pipeline.
type GatewayConfig struct {
	gateway.GatewayOption

	CORS   CORSConfig   `yaml:"cors"`
	CSRF   CSRFConfig   `yaml:"csrf"`
	Health HealthConfig `yaml:"health"`
}

// jsonSchema is the minimal structural validation applied before unmarshalling:
// it only pins down the types gojsonschema can check generically, the field-level
// defaults and semantics are enforced by the Go struct tags and NewGateway itself.
const jsonSchema = `{
  "type": "object",
  "properties": {
    "endpoint": {"type": "string"},
    "service_name": {"type": "string"},
    "port": {"type": "integer"},
    "services": {"type": "array"},
    "composed_schema_files": {"type": "array"}
  }
}`

// Load reads and validates the gateway.yaml document at path.
func Load(path string) (*GatewayConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway config %q: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config %q: %w", path, err)
	}

	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("gateway config %q failed validation: %w", path, err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gateway config %q: %w", path, err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// validate converts the YAML document to JSON and checks it against jsonSchema.
func validate(raw []byte) error {
	asJSON, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return fmt.Errorf("failed to convert YAML to JSON for validation: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(jsonSchema)
	docLoader := gojsonschema.NewBytesLoader(asJSON)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var msgs string
		for _, e := range result.Errors() {
			msgs += e.String() + "; "
		}
		return fmt.Errorf("%s", msgs)
	}
	return nil
}

func applyDefaults(cfg *GatewayConfig) {
	if cfg.TimeoutDuration == "" {
		cfg.TimeoutDuration = "5s"
	}
	if cfg.CSRF.HeaderName == "" {
		cfg.CSRF.HeaderName = "X-Gateway-CSRF-Protection"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
	if cfg.RateLimit.Duration == "" {
		cfg.RateLimit.Duration = "1s"
	}
	if cfg.EntityCache.TTL == "" {
		cfg.EntityCache.TTL = "60s"
	}
	if cfg.EntityCache.MaxEntries == 0 {
		cfg.EntityCache.MaxEntries = 10000
	}
}
