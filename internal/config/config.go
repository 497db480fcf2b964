// Package config provides configuration loading for the DePIN sidecar.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the sidecar process.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Nosana       NosanaConfig       `mapstructure:"nosana"`
	Redis        RedisConfig        `mapstructure:"redis"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod

	// InboundAPIKey, when set, gates the job endpoints on an
	// X-Internal-API-Key header. The orchestrator adapter sends no auth
	// headers, so this stays empty unless the deployment fronts the
	// sidecar to untrusted callers.
	InboundAPIKey string `mapstructure:"inbound_api_key"`
}

// Addr returns the listen address string.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OrchestratorConfig holds the outbound orchestrator endpoints.
type OrchestratorConfig struct {
	GatewayURL     string        `mapstructure:"gateway_url" validate:"required,url"`
	URL            string        `mapstructure:"url" validate:"required,url"`
	InternalAPIKey string        `mapstructure:"internal_api_key"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
}

// NosanaConfig holds the Network endpoints.
type NosanaConfig struct {
	APIURL         string `mapstructure:"api_url" validate:"required,url"`
	IngressDomain  string `mapstructure:"ingress_domain" validate:"required"`
	SolanaRPCURL   string `mapstructure:"solana_rpc_url"`
	IPFSGatewayURL string `mapstructure:"ipfs_gateway_url"`
}

// RedisConfig holds optional Redis configuration for the rate limiter.
// The sidecar runs without Redis when no address is configured.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether rate limiting should be active.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/nosana-sidecar")

	v.SetEnvPrefix("SIDECAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Flat legacy variable names used by the docker stack take precedence
	// over nothing; they map onto nested keys here.
	v.BindEnv("server.port", "SIDECAR_SERVER_PORT", "PORT")
	v.BindEnv("server.inbound_api_key", "SIDECAR_SERVER_INBOUND_API_KEY", "SIDECAR_INBOUND_API_KEY")
	v.BindEnv("orchestrator.gateway_url", "SIDECAR_ORCHESTRATOR_GATEWAY_URL", "API_GATEWAY_URL")
	v.BindEnv("orchestrator.url", "SIDECAR_ORCHESTRATOR_URL", "ORCHESTRATOR_URL")
	v.BindEnv("orchestrator.internal_api_key", "SIDECAR_ORCHESTRATOR_INTERNAL_API_KEY", "INTERNAL_API_KEY")
	v.BindEnv("nosana.api_url", "SIDECAR_NOSANA_API_URL", "NOSANA_API_URL")
	v.BindEnv("nosana.ingress_domain", "SIDECAR_NOSANA_INGRESS_DOMAIN", "NOSANA_INGRESS_DOMAIN")
	v.BindEnv("nosana.solana_rpc_url", "SIDECAR_NOSANA_SOLANA_RPC_URL", "SOLANA_RPC_URL")
	v.BindEnv("redis.addr", "SIDECAR_REDIS_ADDR", "REDIS_ADDR")

	// Config file is optional; env-only deployments are the norm.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.environment", "dev")

	// Orchestrator
	v.SetDefault("orchestrator.gateway_url", "http://localhost:8080")
	v.SetDefault("orchestrator.url", "http://localhost:8081")
	v.SetDefault("orchestrator.poll_interval", 10*time.Second)
	v.SetDefault("orchestrator.fetch_timeout", 5*time.Second)

	// Nosana
	v.SetDefault("nosana.api_url", "https://dashboard.k8s.prd.nos.ci/api")
	v.SetDefault("nosana.ingress_domain", "node.k8s.prd.nos.ci")
	v.SetDefault("nosana.solana_rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("nosana.ipfs_gateway_url", "https://nosana.mypinata.cloud/ipfs")

	// Redis (disabled unless addr is set)
	v.SetDefault("redis.db", 0)
}
