package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreDirName    = "store"
	IdentityDirName = "identity"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Proxy struct {
	// Host under which the trusted reverse proxy is reachable. Used in
	// gateway and device URLs so HTTPS certificates stay valid.
	Host string `yaml:"host"`
	// Public IPv4 of the proxy. Forwarding headers are only trusted when the
	// transport peer carries this address.
	Ipv4 string `yaml:"ipv4"`
}

type Challenge struct {
	// How long an issued nonce stays valid. Expiry is checked passively at
	// validation time; there is no active sweep beyond the cache's own.
	NonceTTL time.Duration `yaml:"nonceTtl"`
}

type AccessKeys struct {
	// Price of one access key, in e8s, as confirmed against the ledger.
	PriceE8s uint64 `yaml:"priceE8s"`
	// Maximum number of signed requests a single key may report.
	RequestsLimit uint64 `yaml:"requestsLimit"`
	// When true, a successfully verified signed request spends the nonce on
	// the underlying key. Kept configurable on purpose.
	SpendOnVerify bool `yaml:"spendOnVerify"`
}

type Ledger struct {
	Endpoint string `yaml:"endpoint"`
}

type SemanticStore struct {
	QueryEndpoint  string `yaml:"queryEndpoint"`
	UpdateEndpoint string `yaml:"updateEndpoint"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // requests per second
	Burst int     `yaml:"burst"`
}

type RateLimiters struct {
	Challenge  RateLimiterConfig `yaml:"challenge"`
	Registry   RateLimiterConfig `yaml:"registry"`
	AccessKeys RateLimiterConfig `yaml:"accessKeys"`
	Default    RateLimiterConfig `yaml:"default"`
}

type Cache struct {
	// TTL for the in-memory profile read cache.
	Profiles time.Duration `yaml:"profiles"`
}

type Config struct {
	InstanceSecret string        `yaml:"instanceSecret"`
	HttpBinding    string        `yaml:"httpBinding"`
	ClientDomain   string        `yaml:"clientDomain,omitempty"`
	DataDir        string        `yaml:"dataDir"`
	TLS            TLS           `yaml:"tls"`
	Proxy          Proxy         `yaml:"proxy"`
	Challenge      Challenge     `yaml:"challenge"`
	AccessKeys     AccessKeys    `yaml:"accessKeys"`
	Ledger         Ledger        `yaml:"ledger"`
	SemanticStore  SemanticStore `yaml:"semanticStore"`
	RateLimiters   RateLimiters  `yaml:"rateLimiters"`
	Cache          Cache         `yaml:"cache"`
}

var (
	ErrConfigFileUnreadable          = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable      = errors.New("config file is unmarshallable")
	ErrInstanceSecretMissing         = errors.New("instanceSecret is missing in config")
	ErrHttpBindingMissing            = errors.New("httpBinding is missing in config")
	ErrDataDirMissing                = errors.New("dataDir is missing in config and is required for the store and identity files")
	ErrTLSMissing                    = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrProxyHostMissing              = errors.New("proxy.host is missing in config")
	ErrProxyIpv4Missing              = errors.New("proxy.ipv4 is missing in config")
	ErrNonceTTLMissing               = errors.New("challenge.nonceTtl is missing in config")
	ErrAccessKeyPriceMissing         = errors.New("accessKeys.priceE8s is missing in config")
	ErrAccessKeyRequestsLimitMissing = errors.New("accessKeys.requestsLimit is missing in config")
	ErrLedgerEndpointMissing         = errors.New("ledger.endpoint is missing in config")
	ErrSemanticQueryEndpointMissing  = errors.New("semanticStore.queryEndpoint is missing in config")
	ErrSemanticUpdateEndpointMissing = errors.New("semanticStore.updateEndpoint is missing in config")
	ErrRateLimiterDefaultMissing     = errors.New("rateLimiters.default.limit is missing in config")
	ErrCacheProfilesMissing          = errors.New("cache.profiles is missing in config")
)

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.InstanceSecret == "" {
		return nil, ErrInstanceSecretMissing
	}
	if cfg.HttpBinding == "" {
		return nil, ErrHttpBindingMissing
	}
	if cfg.DataDir == "" {
		return nil, ErrDataDirMissing
	}
	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return nil, ErrTLSMissing
	}
	if cfg.Proxy.Host == "" {
		return nil, ErrProxyHostMissing
	}
	if cfg.Proxy.Ipv4 == "" {
		return nil, ErrProxyIpv4Missing
	}
	if cfg.Challenge.NonceTTL == 0 {
		return nil, ErrNonceTTLMissing
	}
	if cfg.AccessKeys.PriceE8s == 0 {
		return nil, ErrAccessKeyPriceMissing
	}
	if cfg.AccessKeys.RequestsLimit == 0 {
		return nil, ErrAccessKeyRequestsLimitMissing
	}
	if cfg.Ledger.Endpoint == "" {
		return nil, ErrLedgerEndpointMissing
	}
	if cfg.SemanticStore.QueryEndpoint == "" {
		return nil, ErrSemanticQueryEndpointMissing
	}
	if cfg.SemanticStore.UpdateEndpoint == "" {
		return nil, ErrSemanticUpdateEndpointMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return nil, ErrRateLimiterDefaultMissing
	}
	if cfg.Cache.Profiles == 0 {
		return nil, ErrCacheProfilesMissing
	}

	return &cfg, nil
}

func GenerateConfig() *Config {
	return &Config{
		InstanceSecret: "please_change_this_secret_in_production_!!!",
		HttpBinding:    "127.0.0.1:8343",
		DataDir:        "data/omnia",
		TLS: TLS{
			Cert: "", // plain HTTP by default; set both to enable TLS
			Key:  "",
		},
		Proxy: Proxy{
			Host: "proxy.omnia-iot.com",
			Ipv4: "3.70.56.192",
		},
		Challenge: Challenge{
			NonceTTL: 2 * time.Minute,
		},
		AccessKeys: AccessKeys{
			PriceE8s:      1_000_000,
			RequestsLimit: 100,
			SpendOnVerify: true,
		},
		Ledger: Ledger{
			Endpoint: "http://127.0.0.1:8380",
		},
		SemanticStore: SemanticStore{
			QueryEndpoint:  "http://127.0.0.1:8390/query",
			UpdateEndpoint: "http://127.0.0.1:8390/update",
		},
		RateLimiters: RateLimiters{
			Challenge:  RateLimiterConfig{Limit: 50.0, Burst: 100},
			Registry:   RateLimiterConfig{Limit: 100.0, Burst: 200},
			AccessKeys: RateLimiterConfig{Limit: 50.0, Burst: 100},
			Default:    RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
		Cache: Cache{
			Profiles: 5 * time.Minute,
		},
	}
}
