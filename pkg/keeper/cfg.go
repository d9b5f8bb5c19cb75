package keeper

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"go.n16f.net/certkeeper/pkg/acme"
	"go.n16f.net/log"
	"golang.org/x/net/idna"
)

const (
	EnvPrefix = "CERTKEEPER_"

	DefaultServerPort = 80
)

type Cfg struct {
	Log    *log.Logger      `json:"-"`
	Issuer Issuer           `json:"-"`
	Now    func() time.Time `json:"-"`

	// Used for both the account key and certificate private keys.
	GeneratePrivateKey acme.PrivateKeyGenerationFunc `json:"-"`

	DataDir    string `json:"data_dir" env:"DATA_DIR"`
	CommonName string `json:"common_name" env:"COMMON_NAME"`
	Email      string `json:"email" env:"EMAIL"`
	ServerHost string `json:"server_host,omitempty" env:"SERVER_HOST"`
	ServerPort int    `json:"server_port,omitempty" env:"SERVER_PORT"`
	Production bool   `json:"production,omitempty" env:"PRODUCTION"`

	// Nil means DefaultRenewThresholdDays; zero renews only expired
	// certificates.
	RenewThresholdDays *int `json:"renew_threshold_days,omitempty" env:"RENEW_THRESHOLD_DAYS"`

	DirectoryURI string `json:"directory_uri,omitempty" env:"DIRECTORY_URL"`
}

// LoadCfgFromEnv reads configuration values from CERTKEEPER_* environment
// variables. Defaults are not applied.
func LoadCfgFromEnv() (Cfg, error) {
	var cfg Cfg

	opts := env.Options{Prefix: EnvPrefix}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("cannot parse environment: %w", err)
	}

	return cfg, nil
}

func (cfg *Cfg) setDefaults() {
	if name, err := idna.Lookup.ToASCII(cfg.CommonName); err == nil {
		cfg.CommonName = name
	}

	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("keeper")
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.GeneratePrivateKey == nil {
		cfg.GeneratePrivateKey = acme.GenerateECDSAP256PrivateKey
	}

	if cfg.ServerHost == "" {
		cfg.ServerHost = cfg.CommonName
	}

	if cfg.ServerPort == 0 {
		cfg.ServerPort = DefaultServerPort
	}

	if cfg.RenewThresholdDays == nil {
		days := DefaultRenewThresholdDays
		cfg.RenewThresholdDays = &days
	}
}

// Validate reports every invalid setting at once.
func (cfg *Cfg) Validate() error {
	var errs multierror.Error

	if cfg.DataDir == "" {
		errs.Errors = append(errs.Errors, errors.New("missing data directory"))
	}

	if cfg.CommonName == "" {
		errs.Errors = append(errs.Errors, errors.New("missing common name"))
	} else if _, err := idna.Lookup.ToASCII(cfg.CommonName); err != nil {
		errs.Errors = append(errs.Errors,
			fmt.Errorf("invalid common name %q: %w", cfg.CommonName, err))
	}

	if cfg.Email == "" {
		errs.Errors = append(errs.Errors, errors.New("missing email address"))
	}

	if cfg.ServerPort < 0 || cfg.ServerPort > 65535 {
		errs.Errors = append(errs.Errors,
			fmt.Errorf("invalid server port %d", cfg.ServerPort))
	}

	if days := cfg.RenewThresholdDays; days != nil && *days < 0 {
		errs.Errors = append(errs.Errors,
			fmt.Errorf("invalid renewal threshold %d", *days))
	}

	if cfg.DirectoryURI != "" {
		uri, err := url.Parse(cfg.DirectoryURI)
		if err != nil {
			errs.Errors = append(errs.Errors,
				fmt.Errorf("invalid directory URI: %w", err))
		} else if (uri.Scheme != "http" && uri.Scheme != "https") ||
			uri.Host == "" {
			errs.Errors = append(errs.Errors,
				fmt.Errorf("invalid directory URI %q: not an absolute HTTP URI",
					cfg.DirectoryURI))
		}
	}

	return errs.ErrorOrNil()
}

func (cfg *Cfg) directoryURI() string {
	return acme.ResolveDirectoryURI(cfg.Production, cfg.DirectoryURI)
}

func (cfg *Cfg) renewThresholdDays() int {
	if cfg.RenewThresholdDays == nil {
		return DefaultRenewThresholdDays
	}

	return *cfg.RenewThresholdDays
}

func (cfg *Cfg) serverAddress() string {
	return net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort))
}

func (cfg *Cfg) contactURIs() []string {
	return []string{"mailto:" + cfg.Email}
}
