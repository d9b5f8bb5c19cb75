package main

import (
	"net/http"
	"strconv"

	"github.com/joho/godotenv"
	"go.n16f.net/certkeeper/pkg/acme"
	"go.n16f.net/certkeeper/pkg/keeper"
	"go.n16f.net/certkeeper/pkg/legoissuer"
	"go.n16f.net/log"
	"go.n16f.net/program"
)

var (
	p      *program.Program
	logger *log.Logger
)

func main() {
	p = program.NewProgram("certkeeper",
		"keep a valid TLS certificate for a domain")

	p.AddOption("e", "env-file", "path", "",
		"a dotenv file to load before reading CERTKEEPER_* variables")
	p.AddOption("d", "data-dir", "path", "",
		"the directory containing the account key, private key and certificate")
	p.AddOption("n", "common-name", "domain", "",
		"the domain the certificate is issued for")
	p.AddOption("m", "email", "address", "",
		"the contact email address of the ACME account")
	p.AddOption("", "host", "host", "",
		"the host the challenge responder listens on")
	p.AddOption("", "port", "port", "",
		"the port the challenge responder listens on")
	p.AddOption("t", "threshold", "days", "",
		"the number of days before expiration the certificate is renewed")
	p.AddOption("s", "directory", "uri", "",
		"the directory URI of the ACME server")
	p.AddOption("", "ca-certificate", "path", "",
		"a CA certificate bundle to trust when connecting to the ACME server")
	p.AddOption("b", "backend", "name", "acme",
		"the ACME client implementation to use (\"acme\" or \"lego\")")
	p.AddFlag("", "production", "use the Let's Encrypt production server")
	p.AddFlag("", "pebble", "use a local Pebble server")

	addEnsureCommand()
	addStatusCommand()
	addDirectoryCommand()
	addDemoCommand()

	p.ParseCommandLine()

	logger = log.DefaultLogger("certkeeper")

	p.Run()
}

func httpClient() *http.Client {
	if !p.IsOptionSet("ca-certificate") {
		return acme.NewHTTPClient(nil)
	}

	filePath := p.OptionValue("ca-certificate")

	pool, err := acme.LoadCACertificatePool(filePath)
	if err != nil {
		p.Fatal("cannot load CA certificates: %v", err)
	}

	return acme.NewHTTPClient(pool)
}

func newIssuer() keeper.Issuer {
	switch backend := p.OptionValue("backend"); backend {
	case "acme":
		return acme.NewIssuer(acme.IssuerCfg{
			Log:        logger.Child("acme", nil),
			HTTPClient: httpClient(),
		})

	case "lego":
		legoLogger := logger.Child("lego", nil)
		legoissuer.SetLogger(legoLogger)

		return legoissuer.NewIssuer(legoissuer.IssuerCfg{
			Log:        legoLogger,
			HTTPClient: httpClient(),
		})

	default:
		p.Fatal("unknown backend %q", backend)
	}

	return nil
}

// keeperCfg reads the configuration from the environment, command line
// options taking precedence.
func keeperCfg() keeper.Cfg {
	if p.IsOptionSet("env-file") {
		filePath := p.OptionValue("env-file")

		if err := godotenv.Load(filePath); err != nil {
			p.Fatal("cannot load %q: %v", filePath, err)
		}
	}

	cfg, err := keeper.LoadCfgFromEnv()
	if err != nil {
		p.Fatal("%v", err)
	}

	cfg.Log = logger

	stringOption := func(name string, value *string) {
		if p.IsOptionSet(name) {
			*value = p.OptionValue(name)
		}
	}

	intOption := func(name string, value *int) bool {
		if !p.IsOptionSet(name) {
			return false
		}

		s := p.OptionValue(name)

		i, err := strconv.Atoi(s)
		if err != nil {
			p.Fatal("invalid value %q for option %q", s, name)
		}

		*value = i
		return true
	}

	stringOption("data-dir", &cfg.DataDir)
	stringOption("common-name", &cfg.CommonName)
	stringOption("email", &cfg.Email)
	stringOption("host", &cfg.ServerHost)
	intOption("port", &cfg.ServerPort)

	var threshold int
	if intOption("threshold", &threshold) {
		cfg.RenewThresholdDays = &threshold
	}

	stringOption("directory", &cfg.DirectoryURI)

	if p.IsOptionSet("production") {
		cfg.Production = true
	}

	if p.IsOptionSet("pebble") && cfg.DirectoryURI == "" {
		cfg.DirectoryURI = acme.PebbleDirectoryURI
	}

	return cfg
}

func newKeeper() *keeper.Keeper {
	cfg := keeperCfg()
	cfg.Issuer = newIssuer()

	k, err := keeper.NewKeeper(cfg)
	if err != nil {
		p.Fatal("%v", err)
	}

	return k
}
