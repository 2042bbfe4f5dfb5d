package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ALLTERCO/device-provisioning-service/archive"
	"github.com/ALLTERCO/device-provisioning-service/authority"
	"github.com/ALLTERCO/device-provisioning-service/cmd/flags"
	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
	"github.com/ALLTERCO/device-provisioning-service/distribution"
	"github.com/ALLTERCO/device-provisioning-service/httpserver"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
	"github.com/ALLTERCO/device-provisioning-service/locator"
	"github.com/ALLTERCO/device-provisioning-service/orchestrator"
	"github.com/ALLTERCO/device-provisioning-service/probe"
	"github.com/ALLTERCO/device-provisioning-service/store"
)

var serverFlags = []cli.Flag{
	flags.ListenAddrFlag,
	flags.MetricsAddrFlag,
	&cli.StringFlag{
		Name:    "store-path",
		Value:   "provisioning.db",
		Usage:   "path to the SQLite credential store, ':memory:' for ephemeral",
		EnvVars: []string{"STORE_PATH"},
	},
	&cli.StringFlag{
		Name:  "ca-mode",
		Value: "secret",
		Usage: "authority key source: 'files', 'secret', or 'shamir'",
	},
	&cli.StringFlag{
		Name:  "ca-subject",
		Value: "Device Provisioning Root CA",
		Usage: "subject common name of the authority root certificate",
	},
	&cli.StringFlag{
		Name:  "ca-cert-file",
		Usage: "PEM file with the CA certificate (ca-mode=files)",
	},
	&cli.StringFlag{
		Name:  "ca-key-file",
		Usage: "PEM file with the CA private key (ca-mode=files)",
	},
	&cli.StringFlag{
		Name:    "ca-secret",
		Usage:   "hex-encoded master secret, at least 32 hex chars (ca-mode=secret)",
		EnvVars: []string{"CA_SECRET"},
	},
	&cli.StringFlag{
		Name:    "ca-passphrase",
		Usage:   "operator passphrase the master secret is derived from, alternative to ca-secret",
		EnvVars: []string{"CA_PASSPHRASE"},
	},
	&cli.StringFlag{
		Name:  "admin-keys-file",
		Usage: "JSON file with admin public keys (ca-mode=shamir)",
	},
	&cli.IntFlag{
		Name:  "bootstrap-timeout",
		Value: 300,
		Usage: "seconds to wait for the unseal ceremony (ca-mode=shamir)",
	},
	&cli.StringFlag{
		Name:  "transport",
		Value: "http",
		Usage: "credential distribution transport: 'http' or 'kafka'",
	},
	&cli.StringFlag{
		Name:    "kafka-brokers",
		Value:   "127.0.0.1:9092",
		Usage:   "comma-separated Kafka broker addresses (transport=kafka)",
		EnvVars: []string{"KAFKA_BROKERS"},
	},
	&cli.StringFlag{
		Name:  "kafka-topic",
		Value: "device-credentials",
		Usage: "Kafka topic credential messages are published to (transport=kafka)",
	},
	&cli.StringFlag{
		Name:  "bootstrap-keys-file",
		Usage: "JSON file mapping client IDs to bootstrap public key PEMs for sealing server-generated keys (transport=kafka)",
	},
	&cli.StringFlag{
		Name:  "locator",
		Value: "none",
		Usage: "device address resolution: 'none', 'static', or 'dns'",
	},
	&cli.StringFlag{
		Name:  "static-devices",
		Usage: "comma-separated name=host:port pairs (locator=static)",
	},
	&cli.StringFlag{
		Name:  "dns-server",
		Value: locator.DefaultDNSServer,
		Usage: "DNS server answering SRV lookups (locator=dns)",
	},
	&cli.StringFlag{
		Name:  "dns-zone",
		Usage: "DNS zone device SRV records live in (locator=dns)",
	},
	&cli.StringFlag{
		Name:  "archive-uris",
		Usage: "comma-separated archive backend URIs (file://, s3://, ipfs://, vault://); empty disables archiving",
	},
	&cli.DurationFlag{
		Name:  "distribution-timeout",
		Value: orchestrator.DefaultDistributionTimeout,
		Usage: "timeout per distribution attempt",
	},
	&cli.DurationFlag{
		Name:  "probe-timeout",
		Value: orchestrator.DefaultProbeTimeout,
		Usage: "timeout for the verification handshake probe",
	},
	&cli.UintFlag{
		Name:  "max-retries",
		Value: orchestrator.DefaultMaxRetries,
		Usage: "distribution retries after the first attempt",
	},
	flags.PprofFlag,
	flags.DrainSecondsFlag,
}

func main() {
	app := &cli.App{
		Name:   "provisioning-server",
		Usage:  "Serve the device credential provisioning API",
		Flags:  append(serverFlags, flags.LoggingFlags...),
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	st, err := store.NewSQLiteStore(cCtx.String("store-path"))
	if err != nil {
		logger.Error("Failed to open credential store", "err", err)
		return err
	}
	defer st.Close()

	auth, admin, err := buildAuthority(cCtx, st, logger)
	if err != nil {
		logger.Error("Failed to initialize authority", "err", err)
		return err
	}

	deviceLocator, err := buildLocator(cCtx, logger)
	if err != nil {
		logger.Error("Failed to configure locator", "err", err)
		return err
	}

	distributor, err := buildDistributor(cCtx, deviceLocator, logger)
	if err != nil {
		logger.Error("Failed to configure distribution transport", "err", err)
		return err
	}

	archiveBackend, err := buildArchive(cCtx, logger)
	if err != nil {
		logger.Error("Failed to configure archive", "err", err)
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:               st,
		Authority:           auth,
		Distributor:         distributor,
		Prober:              probe.NewTLSProber(cCtx.Duration("probe-timeout"), logger),
		Locator:             deviceLocator,
		Archive:             archiveBackend,
		Log:                 logger,
		MaxRetries:          cCtx.Uint("max-retries"),
		DistributionTimeout: cCtx.Duration("distribution-timeout"),
		ProbeTimeout:        cCtx.Duration("probe-timeout"),
	})
	if err != nil {
		logger.Error("Failed to create orchestrator", "err", err)
		return err
	}

	handler := httpserver.NewHandler(orch, st, auth, logger)
	srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler, admin)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	srv.RunInBackground()

	if admin != nil && !admin.Unsealed() {
		timeout := time.Duration(cCtx.Int("bootstrap-timeout")) * time.Second
		logger.Info("Authority is sealed, waiting for admin ceremony", "timeout", timeout)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := admin.WaitForBootstrap(ctx)
		cancel()
		if err != nil {
			logger.Error("Authority bootstrap did not complete", "err", err)
			return err
		}
	}
	logger.Info("Provisioning service operational", "listenAddr", cCtx.String(flags.ListenAddrFlag.Name))

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	logger.Info("Shutting down")
	srv.Shutdown()

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(drainCtx); err != nil {
		logger.Error("Draining jobs on shutdown", "err", err)
	}
	return nil
}

// buildAuthority creates the certificate authority from the configured key
// source. Shamir mode additionally returns the admin handler the ceremony
// runs through.
func buildAuthority(cCtx *cli.Context, st interfaces.CredentialStore, logger *slog.Logger) (*authority.Authority, *httpserver.AdminHandler, error) {
	subject := cCtx.String("ca-subject")

	switch mode := cCtx.String("ca-mode"); mode {
	case "files":
		certData, err := os.ReadFile(cCtx.String("ca-cert-file"))
		if err != nil {
			return nil, nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		certPEM, err := cryptoutils.NewCertPEM(certData)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
		}

		keyData, err := os.ReadFile(cCtx.String("ca-key-file"))
		if err != nil {
			return nil, nil, fmt.Errorf("reading CA key: %w", err)
		}
		keyPEM, err := cryptoutils.NewKeyPEM(keyData)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing CA key: %w", err)
		}

		auth, err := authority.New(certPEM, keyPEM, st, logger)
		return auth, nil, err

	case "secret":
		secret, err := masterSecret(cCtx)
		if err != nil {
			return nil, nil, err
		}

		auth, err := authority.NewFromMasterSecret(secret, subject, st, logger)
		return auth, nil, err

	case "shamir":
		keysFile := cCtx.String("admin-keys-file")
		if keysFile == "" {
			return nil, nil, errors.New("admin-keys-file is required for ca-mode=shamir")
		}
		f, err := os.Open(keysFile)
		if err != nil {
			return nil, nil, fmt.Errorf("opening admin keys file: %w", err)
		}
		defer f.Close()

		adminKeys, err := httpserver.LoadAdminKeys(f)
		if err != nil {
			return nil, nil, fmt.Errorf("loading admin keys: %w", err)
		}
		logger.Info("Admin keys loaded", "count", len(adminKeys))

		auth := authority.NewSealed(st, logger)
		admin := httpserver.NewAdminHandler(auth, subject, adminKeys, logger)
		return auth, admin, nil

	default:
		return nil, nil, fmt.Errorf("unknown ca-mode %q", mode)
	}
}

func masterSecret(cCtx *cli.Context) ([]byte, error) {
	if secretHex := cCtx.String("ca-secret"); secretHex != "" {
		secret, err := hex.DecodeString(secretHex)
		if err != nil {
			return nil, fmt.Errorf("invalid ca-secret: %w", err)
		}
		if len(secret) < authority.MinMasterSecretLen {
			return nil, fmt.Errorf("ca-secret must be at least %d bytes", authority.MinMasterSecretLen)
		}
		return secret, nil
	}

	if passphrase := cCtx.String("ca-passphrase"); passphrase != "" {
		// The subject doubles as the KDF salt so the same passphrase
		// yields distinct roots for distinctly named deployments.
		return cryptoutils.DeriveMasterSecret([]byte(passphrase), []byte(cCtx.String("ca-subject"))), nil
	}

	return nil, errors.New("ca-mode=secret requires ca-secret or ca-passphrase")
}

func buildLocator(cCtx *cli.Context, logger *slog.Logger) (interfaces.DeviceLocator, error) {
	switch mode := cCtx.String("locator"); mode {
	case "none", "":
		return nil, nil

	case "static":
		addrs := make(map[string]string)
		for _, pair := range strings.Split(cCtx.String("static-devices"), ",") {
			if pair == "" {
				continue
			}
			name, addr, found := strings.Cut(pair, "=")
			if !found {
				return nil, fmt.Errorf("static-devices entry %q is not name=host:port", pair)
			}
			addrs[name] = addr
		}
		return locator.NewStaticLocator(addrs), nil

	case "dns":
		zone := cCtx.String("dns-zone")
		if zone == "" {
			return nil, errors.New("dns-zone is required for locator=dns")
		}
		return locator.NewSRVLocator(cCtx.String("dns-server"), zone, logger), nil

	default:
		return nil, fmt.Errorf("unknown locator %q", mode)
	}
}

func buildDistributor(cCtx *cli.Context, deviceLocator interfaces.DeviceLocator, logger *slog.Logger) (interfaces.Distributor, error) {
	switch transport := cCtx.String("transport"); transport {
	case "http":
		return &distribution.HTTPDistributor{
			Locator: deviceLocator,
			Log:     logger,
		}, nil

	case "kafka":
		var keyring distribution.StaticKeyring
		if keysFile := cCtx.String("bootstrap-keys-file"); keysFile != "" {
			var err error
			keyring, err = distribution.LoadKeyring(keysFile)
			if err != nil {
				return nil, fmt.Errorf("loading bootstrap keys: %w", err)
			}
		}
		brokers := strings.Split(cCtx.String("kafka-brokers"), ",")
		return distribution.NewKafkaDistributor(brokers, cCtx.String("kafka-topic"), keyring, logger), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func buildArchive(cCtx *cli.Context, logger *slog.Logger) (interfaces.ArchiveBackend, error) {
	uris := cCtx.String("archive-uris")
	if uris == "" {
		return nil, nil
	}

	locations := make([]interfaces.ArchiveLocation, 0)
	for _, uri := range strings.Split(uris, ",") {
		location, err := interfaces.NewArchiveLocation(strings.TrimSpace(uri))
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	return archive.NewFactory(logger).MultiBackendFor(locations)
}
