package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/netguardhq/netguard"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./netguard.yaml, ~/.netguard/config.yaml, /etc/netguard/config.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags (used when no config file)
		blockDomains   = flag.String("block", "", "comma-separated list of domains to block")
		blocklistPath  = flag.String("blocklist", "", "path to a domain-list file, one domain per line")
		watchBlocklist = flag.Bool("watch", false, "reload the blocklist file automatically on change")
		genCA          = flag.Bool("gen-ca", false, "generate a new CA certificate and exit")
		caOrg          = flag.String("ca-org", "", "organization name for generated CA (overrides config)")
		genPAC         = flag.String("gen-pac", "", "generate PAC file at path and exit")
		pacBypass      = flag.String("pac-bypass", "", "comma-separated domains to bypass proxy in PAC file")
		printBlockPage = flag.Bool("print-block-page", false, "print default block page template and exit")
		verbose        = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *printBlockPage {
		fmt.Println(netguard.DefaultBlockPageHTML)
		return
	}

	if *genConfig {
		if err := netguard.WriteExampleConfig("netguard.yaml"); err != nil {
			slog.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Generated netguard.yaml")
		return
	}

	cfg, err := netguard.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := netguard.NewLogger(cfg.Logging)
	if err != nil {
		slog.Error("configure logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if *caOrg != "" {
		cfg.TLS.Organization = *caOrg
	}
	if *blocklistPath != "" {
		cfg.Blocklist.Path = *blocklistPath
	}
	if *watchBlocklist {
		cfg.Blocklist.Watch = true
	}
	if *blockDomains != "" {
		for _, d := range strings.Split(*blockDomains, ",") {
			d = strings.TrimSpace(d)
			if d != "" {
				cfg.Blocklist.Domains = append(cfg.Blocklist.Domains, d)
			}
		}
	}

	if *genCA {
		if err := generateCA(cfg.CACertPath(), cfg.CAKeyPath(), cfg.TLS.Organization, logger); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		return
	}

	if *genPAC != "" {
		pac := netguard.NewPACGenerator(proxyAddr(cfg))
		for _, d := range strings.Split(*pacBypass, ",") {
			d = strings.TrimSpace(d)
			if d != "" {
				pac.AddBypassDomain(d)
			}
		}
		if err := pac.WriteFile(*genPAC); err != nil {
			logger.Error("generate PAC file", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *genPAC)
		return
	}

	srv := netguard.NewServer(*cfg)
	srv.Logger = logger
	srv.AccessLog = netguard.NewAccessLogger(logger)
	if cfg.Admin.Enabled {
		srv.Metrics = netguard.NewMetrics()
	}

	if err := srv.Start(); err != nil {
		logger.Error("start proxy", "error", err)
		os.Exit(1)
	}

	// Blocklist file wiring after Start so reloads land on the live set.
	if cfg.Blocklist.Path != "" {
		if cfg.Blocklist.Watch {
			watcher, err := netguard.WatchBlocklist(srv, cfg.Blocklist.Path, logger)
			if err != nil {
				logger.Error("watch blocklist", "error", err)
				os.Exit(1)
			}
			defer func() { _ = watcher.Close() }()
		} else {
			if err := netguard.ApplyBlocklistFile(srv, cfg.Blocklist.Path); err != nil {
				logger.Error("load blocklist", "error", err)
				os.Exit(1)
			}
		}
		reloader := netguard.WatchSIGHUP(srv, cfg.Blocklist.Path, logger)
		defer reloader.Cancel()
	}

	logger.Info("configure your system proxy to use this address", "addr", proxyAddr(cfg))
	logger.Info("ensure the CA certificate is trusted by your system/browser", "ca_cert", cfg.CACertPath())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down...")
	if err := srv.Stop(); err != nil {
		logger.Error("stop proxy", "error", err)
		os.Exit(1)
	}
}

func proxyAddr(cfg *netguard.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
}

func generateCA(certPath, keyPath, org string, logger *slog.Logger) error {
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	logger.Info("generating CA certificate", "org", org)

	certPEM, keyPEM, err := netguard.GenerateCA(org, 10) // 10 year validity
	if err != nil {
		return err
	}

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	logger.Info("CA certificate generated", "cert", certPath, "key", keyPath)
	logger.Info("add the CA certificate to your system/browser trust store")

	return nil
}
