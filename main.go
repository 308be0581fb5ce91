package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"multisend/pkg/config"
	"multisend/pkg/dispatch"
	"multisend/pkg/gas"
	"multisend/pkg/metrics"
	"multisend/pkg/models"
	"multisend/pkg/portfolio"
	"multisend/pkg/rpc"
	"multisend/pkg/server"
	"multisend/pkg/session"
	"multisend/pkg/tui"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Version should be set during build
var Version = "dev"

func main() {
	testFlag := flag.Bool("t", false, "Test configuration and exit")
	testLongFlag := flag.Bool("test", false, "Test configuration and exit")
	jsonFlag := flag.Bool("json", false, "Output test results as JSON")
	dryRunFlag := flag.Bool("dry-run", false, "Perform a trial run with no changes made")
	configFlag := flag.String("config", "", "Path to configuration file")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	serverFlag := flag.Bool("server", false, "Run in headless server mode")
	portFlag := flag.Int("port", 8080, "Port for API server")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("multisend version %s\n", Version)
		os.Exit(0)
	}

	cfgInput := *configFlag
	if cfgInput == "" && len(flag.Args()) > 0 {
		cfgInput = flag.Args()[0]
	}
	path, err := config.GetConfigPath(cfgInput)
	if err != nil {
		fmt.Printf("Error determining config path: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		fmt.Printf("Error loading config from %s: %v\n", path, err)
		os.Exit(1)
	}

	if *testFlag || *testLongFlag {
		report, ok := runConfigTest(context.Background(), cfg, path, *dryRunFlag, *jsonFlag, os.Stdout)
		if *jsonFlag {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(report)
		}
		if !ok {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Printf("Error: %v\n", e)
		}
		fmt.Printf("Please fix the config file at %s.\n", path)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg, !*serverFlag)
	if err != nil {
		fmt.Printf("Error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(cfg, logger, *serverFlag, *portFlag); err != nil {
		logger.Error("exiting", "err", err)
		fmt.Printf("Error: %v\n", err)
		closeLog()
		os.Exit(1)
	}
}

// newLogger writes to stderr in server mode. With the TUI on the alt
// screen it writes to log_file, or nowhere.
func newLogger(cfg config.Config, tuiMode bool) (*log.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if tuiMode {
		w = io.Discard
		if cfg.LogFile != "" {
			f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				return nil, nil, err
			}
			w = f
			closeFn = func() { _ = f.Close() }
		}
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	return logger, closeFn, nil
}

func run(cfg config.Config, logger *log.Logger, serverMode bool, port int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := rpc.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	tokens := cfg.Registry()
	opts := session.Options{
		Tokens:          tokens,
		GasPricer:       client,
		Estimator:       gas.NewEstimator(client, cfg.Aggregator(), logger.WithPrefix("gas"), m),
		RefreshInterval: cfg.RefreshInterval(),
		Logger:          logger.WithPrefix("session"),
	}

	if key := os.Getenv(config.PrivateKeyEnv); key != "" {
		wallet, err := rpc.NewWallet(ctx, client, key)
		if err != nil {
			return fmt.Errorf("load wallet from %s: %w", config.PrivateKeyEnv, err)
		}
		d := dispatch.New(wallet, client, cfg.Aggregator(), logger.WithPrefix("dispatch"), m)
		if t := cfg.ReceiptTimeout(); t > 0 {
			d.ReceiptTimeout = t
		}
		opts.Caller = wallet.Address()
		opts.Dispatcher = d
		logger.Info("wallet loaded", "address", wallet.Address().Hex(), "chain_id", wallet.ChainID())
	} else {
		logger.Warn("no signing key, sends and portfolio are disabled", "env", config.PrivateKeyEnv)
	}

	if opts.Caller != (common.Address{}) {
		prices := rpc.NewPriceClient(cfg.PriceAPIBaseURL, logger.WithPrefix("prices"), m)
		opts.Portfolio = portfolio.NewAggregator(client, prices, cfg.Multicall(), tokens, logger.WithPrefix("portfolio"), m)
	}

	sess := session.New(opts)
	sess.Start(ctx)
	defer sess.Stop()

	srv := server.NewServer(sess, reg, logger.WithPrefix("server"))
	go func() {
		if err := srv.Start(port); err != nil {
			logger.Error("server error", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if serverMode {
		fmt.Printf("Running in server mode on port %d...\n", port)
		<-ctx.Done()
		return nil
	}

	return tui.Start(sess, tui.Options{
		FiatDecimals:  cfg.FiatDecimals,
		TokenDecimals: cfg.TokenDecimals,
		Version:       Version,
	})
}

// runConfigTest checks the config structure, the RPC endpoint and the
// configured contracts. Text progress goes to out unless jsonOut is set.
// A zero chain_id is filled from the RPC and saved unless dryRun.
func runConfigTest(ctx context.Context, cfg config.Config, path string, dryRun, jsonOut bool, out io.Writer) (models.TestReport, bool) {
	printf := func(format string, args ...any) {
		if !jsonOut {
			_, _ = fmt.Fprintf(out, format, args...)
		}
	}

	report := models.TestReport{
		ConfigPath:     path,
		ValidStructure: true,
		DryRun:         dryRun,
		TokenCount:     len(cfg.Tokens),
		ConfigChainID:  cfg.ChainID,
	}
	printf("Testing configuration at: %s\n", path)

	for _, e := range cfg.Validate() {
		report.ValidStructure = false
		report.StructureErrors = append(report.StructureErrors, e.Error())
		printf("Error: %v\n", e)
	}
	if !report.ValidStructure {
		return report, false
	}
	printf("Found %d tokens.\n", len(cfg.Tokens))

	printf("  RPC: %s ... ", cfg.RPCURL)
	client, err := rpc.Dial(ctx, cfg.RPCURL)
	if err != nil {
		report.RPC = &models.RPCResult{URL: cfg.RPCURL, Status: "error", Error: err.Error()}
		printf("Failed: %v\n", err)
		return report, false
	}
	defer client.Close()

	res := rpc.ProbeChainID(ctx, client, cfg.RPCURL, cfg.ChainID)
	report.RPC = &res
	if res.Status != "ok" {
		printf("Failed: %s\n", res.Error)
		return report, false
	}
	printf("OK (ChainID: %d)", res.ChainID)
	switch {
	case res.Error != "":
		printf(" - MISMATCH! Expected %d", cfg.ChainID)
	case cfg.ChainID == 0:
		cfg.ChainID = res.ChainID
		report.ChainIDUpdated = true
		report.ConfigUpdated = true
		printf(" - UPDATED CONFIG")
		if dryRun {
			printf(" (DRY RUN)")
		}
	default:
		printf(" - Verified")
	}
	printf("\n")

	report.Contracts = rpc.CheckContracts(ctx, client, []rpc.NamedContract{
		{Name: "aggregator", Address: cfg.Aggregator()},
		{Name: "multicall", Address: cfg.Multicall()},
	})
	ok := res.Error == ""
	for _, c := range report.Contracts {
		switch {
		case c.Error != "":
			ok = false
			printf("  %s %s: Failed: %s\n", c.Name, c.Address, c.Error)
		case !c.HasCode:
			ok = false
			printf("  %s %s: no contract code\n", c.Name, c.Address)
		default:
			printf("  %s %s: OK\n", c.Name, c.Address)
		}
	}

	if report.ConfigUpdated {
		printf("\nUpdating configuration with fetched Chain ID...\n")
		if dryRun {
			printf("Dry run enabled: Configuration NOT saved.\n")
		} else if err := config.SaveConfig(cfg, path); err != nil {
			report.SaveError = err.Error()
			ok = false
			printf("Failed to save config: %v\n", err)
		} else {
			printf("Configuration saved successfully.\n")
		}
	}
	return report, ok
}
