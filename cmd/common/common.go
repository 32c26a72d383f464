// Package common implements common govkeeper command options.
package common

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdLog "log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/akrylysov/pogreb"
	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/oasisprotocol/govkeeper/chain"
	"github.com/oasisprotocol/govkeeper/config"
	"github.com/oasisprotocol/govkeeper/fee"
	"github.com/oasisprotocol/govkeeper/gas"
	"github.com/oasisprotocol/govkeeper/governance"
	"github.com/oasisprotocol/govkeeper/journal"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/submission"
	"github.com/oasisprotocol/govkeeper/timelock"
)

// Process exit codes.
const (
	ExitFailure   = 1
	ExitRejected  = 2
	ExitExhausted = 3
)

var (
	rootLogger = log.NewDefaultLogger("govkeeper")

	// logFile is the configured log file, if any; closed by CloseLogFile.
	logFile *os.File
)

// Init initializes the common environment.
func Init(cfg *config.Config) error {
	var w io.Writer = os.Stderr
	format := log.FmtJSON
	level := log.LevelInfo

	if cfg.Log != nil {
		var err error
		if w, err = getLoggingStream(cfg.Log); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if f, ok := w.(*os.File); ok && f != os.Stderr {
			CloseLogFile()
			logFile = f
		}
		if err := format.Set(cfg.Log.Format); err != nil {
			return err
		}
		if err := level.Set(cfg.Log.Level); err != nil {
			return err
		}
	}
	logger, err := log.NewLogger("govkeeper", w, format, level)
	if err != nil {
		return err
	}
	rootLogger = logger

	// Initialize pogreb logging.
	pogrebLogger := RootLogger().WithModule("pogreb").WithCallerUnwind(7)
	pogreb.SetLogger(stdLog.New(log.WriterIntoLogger(*pogrebLogger), "", 0))

	if cfg.Debug != nil {
		startPprof(cfg.Debug.PprofEndpoint)
	}
	return nil
}

// CloseLogFile closes the configured log file. Later logging goes to
// stderr.
func CloseLogFile() {
	if logFile == nil {
		return
	}
	rootLogger = log.NewDefaultLogger("govkeeper")
	if err := logFile.Close(); err != nil {
		rootLogger.Error("failed to close log file", "file", logFile.Name(), "err", err)
	}
	logFile = nil
}

// RootLogger returns the logger defined by logging flags.
func RootLogger() *log.Logger {
	return rootLogger
}

// Logs go to stderr by default; stdout carries the command's JSON result.
func getLoggingStream(cfg *config.LogConfig) (io.Writer, error) {
	if cfg == nil || cfg.File == "" {
		return os.Stderr, nil
	}
	w, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Run loads the config, initializes the environment and runs fn with a
// context that is canceled on SIGINT or SIGTERM. A non-nil result is
// printed to stdout as one JSON document. It does not return on failure.
func Run(configFile string, fn func(ctx context.Context, cfg *config.Config) (interface{}, error)) {
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(ExitFailure)
	}
	if err = Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		CloseLogFile()
		os.Exit(ExitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, fn, os.Stdout)
	stop()
	CloseLogFile()
	if code != 0 {
		os.Exit(code)
	}
}

// run runs fn and writes its result to w, returning the exit code.
func run(ctx context.Context, cfg *config.Config, fn func(ctx context.Context, cfg *config.Config) (interface{}, error), w io.Writer) int {
	result, err := fn(ctx, cfg)
	if err != nil {
		RootLogger().Error("command failed", "err", err)
		return ExitCode(err)
	}
	if result != nil {
		if err = PrintJSON(w, result); err != nil {
			RootLogger().Error("failed to write result", "err", err)
			return ExitFailure
		}
	}
	return 0
}

// ExitCode maps a command failure onto the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, submission.ErrFatalFailure):
		return ExitRejected
	case errors.Is(err, submission.ErrSubmissionExhausted):
		return ExitExhausted
	default:
		return ExitFailure
	}
}

// PrintJSON writes v to w as indented JSON.
func PrintJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewClient dials the configured chain. The client is read-only unless a
// signer is configured.
func NewClient(ctx context.Context, cfg *config.Config, logger *log.Logger) (*chain.Client, error) {
	var opts chain.Options
	opts.RequestTimeout = cfg.Network.RequestTimeout
	if cfg.Submission != nil {
		opts.PollInterval = cfg.Submission.PollInterval
	}
	chainCfg := cfg.Network.Chain()
	opts.Confirmations = chainCfg.Confirmations

	var key *ecdsa.PrivateKey
	if cfg.Signer != nil {
		k, err := chain.ParsePrivateKey(cfg.Signer.PrivateKey)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return chain.Dial(ctx, chainCfg, key, opts, logger)
}

// NewExecutor creates the resilient executor submitting through client.
func NewExecutor(cfg *config.Config, client *chain.Client, logger *log.Logger) (*submission.Executor, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer: not configured")
	}
	var sub config.SubmissionConfig
	if cfg.Submission != nil {
		sub = *cfg.Submission
	}
	fallbackGasPrice := new(big.Int).SetUint64(cfg.Network.Chain().FallbackGasPrice)

	bufferRatio := gas.DefaultBufferRatio
	if sub.GasBufferRatio != nil {
		bufferRatio = *sub.GasBufferRatio
	}

	fees := fee.NewStrategy(client, fallbackGasPrice, logger)
	estimator := gas.NewEstimator(client, bufferRatio, sub.FallbackGasLimit, logger)
	return submission.NewExecutor(fees, estimator, client, submission.Options{
		MaxAttempts:       sub.MaxAttempts,
		PerAttemptTimeout: sub.PerAttemptTimeout,
		BackoffUnit:       sub.BackoffUnit,
	}, logger), nil
}

// NewRegistry creates the time-lock registry. submitter may be nil for
// read-only use.
func NewRegistry(cfg *config.Config, client *chain.Client, submitter timelock.Submitter, logger *log.Logger) (*timelock.Registry, error) {
	if cfg.Timelock == nil {
		return nil, fmt.Errorf("timelock: not configured")
	}
	address := ethCommon.HexToAddress(cfg.Timelock.Address)
	controller := timelock.NewContractController(address, client)
	return timelock.NewRegistry(address, controller, submitter, logger), nil
}

// NewGovernor creates the governance helper.
func NewGovernor(client *chain.Client, submitter governance.Submitter, logger *log.Logger) *governance.Governor {
	return governance.NewGovernor(client, submitter, logger)
}

// NewJournal opens the configured journal, or returns nil if none is
// configured.
func NewJournal(ctx context.Context, cfg *config.Config, logger *log.Logger) (journal.Journal, error) {
	if cfg.Journal == nil {
		return nil, nil
	}
	return journal.Open(ctx, cfg.Journal, logger)
}
