package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	multiread "github.com/ehrlich-b/go-multiread"
	"github.com/ehrlich-b/go-multiread/internal/config"
	"github.com/ehrlich-b/go-multiread/internal/logging"
	"github.com/ehrlich-b/go-multiread/internal/report"
)

const usage = `Usage: multiread [run] [flags]
       multiread prepare [flags]

Commands:
  run       read the target file in parallel chunks through io_uring (default)
  prepare   create the target file filled with 'a'

Every flag can also be set in a config file (--config) or through the
environment as MULTIREAD_<KEY>, e.g. MULTIREAD_CHUNK_SIZE=1M.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code
func run(args []string, stdout, stderr io.Writer) int {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		return runBench(args, stdout, stderr)
	case "prepare":
		return runPrepare(args, stdout, stderr)
	case "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "multiread: unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

// commonFlags registers the flags shared by every command. Flag names use
// dashes; the matching config keys use underscores.
type commonFlags struct {
	configFile string
	verbose    bool
}

func newFlagSet(name string, stderr io.Writer, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&common.configFile, "config", "", "Config file (yaml, json or toml)")
	fs.BoolVar(&common.verbose, "v", false, "Verbose output")
	fs.String("path", multiread.DefaultPath, "Target file")
	fs.String("size", "10G", "Expected file size (e.g. 10G); 0 uses the file's size")
	fs.String("chunk-size", "512K", "Bytes per read (e.g. 512K)")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.String("log-format", "text", "Log format: text or json")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fmt.Fprintf(stderr, "\nFlags for %s:\n", name)
		fs.PrintDefaults()
	}
	return fs
}

// overrides returns the flags set explicitly on the command line, keyed by
// config key, so that unset flags do not mask the file or environment.
func overrides(fs *flag.FlagSet) map[string]any {
	out := map[string]any{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "v":
			return
		}
		out[strings.ReplaceAll(f.Name, "-", "_")] = f.Value.String()
	})
	return out
}

func loadConfig(fs *flag.FlagSet, common *commonFlags, stderr io.Writer) (*config.Config, *logging.Logger, bool) {
	set := overrides(fs)
	if common.verbose {
		set[config.KeyLogLevel] = "debug"
	}
	cfg, err := config.Load(common.configFile, set)
	if err != nil {
		fmt.Fprintf(stderr, "multiread: %v\n", err)
		return nil, nil, false
	}

	lc := cfg.LoggingConfig()
	lc.Output = stderr
	logger := logging.NewLogger(lc)
	logging.SetDefault(logger)
	return cfg, logger, true
}

func runBench(args []string, stdout, stderr io.Writer) int {
	common := &commonFlags{}
	fs := newFlagSet("run", stderr, common)
	fs.Uint("depth", 0, "Max reads in flight (0 = one per chunk)")
	fs.Uint("flush-batch", 1, "Enqueues per submission flush")
	fs.String("engine", "giouring", "Ring engine: giouring, raw or pread")
	fs.String("cache-mode", "drop", "Cache eviction before the run: drop, fadvise or none")
	fs.Bool("direct", false, "Open the file with O_DIRECT")
	fs.String("short-reads", "error", "Short read policy: error or warn")
	fs.Bool("checksum", false, "Compute an xxhash64 digest of the file")
	fs.String("statsd-addr", "", "Export metrics to this statsd agent (host:port)")
	fs.String("statsd-prefix", "multiread", "Statsd metric namespace")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, ok := loadConfig(fs, common, stderr)
	if !ok {
		return 1
	}
	defer logger.Close()

	params, err := cfg.Params()
	if err != nil {
		fmt.Fprintf(stderr, "multiread: %v\n", err)
		return 1
	}
	params.Logger = logger

	var exporter *report.StatsdExporter
	if cfg.StatsdAddr != "" {
		exporter, err = report.NewStatsd(cfg.StatsdAddr, cfg.StatsdPrefix, nil, logger)
		if err != nil {
			logger.Warn("statsd disabled", "error", err)
		} else {
			params.Observer = exporter
			defer exporter.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	stopDumps := dumpStacksOnSignal(logger)
	defer stopDumps()

	logger.Info("starting run",
		"path", params.Path,
		"size", config.FormatSize(params.Size),
		"chunk_size", config.FormatSize(params.ChunkSize),
		"engine", params.Engine,
		"cache_mode", params.CacheMode,
		"pid", os.Getpid())

	res, runErr := multiread.Run(ctx, params)

	if exporter != nil {
		if err := exporter.Export(res, runErr); err != nil {
			logger.Warn("statsd export failed", "error", err)
		}
	}
	if res != nil {
		report.LogSummary(logger, res)
		if err := report.WriteSummary(stdout, res); err != nil {
			logger.Warn("failed to write summary", "error", err)
		}
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "multiread: %v\n", runErr)
	}
	return exitCode(res, runErr)
}

// exitCode is 0 only when every chunk was read in full
func exitCode(res *multiread.Result, err error) int {
	if err != nil || res == nil || !res.OK() {
		return 1
	}
	return 0
}

func runPrepare(args []string, stdout, stderr io.Writer) int {
	common := &commonFlags{}
	fs := newFlagSet("prepare", stderr, common)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, ok := loadConfig(fs, common, stderr)
	if !ok {
		return 1
	}
	defer logger.Close()

	size, _ := config.ParseSize(cfg.Size)
	chunk, _ := config.ParseSize(cfg.ChunkSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := multiread.Prepare(ctx, cfg.Path, size, chunk, logger); err != nil {
		fmt.Fprintf(stderr, "multiread: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote %s (%s) in %v\n", cfg.Path, config.FormatSize(size), time.Since(start).Round(time.Millisecond))
	return 0
}

// dumpStacksOnSignal writes every goroutine stack to stderr and a file on
// SIGUSR1. The returned func stops listening.
func dumpStacksOnSignal(logger *logging.Logger) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
			}
			logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

			filename := fmt.Sprintf("multiread-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
				fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
