// Command papatcher synchronizes a local Planetary Annihilation install
// with a remote build stream.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	patcher "github.com/coffeebreak/papatcher"
	"github.com/coffeebreak/papatcher/cache/disk"
	papahttp "github.com/coffeebreak/papatcher/http"
	"github.com/coffeebreak/papatcher/internal/config"
	"github.com/coffeebreak/papatcher/ubernet"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type options struct {
	uberName   string
	password   string
	stream     string
	full       bool
	threads    int
	rateLimit  int64
	unattended bool
	configPath string
	verbosity  int
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "papatcher",
		Short:         "Patch a Planetary Annihilation installation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.uberName, "ubername", "u", "", "UberName used for login")
	flags.StringVarP(&opts.password, "password", "p", "", "password used for login")
	flags.StringVarP(&opts.stream, "stream", "s", "", "stream to synchronize")
	flags.BoolVarP(&opts.full, "full", "f", false, "re-materialize files even when already correct")
	flags.IntVarP(&opts.threads, "threads", "t", 0, "maximum concurrent downloads")
	flags.Int64VarP(&opts.rateLimit, "ratelimit", "r", 0, "limit downloads to bytes/sec")
	flags.BoolVar(&opts.unattended, "unattended", false, "fail instead of prompting; requires --ubername, --password and --stream")
	flags.StringVar(&opts.configPath, "config", "", "path to papatcher.yaml")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "increase log verbosity (-v, -vv)")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	logger := newLogger(opts.verbosity)
	ctx := cmd.Context()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.threads > 0 {
		cfg.Downloads.MaxConcurrent = opts.threads
	}
	if opts.rateLimit > 0 {
		cfg.Downloads.RateLimit = opts.rateLimit
	}
	if opts.stream == "" {
		opts.stream = cfg.Stream
	}

	if opts.unattended && (opts.uberName == "" || opts.password == "" || opts.stream == "") {
		return errors.New("unattended mode requires --ubername, --password and --stream")
	}
	if err := promptCredentials(opts); err != nil {
		return err
	}

	client := ubernet.NewClient()
	logger.Info("logging in", "ubername", opts.uberName)
	session, err := client.Login(ctx, opts.uberName, opts.password)
	if err != nil {
		return err
	}

	streams, err := client.ListStreams(ctx, session)
	if err != nil {
		return err
	}
	stream, err := chooseStream(streams, opts)
	if err != nil {
		return err
	}

	logger.Info("downloading manifest", "stream", stream.StreamName, "build", stream.BuildID)
	manifestRaw, err := client.FetchManifest(ctx, stream)
	if err != nil {
		return err
	}

	store, err := disk.New(cfg.CacheRoot)
	if err != nil {
		return err
	}
	fetcher := papahttp.NewFetcher(stream.ContentURL,
		papahttp.WithRateLimit(cfg.Downloads.RateLimit))

	syncOpts := []patcher.Option{
		patcher.WithLogger(logger),
		patcher.WithProgress(newProgressPrinter()),
	}
	if opts.full {
		syncOpts = append(syncOpts, patcher.WithFullSync())
	}
	syncer := patcher.NewSyncer(fetcher, store,
		filepath.Join(cfg.InstallRoot, stream.StreamName),
		patcher.Config{
			MaxConcurrentDownloads: cfg.Downloads.MaxConcurrent,
			MaxRetries:             cfg.Downloads.MaxRetries,
			BackoffBase:            time.Duration(cfg.Downloads.BackoffBase),
			BackoffMax:             time.Duration(cfg.Downloads.BackoffMax),
		},
		syncOpts...)

	report, err := syncer.Sync(ctx, manifestRaw)
	if err != nil {
		return err
	}
	printReport(report)
	if !report.Ok() {
		return fmt.Errorf("%d file(s) failed", len(report.Failed))
	}
	return nil
}

func newLogger(verbosity int) *slog.Logger {
	level := slog.LevelWarn
	switch verbosity {
	case 0:
	case 1:
		level = slog.LevelInfo
	default:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func promptCredentials(opts *options) error {
	reader := bufio.NewReader(os.Stdin)
	if opts.uberName == "" {
		fmt.Print("? UberName: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		opts.uberName = strings.TrimSpace(line)
	}
	if opts.password == "" {
		fmt.Print("? Password: ")
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return err
		}
		opts.password = string(secret)
	}
	return nil
}

func chooseStream(streams []ubernet.Stream, opts *options) (ubernet.Stream, error) {
	byName := make(map[string]ubernet.Stream, len(streams))
	names := make([]string, 0, len(streams))
	for _, s := range streams {
		byName[s.StreamName] = s
		names = append(names, s.StreamName)
	}
	if s, ok := byName[opts.stream]; ok {
		return s, nil
	}
	if opts.unattended {
		return ubernet.Stream{}, fmt.Errorf("unknown stream %q (available: %s)", opts.stream, strings.Join(names, ", "))
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("* Available streams: %s\n", strings.Join(names, ", "))
		fmt.Print("? Select stream: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return ubernet.Stream{}, err
		}
		if s, ok := byName[strings.TrimSpace(line)]; ok {
			return s, nil
		}
		fmt.Println("! Invalid stream.")
	}
}

func newProgressPrinter() func(patcher.ProgressEvent) {
	var done atomic.Int64
	return func(ev patcher.ProgressEvent) {
		if ev.State != patcher.TaskVerified || ev.Bytes == 0 {
			return
		}
		n := done.Add(ev.Bytes)
		fmt.Fprintf(os.Stderr, "* fetched %s... (%s total)\n",
			shortDigest(ev.Digest.Encoded()), humanize.Bytes(uint64(n)))
	}
}

func shortDigest(hex string) string {
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}

func printReport(report *patcher.Report) {
	fmt.Printf("* Build %s: %d installed, %d up to date, %d failed\n",
		report.Build, len(report.Installed), len(report.Skipped), len(report.Failed))
	if report.FetchedBytes > 0 {
		fmt.Printf("* Downloaded %s\n", humanize.Bytes(uint64(report.FetchedBytes)))
	}
	for _, failure := range report.Failed {
		fmt.Fprintf(os.Stderr, "! %s: %v\n", failure.Path, failure.Err)
	}
}
