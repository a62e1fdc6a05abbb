package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"

	"peerwire/internal/config"
	"peerwire/internal/download"
	"peerwire/internal/logger"
	"peerwire/internal/peer"
	"peerwire/internal/storage"
	"peerwire/internal/torrent"
	"peerwire/internal/tracker"
)

const usage = "usage: peerwire <file.torrent> <outdir> [key=value ...]"

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	overrides, logFile, err := parseOverrides(os.Args[3:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err := logger.Init(logFile); err != nil {
		fmt.Fprintln(os.Stderr, "initializing logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.FromMap(overrides)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		os.Exit(2)
	}

	// adding context for handling cancelation and sigterm issues.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGTERM and SIGINT handle using single unit channel
	sigChannel := make(chan os.Signal, 1)
	signal.Notify(sigChannel, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChannel
		logger.Info("shutting down on signal")
		cancel()
	}()

	if err := run(ctx, os.Args[1], os.Args[2], cfg); err != nil {
		tracerr.PrintSourceColor(err)
		logger.Sync()
		os.Exit(1)
	}
}

// parseOverrides turns key=value arguments into config overrides. The
// log_file key selects the log destination instead.
func parseOverrides(args []string) (map[string]any, string, error) {
	overrides := make(map[string]any, len(args))
	logFile := ""
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, "", fmt.Errorf("invalid override %q", arg)
		}
		if key == "log_file" {
			logFile = value
			continue
		}
		overrides[key] = value
	}
	return overrides, logFile, nil
}

func run(ctx context.Context, torrentPath, outDir string, cfg *config.Config) error {
	meta, err := torrent.Open(torrentPath)
	if err != nil {
		return err
	}

	peerID := peer.GeneratePeerID()

	var trackers []tracker.Tracker
	for _, u := range meta.Trackers() {
		trackers = append(trackers, tracker.NewHTTPTracker(u, cfg))
	}

	var coord *download.Coordinator
	disc := &tracker.Discovery{
		Trackers: trackers,
		PeerID:   peerID,
		Port:     cfg.ListenPort,
		InfoHash: meta.InfoHash,
		Left:     func() int { return coord.Left() },
	}

	coord, err = download.New(meta, download.Options{
		PeerID:    peerID,
		Config:    cfg,
		Sink:      storage.NewFileSink(afero.NewOsFs(), outDir, nil),
		Discovery: disc,
	})
	if err != nil {
		return tracerr.Wrap(err)
	}

	peers, err := disc.Announce(ctx)
	if err != nil {
		logger.Warn("initial announce failed", zap.Error(err))
	}

	res, err := coord.Run(ctx, peers)
	if res != nil {
		logger.Info("transfer finished",
			zap.Bool("complete", res.Complete),
			zap.Int("verified", res.Verified),
			zap.Int("pieces", res.Total),
			zap.Int64("bytes", res.Bytes),
		)
	}
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}
