package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prxssh/piecewise/internal/config"
	"github.com/prxssh/piecewise/internal/meta"
	"github.com/prxssh/piecewise/internal/peer"
	"github.com/prxssh/piecewise/internal/piece"
	"github.com/prxssh/piecewise/internal/protocol"
	"github.com/prxssh/piecewise/internal/scheduler"
	"github.com/prxssh/piecewise/internal/storage"
	"github.com/prxssh/piecewise/internal/torrent"
	"github.com/prxssh/piecewise/internal/utils/logging"
)

// cliConfig holds the flag-parsed values; everything else is read from
// config.WithDefaultConfig() and overridden field by field so an unset flag
// keeps its sane default instead of zeroing the knob.
type cliConfig struct {
	descriptorPath  string
	downloadDir     string
	listenPort      int
	maxPeers        int
	maxUploadRate   int64
	maxDownloadRate int64
	admitPeers      string
	verbose         bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("piecewise", flag.ContinueOnError)

	descriptor := fs.String("descriptor", "", "path to a descriptor file (bencoded manifest or container) (required)")
	dir := fs.String("dir", "", "download directory (defaults to the platform download dir)")
	port := fs.Int("port", 6881, "TCP port to accept inbound peer connections on; 0 disables listening")
	maxPeers := fs.Int("max-peers", 0, "maximum concurrent peer connections (0 = use default)")
	maxUpload := fs.Int64("max-upload-rate", 0, "upload rate cap in bytes/second (0 = unlimited)")
	maxDownload := fs.Int64("max-download-rate", 0, "download rate cap in bytes/second (0 = unlimited)")
	admit := fs.String("admit", "", "comma-separated host:port peers to dial directly, bypassing the tracker")
	verbose := fs.Bool("verbose", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *descriptor == "" {
		return nil, errors.New("missing required flag: -descriptor")
	}

	return &cliConfig{
		descriptorPath:  *descriptor,
		downloadDir:     *dir,
		listenPort:      *port,
		maxPeers:        *maxPeers,
		maxUploadRate:   *maxUpload,
		maxDownloadRate: *maxDownload,
		admitPeers:      *admit,
		verbose:         *verbose,
	}, nil
}

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: piecewise -descriptor <file> [-dir path] [-port N] [-max-peers N] [-max-upload-rate N] [-max-download-rate N] [-admit host:port,...] [-verbose]\n")
		if err.Error() != "missing required flag: -descriptor" {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	setupLogger(cli.verbose)

	base, err := config.WithDefaultConfig()
	if err != nil {
		slog.Error("failed to initialize config", "error", err)
		os.Exit(1)
	}
	applyFlags(base, cli)

	data, err := os.ReadFile(cli.descriptorPath)
	if err != nil {
		slog.Error("failed to read descriptor", "path", cli.descriptorPath, "error", err)
		os.Exit(1)
	}

	cfg := buildTorrentConfig(base, cli)

	t, err := torrent.NewTorrent(base.ClientID, data, cfg)
	if err != nil {
		slog.Error("failed to load descriptor", "error", err)
		os.Exit(exitCodeFor(err))
	}

	slog.Info("loaded descriptor",
		"name", t.Metainfo.Info.Name,
		"size", t.Metainfo.Size(),
		"pieces", len(t.Metainfo.Info.Pieces),
	)

	if cli.admitPeers != "" {
		addrs := parseAdmitPeers(cli.admitPeers)
		if len(addrs) > 0 {
			t.AdmitPeers(addrs)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("torrent stopped", "error", err)
		os.Exit(exitCodeFor(err))
	}
}

func applyFlags(cfg *config.Config, cli *cliConfig) {
	if cli.downloadDir != "" {
		cfg.DefaultDownloadDir = cli.downloadDir
	}
	if cli.listenPort != 0 {
		cfg.Port = uint16(cli.listenPort)
	}
	if cli.maxPeers != 0 {
		cfg.MaxPeers = cli.maxPeers
	}
	if cli.maxUploadRate != 0 {
		cfg.MaxUploadRate = cli.maxUploadRate
	}
	if cli.maxDownloadRate != 0 {
		cfg.MaxDownloadRate = cli.maxDownloadRate
	}
}

// buildTorrentConfig maps the flat, flag-friendly config.Config onto the
// per-component configs torrent.NewTorrent actually wants. There is
// deliberately no global config object threaded past this point.
func buildTorrentConfig(cfg *config.Config, cli *cliConfig) *torrent.Config {
	listenAddr := ""
	if cli.listenPort != 0 {
		listenAddr = ":" + strconv.Itoa(int(cfg.Port))
	}

	return &torrent.Config{
		Scheduler: &scheduler.Config{
			MaxInflightRequestsPerPeer: uint32(cfg.MaxInflightRequestsPerPeer),
			MinInflightRequestsPerPeer: uint32(cfg.MinInflightRequestsPerPeer),
			RequestTimeout:             cfg.RequestTimeout,
			DownloadStrategy:           mapStrategy(cfg.PieceDownloadStrategy),
			MaxPeers:                   cfg.MaxPeers,
			EventQueueSize:             256,
		},
		Storage: &storage.Config{
			DownloadDir:    cfg.DefaultDownloadDir,
			PieceQueueSize: 200,
			DiskQueueSize:  100,
		},
		Peer: &peer.Config{
			MaxPeers:               cfg.MaxPeers,
			PeerOutboxBacklog:      cfg.PeerOutboundQueueBacklog,
			ReadTimeout:            cfg.ReadTimeout,
			WriteTimeout:           cfg.WriteTimeout,
			DialTimeout:            cfg.DialTimeout,
			KeepAliveInterval:      cfg.KeepAliveInterval,
			RechokeInterval:        cfg.RechokeInterval,
			PeerInactivityDuration: cfg.PeerInactivityDuration,
			MaxUploadRate:          cfg.MaxUploadRate,
			MaxDownloadRate:        cfg.MaxDownloadRate,
			RateLimitRefresh:       cfg.RateLimitRefresh,
		},
		Tracker: &torrent.TrackerConfig{
			AnnounceInterval:    cfg.AnnounceInterval,
			MinAnnounceInterval: cfg.MinAnnounceInterval,
			MaxAnnounceBackoff:  cfg.MaxAnnounceBackoff,
		},
		ListenAddr: listenAddr,
	}
}

func mapStrategy(s config.PieceDownloadStrategy) piece.DownloadStrategy {
	switch s {
	case config.PieceDownloadStrategySequential:
		return piece.StrategySequential
	case config.PieceDownloadStrategyRandom:
		return piece.StrategyRandom
	default:
		return piece.StrategyRarestFirst
	}
}

func parseAdmitPeers(raw string) []netip.AddrPort {
	var out []netip.AddrPort
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		addr, err := netip.ParseAddrPort(field)
		if err != nil {
			slog.Warn("skipping malformed -admit peer", "value", field, "error", err)
			continue
		}
		out = append(out, addr)
	}
	return out
}

// exitCodeFor maps each fatal error category to a distinct process exit
// code; anything unrecognized falls back to a generic failure code.
func exitCodeFor(err error) int {
	var irrecoverable *scheduler.ErrIrrecoverablePiece
	switch {
	case errors.Is(err, meta.ErrDescriptorFormatError):
		return 2
	case errors.Is(err, meta.ErrDescriptorDecryptError):
		return 3
	case errors.Is(err, meta.ErrDescriptorSignatureError):
		return 4
	case errors.As(err, &irrecoverable):
		return 5
	case errors.Is(err, protocol.ErrDescriptorIDMismatch):
		return 6
	default:
		return 1
	}
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	} else {
		opts.SlogOpts.Level = slog.LevelInfo
		opts.SlogOpts.AddSource = false
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
