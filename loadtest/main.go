package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"matchchat/client/metrics"
	"matchchat/logging"
)

var (
	opts      Options
	tokenList string
	logLevel  string

	rootCmd = &cobra.Command{
		Use:   "loadtest",
		Short: "Drive concurrent connection managers against a relay and report latency",
		RunE:  run,
	}
)

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.URL, "url", "ws://localhost:8000/ws", "relay socket url")
	f.StringVar(&opts.RelayHTTP, "relay", "http://localhost:8000", "relay http base url")
	f.StringVar(&opts.InternalKey, "internal-key", "", "key for the relay's internal endpoints")
	f.StringVar(&tokenList, "tokens", "", "comma separated user tokens; consecutive users are paired")
	f.IntVarP(&opts.Rounds, "rounds", "n", 100, "ping and typing rounds per user")
	f.Float64Var(&opts.StopChance, "stop-chance", 0.3, "chance a typing user stops each round")
	f.Float64Var(&opts.FramesPerSecond, "frames-per-second", DefaultFramesPerSecond, "frames each socket sends per second; keep below the relay's server.frames_per_second")
	f.IntVar(&opts.FrameBurst, "frame-burst", DefaultFrameBurst, "frames each socket may send back to back; keep below the relay's server.frame_burst")
	f.DurationVar(&opts.Timeout, "timeout", 5*time.Second, "per-operation timeout")
	f.Int64Var(&opts.Seed, "seed", time.Now().UnixNano(), "workload seed")
	f.StringVar(&logLevel, "log-level", "warn", "log level")
	rootCmd.MarkFlagRequired("tokens")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logLevel
	logCfg.Format = "console"
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	opts.Logger = logger

	for _, t := range strings.Split(tokenList, ",") {
		if t = strings.TrimSpace(t); t != "" {
			opts.Tokens = append(opts.Tokens, t)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Testing with %d concurrent connections...\n", len(opts.Tokens))

	collector := metrics.NewCollector()
	report, err := Run(ctx, opts, collector)
	if err != nil {
		return err
	}

	printReport(out, report)
	collector.PrintSummary(out, metrics.SeriesConnect, SeriesPingRTT, SeriesTypingRelay)
	return nil
}
