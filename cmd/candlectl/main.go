/*
Package main implements candlectl, the operator CLI for a tickbars deployment.

It shares the daemon's configuration (config file plus TICKBARS_* variables)
and works directly against the configured store.

Usage:

	candlectl [-config=config.yaml] <command> [flags] [args]

Commands:

	migrate                          create the schema
	candles <symbol> <tf> [-since]   print stored candles as JSON lines
	export <symbol> <tf> -out=FILE   write stored candles to a Parquet file
	cleanup <days>                   delete raw ticks older than days
	health [-addr] [-service]        query the daemon's gRPC health service
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"tickbars/internal/config"
	"tickbars/internal/export"
	"tickbars/internal/model"
	"tickbars/internal/retention"
	"tickbars/internal/service"
	"tickbars/internal/store"
	"tickbars/internal/utils"
)

var errUsage = errors.New("usage: candlectl [-config=FILE] migrate|candles|export|cleanup|health ...")

var configPath = flag.String("config", "", "Path to a YAML config file (default ./config.yaml if present)")

func main() {
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, flag.Args(), os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("candlectl failed")
	}
}

func run(ctx context.Context, cfgPath string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	if cmd == "health" {
		return runHealth(ctx, args, out)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	st, err := service.OpenStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	switch cmd {
	case "migrate":
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		log.Info().Str("driver", cfg.Store.Driver).Msg("schema migrated")
		return nil
	case "candles":
		return runCandles(ctx, st, args, out)
	case "export":
		return runExport(ctx, st, args)
	case "cleanup":
		return runCleanup(ctx, st, args)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

// parseInterleaved parses fs while allowing flags before, between and after
// positional arguments, and returns the positionals.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

// pairArgs returns the normalized symbol and the timeframe from the first two positionals.
func pairArgs(positional []string) (string, model.Timeframe, error) {
	if len(positional) != 2 {
		return "", "", errors.New("expected <symbol> <timeframe>")
	}
	symbol := utils.NormalizeSymbol(positional[0])
	if err := utils.ValidateSymbol(symbol); err != nil {
		return "", "", err
	}
	tf, err := model.ParseTimeframe(positional[1])
	if err != nil {
		return "", "", err
	}
	return symbol, tf, nil
}

func runCandles(ctx context.Context, st store.CandleStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("candles", flag.ContinueOnError)
	since := fs.Duration("since", 24*time.Hour, "How far back to read")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	symbol, tf, err := pairArgs(positional)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	candles, err := st.QueryCandles(ctx, symbol, tf, now.Add(-*since), now)
	if err != nil {
		return err
	}

	w := zerolog.New(out)
	for _, c := range candles {
		w.Log().
			Str("symbol", c.Symbol).
			Str("timeframe", c.Timeframe.String()).
			Time("bucket_start", c.BucketStart).
			Str("open", c.Open.String()).
			Str("high", c.High.String()).
			Str("low", c.Low.String()).
			Str("close", c.Close.String()).
			Str("volume", c.Volume.String()).
			Int64("trades", c.TradeCount).
			Send()
	}
	return nil
}

func runExport(ctx context.Context, st store.CandleStore, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	since := fs.Duration("since", 24*time.Hour, "How far back to export")
	outPath := fs.String("out", "", "Parquet file to write")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	symbol, tf, err := pairArgs(positional)
	if err != nil {
		return err
	}
	if *outPath == "" {
		return errors.New("-out is required")
	}

	now := time.Now().UTC()
	n, err := export.WriteFile(ctx, st, *outPath, symbol, tf, now.Add(-*since), now)
	if err != nil {
		return err
	}
	log.Info().Str("symbol", symbol).Stringer("timeframe", tf).Int("rows", n).Str("file", *outPath).Msg("candles exported")
	return nil
}

func runCleanup(ctx context.Context, st store.TickStore, args []string) error {
	if len(args) != 1 {
		return errors.New("expected <days>")
	}
	days, err := strconv.Atoi(args[0])
	if err != nil || days <= 0 {
		return fmt.Errorf("days must be a positive integer, got %q", args[0])
	}
	_, err = retention.New(st, days, 0).Sweep(ctx)
	return err
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "localhost:50051", "Health server address in the format host:port")
	svc := fs.String("service", "tickbars.Pipeline", "Service name to check; empty checks the server")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("did not connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: *svc})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	fmt.Fprintln(out, resp.GetStatus().String())
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", *addr, resp.GetStatus())
	}
	return nil
}
