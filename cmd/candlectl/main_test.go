package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"tickbars/internal/export"
	"tickbars/internal/model"
	"tickbars/internal/store/sqlite"
)

func sqliteEnv(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "tickbars.db")
	t.Setenv("TICKBARS_STORE_DRIVER", "sqlite")
	t.Setenv("TICKBARS_STORE_DSN", dsn)
	chdir(t, t.TempDir())
	return dsn
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func seed(t *testing.T, dsn string, candles int, ticks []time.Time) {
	t.Helper()
	st, err := sqlite.Open(dsn)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	start := model.Timeframe1m.BucketStart(time.Now().Add(-time.Hour))
	for i := 0; i < candles; i++ {
		require.NoError(t, st.UpsertCandle(ctx, model.Candle{
			Symbol:      "BTCUSDT",
			Timeframe:   model.Timeframe1m,
			BucketStart: start.Add(time.Duration(i) * time.Minute),
			Open:        decimal.NewFromInt(100),
			High:        decimal.NewFromInt(105),
			Low:         decimal.NewFromInt(95),
			Close:       decimal.NewFromInt(101),
			Volume:      decimal.RequireFromString("3.75"),
			TradeCount:  3,
		}))
	}
	for i, at := range ticks {
		_, err := st.AppendRawTicks(ctx, []model.RawTick{{
			Symbol:    "BTCUSDT",
			Price:     decimal.NewFromInt(100),
			Quantity:  decimal.NewFromInt(1),
			TradeID:   int64(i + 1),
			EventTime: at,
			TradeTime: at,
		}})
		require.NoError(t, err)
	}
}

func TestRun_Candles(t *testing.T) {
	dsn := sqliteEnv(t)
	ctx := context.Background()
	require.NoError(t, run(ctx, "", []string{"migrate"}, &bytes.Buffer{}))
	seed(t, dsn, 3, nil)

	var out bytes.Buffer
	require.NoError(t, run(ctx, "", []string{"candles", "btc-usdt", "1m", "-since", "2h"}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"symbol":"BTCUSDT"`)
	assert.Contains(t, lines[0], `"volume":"3.75"`)

	out.Reset()
	require.NoError(t, run(ctx, "", []string{"candles", "-since", "1m", "BTCUSDT", "1m"}, &out))
	assert.Empty(t, out.String(), "flags may precede the positionals")
}

func TestRun_Export(t *testing.T) {
	dsn := sqliteEnv(t)
	ctx := context.Background()
	require.NoError(t, run(ctx, "", []string{"migrate"}, &bytes.Buffer{}))
	seed(t, dsn, 4, nil)

	path := filepath.Join(t.TempDir(), "btc.parquet")
	require.NoError(t, run(ctx, "", []string{"export", "BTCUSDT", "1m", "-out", path}, &bytes.Buffer{}))

	rows, err := parquet.ReadFile[export.Row](path)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestRun_Cleanup(t *testing.T) {
	dsn := sqliteEnv(t)
	ctx := context.Background()
	require.NoError(t, run(ctx, "", []string{"migrate"}, &bytes.Buffer{}))

	now := time.Now().UTC()
	seed(t, dsn, 0, []time.Time{now.AddDate(0, 0, -10), now.AddDate(0, 0, -3), now})
	require.NoError(t, run(ctx, "", []string{"cleanup", "7"}, &bytes.Buffer{}))

	st, err := sqlite.Open(dsn)
	require.NoError(t, err)
	defer st.Close()
	ticks, err := st.QueryRawTicks(ctx, "BTCUSDT", now.AddDate(0, 0, -30), now.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, ticks, 2)
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name        string
		description string
		args        []string
		wantErr     string
	}{
		{name: "no command", description: "usage is reported", args: nil, wantErr: "usage"},
		{name: "unknown command", description: "unknown commands are rejected", args: []string{"compact"}, wantErr: "unknown command"},
		{name: "missing timeframe", description: "candles needs two positionals", args: []string{"candles", "BTCUSDT"}, wantErr: "expected <symbol> <timeframe>"},
		{name: "bad timeframe", description: "timeframe must parse", args: []string{"candles", "BTCUSDT", "7m"}, wantErr: "unknown timeframe"},
		{name: "export without out", description: "-out is required", args: []string{"export", "BTCUSDT", "1m"}, wantErr: "-out is required"},
		{name: "cleanup zero days", description: "days must be positive", args: []string{"cleanup", "0"}, wantErr: "positive integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TICKBARS_STORE_DRIVER", "memory")
			chdir(t, t.TempDir())
			err := run(context.Background(), "", tt.args, &bytes.Buffer{})
			require.Error(t, err, tt.description)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRun_Health(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := health.NewServer()
	s := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	go s.Serve(lis)
	defer s.Stop()

	addr := lis.Addr().String()

	hs.SetServingStatus("tickbars.Pipeline", grpc_health_v1.HealthCheckResponse_SERVING)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), "", []string{"health", "-addr", addr}, &out))
	assert.Equal(t, "SERVING\n", out.String())

	hs.SetServingStatus("tickbars.Pipeline", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	out.Reset()
	assert.Error(t, run(context.Background(), "", []string{"health", "-addr", addr}, &out))
	assert.Equal(t, "NOT_SERVING\n", out.String())
}
