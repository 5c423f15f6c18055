// Package metrics exposes pipeline counters to Prometheus.
//
// Components keep their own atomic counters and expose them through Stats();
// the collectors registered here read those snapshots on scrape, so nothing
// on the hot path touches Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickbars/internal/ingest"
	"tickbars/internal/resample"
	"tickbars/internal/websocket"
)

const namespace = "tickbars"

// Sources are the Stats functions scraped on every collection. Nil entries are skipped.
type Sources struct {
	Stream   func() websocket.Stats
	Ingest   func() ingest.Stats
	Resample func() resample.Stats
}

// NewRegistry returns a registry carrying the Go and process collectors plus
// the pipeline metrics of src.
func NewRegistry(src Sources) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	if err := Register(reg, src); err != nil {
		return nil, err
	}
	return reg, nil
}

// Register adds the pipeline metrics to reg.
func Register(reg prometheus.Registerer, src Sources) error {
	var cs []prometheus.Collector

	if src.Stream != nil {
		s := src.Stream
		cs = append(cs,
			counter("stream", "messages_received_total", "Frames read from the exchange feed.", func() float64 { return float64(s().MessagesReceived) }),
			counter("stream", "trades_processed_total", "Trade events parsed and queued.", func() float64 { return float64(s().TradesProcessed) }),
			counter("stream", "parse_errors_total", "Frames that could not be parsed.", func() float64 { return float64(s().ParseErrors) }),
			counter("stream", "dropped_total", "Trade events discarded by the overflow policy.", func() float64 { return float64(s().Dropped) }),
			counter("stream", "reconnect_attempts_total", "Reconnection attempts.", func() float64 { return float64(s().ReconnectAttempts) }),
			gauge("stream", "connected", "1 while the feed connection is up.", func() float64 {
				if s().State == websocket.StateConnected {
					return 1
				}
				return 0
			}),
			gauge("stream", "last_message_timestamp_seconds", "Unix time of the last data frame.", func() float64 {
				t := s().LastMessageAt
				if t.IsZero() {
					return 0
				}
				return float64(t.UnixNano()) / 1e9
			}),
		)
	}

	if src.Ingest != nil {
		s := src.Ingest
		cs = append(cs,
			counter("ingest", "received_total", "Trade events handed to the buffer.", func() float64 { return float64(s().Received) }),
			counter("ingest", "inserted_total", "Raw ticks written to the store.", func() float64 { return float64(s().Inserted) }),
			counter("ingest", "duplicates_total", "Trade events recognised as duplicates.", func() float64 { return float64(s().Duplicates) }),
			counter("ingest", "errors_total", "Raw ticks lost to write failures.", func() float64 { return float64(s().Errors) }),
			counter("ingest", "batches_flushed_total", "Batches written to the store.", func() float64 { return float64(s().BatchesFlushed) }),
			counter("ingest", "batches_dropped_total", "Batches dropped after exhausting retries.", func() float64 { return float64(s().BatchesDropped) }),
			gauge("ingest", "pending", "Events buffered and not yet flushed.", func() float64 { return float64(s().Pending) }),
		)
	}

	if src.Resample != nil {
		s := src.Resample
		cs = append(cs,
			counter("resample", "runs_total", "Completed resampler runs.", func() float64 { return float64(s().Runs) }),
			counter("resample", "skipped_runs_total", "Runs skipped because the previous one was still active.", func() float64 { return float64(s().SkippedRuns) }),
			counter("resample", "candles_created_total", "Candles written.", func() float64 { return float64(s().CandlesCreated) }),
			counter("resample", "candles_existing_total", "Candles found already present.", func() float64 { return float64(s().CandlesExisting) }),
			counter("resample", "ticks_processed_total", "Raw ticks aggregated into written candles.", func() float64 { return float64(s().TicksProcessed) }),
			counter("resample", "errors_total", "Failed (symbol, timeframe) units.", func() float64 { return float64(s().Errors) }),
			gauge("resample", "last_run_duration_seconds", "Duration of the last run.", func() float64 { return s().LastRunDuration.Seconds() }),
		)
	}

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metric: %w", err)
		}
	}
	return nil
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func counter(subsystem, name, help string, f func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, f)
}

func gauge(subsystem, name, help string, f func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, f)
}
