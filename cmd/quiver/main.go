package main

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/recipe"
)

var (
	recipeName    = flag.String("recipe", "mxfp8_emulated", "Recipe preset (see -list)")
	listRecipes   = flag.Bool("list", false, "List recipe presets and registered kernels, then exit")
	capability    = flag.String("capability", "", "Override the detected device capability (e.g. 10.0, sm_90, none)")
	allowFallback = flag.Bool("fallback", true, "Degrade to the emulated kernel when the requested kernel cannot run")
	rows          = flag.Int("m", 128, "Demo activation rows")
	inFeatures    = flag.Int("k", 256, "Demo in_features")
	outFeatures   = flag.Int("n", 256, "Demo out_features")
	seed          = flag.Int64("seed", 1, "Demo RNG seed")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	ipcOut        = flag.String("ipc-out", "", "Write the quantized demo weight as an Arrow IPC stream to this file (- for stdout)")
	serverAddr    = flag.String("server", "", "Flight server to push the quantized demo weight to (e.g. localhost:9090)")
	datasetName   = flag.String("dataset", "quiver_weight", "Dataset name used on the Flight server")
	listenAddr    = flag.String("listen", "", "Address to listen on for the HTTP server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for the Flight server (e.g. :9090)")
	maxInflight   = flag.Int64("max-inflight", 1<<24, "Maximum number of elements being quantized concurrently")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *listRecipes {
		if err := writeInventory(os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("Failed to list recipes")
		}
		return
	}

	sel, err := newSelector(*capability, *allowFallback)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid capability override")
	}
	log.Info().Str("capability", sel.Capability().String()).Bool("fallback", sel.AllowFallback()).Msg("Device")

	if *listenAddr != "" || *flightAddr != "" {
		serve(sel)
		return
	}

	cfg, err := recipe.FromName(*recipeName)
	if err != nil {
		log.Fatal().Err(err).Msg("Unknown recipe")
	}

	ctx := context.Background()
	report, weight, err := runDemo(ctx, cfg, sel, demoShape{M: *rows, K: *inFeatures, N: *outFeatures}, *seed)
	if err != nil {
		log.Fatal().Err(err).Str("recipe", cfg.Name).Msg("Demo failed")
	}
	if err := report.Write(os.Stdout); err != nil {
		log.Warn().Err(err).Msg("Failed to write report")
	}

	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Flight server")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := fc.PutScaledArray(ctx, *datasetName, weight); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Str("server", *serverAddr).Str("dataset", *datasetName).Msg("Pushed quantized weight")
	}

	if *ipcOut != "" {
		rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(weight)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build record batch")
		}
		defer rec.Release()

		var w io.Writer = os.Stdout
		if *ipcOut != "-" {
			f, err := os.Create(*ipcOut)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create IPC output")
			}
			defer f.Close()
			w = f
		}
		if err := writeArrowStream(w, rec); err != nil {
			log.Warn().Err(err).Msg("Failed to write arrow stream")
		}
	}
}

func newSelector(override string, fallback bool) (*dispatch.Selector, error) {
	var caps dispatch.CapabilitySource
	if override != "" {
		c, err := device.ParseCapability(override)
		if err != nil {
			return nil, err
		}
		caps = dispatch.FixedCapability(c)
	}
	return dispatch.NewSelector(caps, dispatch.WithFallback(fallback)), nil
}

// serve runs the HTTP and Flight servers until either fails.
func serve(sel *dispatch.Selector) {
	var fc FlightClientInterface
	if *serverAddr != "" {
		c, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		log.Info().Str("addr", *serverAddr).Msg("Forwarding quantized arrays to Flight server")
		fc = c
	}

	store := cache.NewMapCache()
	if *listenAddr != "" {
		go startServer(*listenAddr, sel, fc, *maxInflight)
	}
	if *flightAddr != "" {
		StartFlightServer(*flightAddr, store)
		return
	}
	select {}
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
