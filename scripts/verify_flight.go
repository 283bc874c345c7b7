//go:build ignore

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/codec"
	"github.com/23skdu/longbow-quiver/internal/format"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Pushes an mxfp4 array to a running `quiver -flight` server, reads it back
// and checks the decoded values match.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Quiver Flight Server")
	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	a := tensor.Randn(rand.New(rand.NewSource(1)), tensor.BFloat16, 256, 512)
	sa, err := codec.Encode(a, format.E2M1, 32, 1)
	if err != nil {
		log.Fatal().Err(err).Msg("Encode failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Retry while the server comes up.
	for i := 0; i < 10; i++ {
		if err = c.PutScaledArray(ctx, "verify", sa); err == nil {
			break
		}
		log.Warn().Err(err).Msg("Put failed, retrying...")
		time.Sleep(time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Put failed after retries")
	}

	start := time.Now()
	got, err := c.GetScaledArray(ctx, "verify")
	if err != nil {
		log.Fatal().Err(err).Msg("Get failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Str("array", got.String()).Msg("Fetched array")

	want, err := codec.Decode(sa)
	if err != nil {
		log.Fatal().Err(err).Msg("Decode failed")
	}
	back, err := codec.Decode(got)
	if err != nil {
		log.Fatal().Err(err).Msg("Decode failed")
	}
	if !want.Equal(back) {
		log.Fatal().Msg("Round trip changed the decoded values")
	}
	db, _ := tensor.SQNR(a, back)
	log.Info().Float64("sqnr_db", db).Msg("Round trip intact")

	fmt.Println("VERIFICATION PASSED")
}
