package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/codec"
)

// ErrCircuitOpen is returned without contacting the server while the breaker
// is open.
var ErrCircuitOpen = errors.New("client: circuit breaker open")

// FlightClient ships quantized arrays to a Flight server.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
	alloc   memory.Allocator
}

// FlightOption configures a FlightClient.
type FlightOption func(*FlightClient)

// WithBreaker replaces the default breaker (5 failures, 30s cool-down).
func WithBreaker(cb *CircuitBreaker) FlightOption {
	return func(c *FlightClient) { c.breaker = cb }
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string, opts ...FlightOption) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	alloc := memory.NewGoAllocator()
	c := &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(5, 30*time.Second),
		builder: NewRecordBatchBuilder(alloc),
		alloc:   alloc,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Breaker exposes the client's circuit breaker.
func (c *FlightClient) Breaker() *CircuitBreaker { return c.breaker }

func pathDescriptor(name string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{name},
	}
}

// guard runs fn through the breaker and records the outcome.
func (c *FlightClient) guard(op string, fn func() error) error {
	if !c.breaker.Allow() {
		flightRequests.WithLabelValues(op, "rejected").Inc()
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		if callerError(err) {
			// the server answered; the request was wrong
			c.breaker.Success()
		} else {
			c.breaker.Failure()
		}
		flightRequests.WithLabelValues(op, "error").Inc()
		breakerState.Set(float64(c.breaker.State()))
		return err
	}
	c.breaker.Success()
	flightRequests.WithLabelValues(op, "ok").Inc()
	breakerState.Set(float64(c.breaker.State()))
	return nil
}

// callerError reports statuses that say nothing about server health.
func callerError(err error) bool {
	switch status.Code(err) {
	case codes.NotFound, codes.InvalidArgument:
		return true
	}
	return false
}

// DoPut sends a RecordBatch to the given dataset on the server.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	return c.guard("put", func() error {
		stream, err := c.client.DoPut(ctx)
		if err != nil {
			return err
		}

		writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
		writer.SetFlightDescriptor(pathDescriptor(datasetName))
		if err := writer.Write(record); err != nil {
			_ = writer.Close()
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}
		// Drain the acknowledgements so server-side errors surface here.
		for {
			if _, err := stream.Recv(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})
}

// PutScaledArray encodes sa as a record batch and stores it under name.
func (c *FlightClient) PutScaledArray(ctx context.Context, name string, sa *codec.ScaledArray) error {
	rec, err := c.builder.BuildRecordBatch(sa)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("client: nothing to put under %q", name)
	}
	defer rec.Release()
	if err := c.DoPut(ctx, name, rec); err != nil {
		return err
	}
	log.Debug().Str("dataset", name).Str("array", sa.String()).Msg("Put scaled array")
	return nil
}

// GetScaledArray fetches the array stored under name. The ticket is the
// dataset name.
func (c *FlightClient) GetScaledArray(ctx context.Context, name string) (*codec.ScaledArray, error) {
	var sa *codec.ScaledArray
	err := c.guard("get", func() error {
		stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
		if err != nil {
			return err
		}
		reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
		if err != nil {
			return err
		}
		defer reader.Release()

		if !reader.Next() {
			if err := reader.Err(); err != nil {
				return err
			}
			return fmt.Errorf("client: dataset %q returned no records", name)
		}
		sa, err = ReadScaledArray(reader.Record())
		return err
	})
	if err != nil {
		return nil, err
	}
	return sa, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
