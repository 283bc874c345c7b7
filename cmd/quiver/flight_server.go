package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/client"
)

// QuiverFlightServer keeps quantized arrays pushed with DoPut, keyed by the
// descriptor path, and serves them back through DoGet and ListFlights.
type QuiverFlightServer struct {
	flight.BaseFlightServer
	store   cache.ArrayCache
	alloc   memory.Allocator
	builder *client.RecordBatchBuilder
}

func NewQuiverFlightServer(store cache.ArrayCache) *QuiverFlightServer {
	alloc := memory.NewGoAllocator()
	return &QuiverFlightServer{
		store:   store,
		alloc:   alloc,
		builder: client.NewRecordBatchBuilder(alloc),
	}
}

func (s *QuiverFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return status.Error(codes.Unimplemented, "DoExchange not implemented")
}

func (s *QuiverFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.GetPath()) == 0 {
		return status.Error(codes.InvalidArgument, "DoPut needs a path descriptor")
	}
	name := desc.GetPath()[0]

	for reader.Next() {
		sa, err := client.ReadScaledArray(reader.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		s.store.Put(name, sa)
		log.Info().Str("dataset", name).Str("array", sa.String()).Msg("DoPut stored array")
	}
	return reader.Err()
}

func (s *QuiverFlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name := string(tkt.GetTicket())
	sa, ok := s.store.Get(name)
	if !ok {
		return status.Errorf(codes.NotFound, "no dataset %q", name)
	}
	rec, err := s.builder.BuildRecordBatch(sa)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *QuiverFlightServer) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	for _, name := range s.store.Keys() {
		sa, ok := s.store.Get(name)
		if !ok {
			continue
		}
		rec, err := s.builder.BuildRecordBatch(sa)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		info := &flight.FlightInfo{
			Schema:           flight.SerializeSchema(rec.Schema(), s.alloc),
			FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}},
			Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(name)}}},
			TotalRecords:     rec.NumRows(),
			TotalBytes:       -1,
		}
		rec.Release()
		if err := stream.Send(info); err != nil {
			return fmt.Errorf("list flights: %w", err)
		}
	}
	return nil
}

// newFlightServer registers s on a gRPC Flight server listening on addr.
func newFlightServer(addr string, s *QuiverFlightServer) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(s)
	if err := server.Init(addr); err != nil {
		return nil, err
	}
	return server, nil
}

func StartFlightServer(addr string, store cache.ArrayCache) {
	server, err := newFlightServer(addr, NewQuiverFlightServer(store))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", server.Addr().String()).Msg("Starting Quiver Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
