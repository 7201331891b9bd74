// Package engineservice serves database sessions over gRPC. A session is a
// bidirectional stream: every message from the client is a framed package
// holding one statement, answered by one package holding the result or the
// error.
package engineservice

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sushant-115/minidb/core/storage_engine/common"
	internaltelemetry "github.com/sushant-115/minidb/internal/telemetry"
	"github.com/sushant-115/minidb/pkg/telemetry"
	"github.com/sushant-115/minidb/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName       = "minidb.EngineService"
	sessionMethod     = "Session"
	SessionFullMethod = "/" + serviceName + "/" + sessionMethod
)

// SessionStream is the server side of a session.
type SessionStream = grpc.BidiStreamingServer[wrapperspb.BytesValue, wrapperspb.BytesValue]

// EngineServiceServer is the server API of the session service.
type EngineServiceServer interface {
	Session(SessionStream) error
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(EngineServiceServer).Session(&grpc.GenericServerStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ServerStream: stream})
}

// EngineServiceDesc describes the session service to gRPC.
var EngineServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EngineServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    sessionMethod,
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "minidb/engine_service",
}

// RegisterEngineServiceServer registers srv on s.
func RegisterEngineServiceServer(s grpc.ServiceRegistrar, srv EngineServiceServer) {
	s.RegisterService(&EngineServiceDesc, srv)
}

// Server runs sessions against one engine. At most maxSessions run at once;
// the others wait for a slot.
type Server struct {
	engine   Engine
	sessions *semaphore.Weighted
	metrics  *internaltelemetry.OperationMetrics
	logger   *zap.Logger
}

// NewServer returns a session server over engine.
func NewServer(engine Engine, maxSessions int64, tel *telemetry.Telemetry, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	if maxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be positive, got %d", maxSessions)
	}
	metrics, err := internaltelemetry.NewOperationMetrics(tel.Meter, tel.Tracer, "session")
	if err != nil {
		return nil, fmt.Errorf("failed to create session metrics: %w", err)
	}
	return &Server{
		engine:   engine,
		sessions: semaphore.NewWeighted(maxSessions),
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Session serves one client until it closes its side of the stream.
func (s *Server) Session(stream SessionStream) error {
	ctx := stream.Context()
	if err := s.sessions.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sessions.Release(1)

	id := uuid.NewString()
	logger := s.logger.With(zap.String("session", id))
	logger.Info("session started")

	exec := NewExecutor(s.engine, logger)
	defer func() {
		if err := exec.Close(); err != nil {
			logger.Warn("failed to abort open transaction", zap.Error(err))
		}
		logger.Info("session ended")
	}()

	packager := transport.NewPackager(stream)
	for {
		pkg, err := packager.Receive()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, common.ErrInvalidPackage) {
			if err := packager.Send(transport.Package{Err: err}); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if pkg.Err != nil {
			if err := packager.Send(transport.Package{Err: errors.New("clients send statements, not errors")}); err != nil {
				return err
			}
			continue
		}

		res, err := s.execute(ctx, exec, pkg.Data)
		if err != nil {
			logger.Debug("statement failed", zap.ByteString("statement", pkg.Data), zap.Error(err))
		}
		if err := packager.Send(transport.Package{Data: res, Err: err}); err != nil {
			return err
		}
	}
}

func (s *Server) execute(ctx context.Context, exec *Executor, raw []byte) (res []byte, err error) {
	stmt, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	ctx, span, startTime := s.metrics.StartMetricsAndTrace(ctx, string(stmt.Verb))
	defer func() {
		s.metrics.EndMetricsAndTrace(ctx, span, startTime, string(stmt.Verb), err)
	}()
	return exec.Execute(ctx, stmt)
}
