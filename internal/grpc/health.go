// Package grpcserver поднимает служебный gRPC сервер: health check и reflection.
package grpcserver

import (
	"context"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// ServiceName имя сервиса в протоколе grpc.health.v1
const ServiceName = "proposalkraft.billing"

const (
	checkInterval = 15 * time.Second
	pingTimeout   = 3 * time.Second
)

// Pinger проверка доступности хранилища
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server gRPC сервер со статусом SERVING, пока отвечает база данных
type Server struct {
	srv    *grpc.Server
	health *health.Server
	db     Pinger
	log    *logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// New создает сервер и регистрирует health и reflection
func New(db Pinger, log *logger.Logger) *Server {
	log = log.Named("grpc")
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(recoveryInterceptor(log), loggingInterceptor(log)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              2 * time.Minute,
			Timeout:           20 * time.Second,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &Server{srv: srv, health: hs, db: db, log: log, stop: make(chan struct{})}
}

// Serve блокирует до остановки сервера
func (s *Server) Serve(lis net.Listener) error {
	s.check(context.Background())
	go s.watch()
	s.log.Infow("Starting gRPC server", "addr", lis.Addr().String())
	return s.srv.Serve(lis)
}

// GracefulStop переводит статус в NOT_SERVING и дожидается текущих вызовов
func (s *Server) GracefulStop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.health.Shutdown()
		s.srv.GracefulStop()
	})
}

func (s *Server) watch() {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.check(context.Background())
		case <-s.stop:
			return
		}
	}
}

func (s *Server) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if err := s.db.Ping(ctx); err != nil {
		s.log.Warnw("Database ping failed, reporting NOT_SERVING", "error", err)
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

func loggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Warnw("gRPC call failed", "method", info.FullMethod, "code", status.Code(err), "duration", time.Since(start))
		} else {
			log.Debugw("gRPC call", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}

func recoveryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("Panic in gRPC handler", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
