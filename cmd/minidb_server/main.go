package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	engineservice "github.com/sushant-115/minidb/api/engine_service"
	"github.com/sushant-115/minidb/config"
	"github.com/sushant-115/minidb/config/certs"
	"github.com/sushant-115/minidb/core/engine"
	"github.com/sushant-115/minidb/pkg/logger"
	"github.com/sushant-115/minidb/pkg/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

var (
	configPath = flag.String("config", "", "YAML configuration file; defaults are used when empty")
	dbPath     = flag.String("path", "", "Database path prefix, overrides engine.path")
	create     = flag.Bool("create", false, "Create a new database instead of opening one")
	grpcAddr   = flag.String("addr", "", "gRPC bind address, overrides server.grpc_addr")
	genCerts   = flag.String("gen-certs", "", "Write a CA with server and client certificates to this directory and exit")
	certHost   = flag.String("cert-host", "localhost", "Host name or IP of the server certificate written by -gen-certs")
	backupDir  = flag.String("backup", "", "Copy the database to this directory and exit")
)

func main() {
	flag.Parse()

	if *genCerts != "" {
		if err := certs.GenerateCerts(*genCerts, *certHost); err != nil {
			log.Fatalf("CRITICAL: failed to generate certificates: %v", err)
		}
		log.Printf("INFO: certificates written to %s", *genCerts)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("CRITICAL: %v", err)
		}
	}
	if *dbPath != "" {
		cfg.Engine.Path = *dbPath
	}
	if *create {
		cfg.Engine.Create = true
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			zlogger.Error("Failed to shut down telemetry", zap.Error(err))
		}
	}()

	db, err := engine.Start(cfg.Engine, tel, zlogger)
	if err != nil {
		zlogger.Fatal("Failed to start engine", zap.String("path", cfg.Engine.Path), zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			zlogger.Error("Failed to close engine", zap.Error(err))
		}
	}()
	if stats, recovered := db.Recovery(); recovered {
		zlogger.Info("Recovered after unclean shutdown",
			zap.Int("redone", stats.Redone),
			zap.Int("undone", stats.Undone),
			zap.Int("aborted", stats.Aborted),
		)
	}

	if *backupDir != "" {
		manifest, err := db.Backup(context.Background(), *backupDir, cfg.Backup.RateBytesPerSec)
		if err != nil {
			zlogger.Error("Backup failed", zap.Error(err))
			return
		}
		zlogger.Info("Backup complete", zap.String("dir", *backupDir), zap.Int("files", len(manifest.Files)))
		return
	}

	if err := serve(cfg, db, tel, zlogger); err != nil {
		zlogger.Error("Server stopped with error", zap.Error(err))
	}
}

func serve(cfg config.Config, db *engine.Engine, tel *telemetry.Telemetry, zlogger *zap.Logger) error {
	var opts []grpc.ServerOption
	if cfg.TLS.Enabled {
		tlsConfig, err := certs.LoadServerTLSConfig(cfg.TLS.CAFile, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	grpcServer := grpc.NewServer(opts...)

	srv, err := engineservice.NewServer(db, cfg.Server.MaxSessions, tel, zlogger.Named("session"))
	if err != nil {
		return err
	}
	engineservice.RegisterEngineServiceServer(grpcServer, srv)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	setupSignalHandling(grpcServer, zlogger)

	zlogger.Info("Serving sessions",
		zap.String("grpcAddr", cfg.Server.GRPCAddr),
		zap.String("path", db.Path()),
		zap.Bool("tls", cfg.TLS.Enabled),
		zap.Int64("maxSessions", cfg.Server.MaxSessions),
	)
	return grpcServer.Serve(lis)
}

func setupSignalHandling(grpcServer *grpc.Server, zlogger *zap.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		zlogger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		// Open sessions hold transactions; give them a moment to finish.
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			zlogger.Warn("Graceful stop timed out, closing sessions")
			grpcServer.Stop()
		}
	}()
}
