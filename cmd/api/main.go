package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medgrant.org/internal/grant"
	"medgrant.org/internal/httpapi"
	"medgrant.org/internal/obs"
	"medgrant.org/internal/registry"
	"medgrant.org/internal/store/pg"
	"medgrant.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		engine   grant.Service
		reg      registry.Registry
		regAdmin registry.Admin
		probe    httpapi.ReadyProbe
		store    *pg.Store
	)
	if dsn := os.Getenv("MEDGRANT_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		engine = store
		reg = store
		regAdmin = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		// Dev mode: everything in memory, ledger clock starting at 1.
		mem := registry.NewInMemory()
		engine = grant.NewInMemory(mem, grant.NewStepClock(1))
		reg = mem
		regAdmin = mem
		log.Printf("MEDGRANT_PG_DSN not set, using in-memory store")
	}

	api := httpapi.New(probe, version, engine, reg, regAdmin, stream.New())

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting medgrant-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	grpcCtx, grpcCancel := context.WithCancel(context.Background())
	var grpcSrv *httpapi.GRPCServer
	if addr := os.Getenv("MEDGRANT_GRPC_ADDR"); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = httpapi.NewGRPCServer(probe)
		go grpcSrv.WatchReadiness(grpcCtx, 5*time.Second)
		go func() {
			log.Printf("Starting gRPC health endpoint on %s", addr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcCancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

func listenAddr() string {
	if addr := os.Getenv("MEDGRANT_HTTP_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}
