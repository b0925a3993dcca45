// Command benledger-casd serves a CAS over gRPC so ledger nodes can archive
// receipts to a remote backend ("type": "grpc" in the archive cas config).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"auditaai.io/ledger/storage"
	"auditaai.io/ledger/storage/grpccas"
	"auditaai.io/ledger/storage/localfs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, errOut io.Writer) int {
	fs := flag.NewFlagSet("benledger-casd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	listen := fs.String("listen", "127.0.0.1:7777", "listen address")
	backend := fs.String("backend", "localfs", "CAS backend: localfs|memory")
	dir := fs.String("dir", "", "localfs root directory")
	maxMsg := fs.Int("max-msg-bytes", 0, "max gRPC message size (0 = grpc default)")
	logLevel := fs.String("log-level", "info", "debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(errOut, "invalid --log-level %q\n", *logLevel)
		return 2
	}
	log := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	var cas storage.CAS
	switch *backend {
	case "localfs":
		if *dir == "" {
			fmt.Fprintln(errOut, "--dir is required for the localfs backend")
			return 2
		}
		fsCAS, err := localfs.New(*dir)
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		cas = fsCAS
	case "memory":
		cas = storage.NewMemory()
	default:
		fmt.Fprintf(errOut, "unknown backend: %s\n", *backend)
		return 2
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	log.Info("benledger-casd listening", "addr", lis.Addr().String(), "backend", *backend)
	if err := serve(ctx, lis, cas, log, *maxMsg); err != nil {
		log.Error("serve", "err", err)
		return 1
	}
	return 0
}

// serve runs the CAS service on lis until ctx is done, then drains in-flight
// calls.
func serve(ctx context.Context, lis net.Listener, cas storage.CAS, log *slog.Logger, maxMsg int) error {
	var opts []grpc.ServerOption
	if maxMsg > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(maxMsg), grpc.MaxSendMsgSize(maxMsg))
	}
	s := grpc.NewServer(opts...)
	grpccas.RegisterCASServer(s, &grpccas.Server{CAS: cas, Logger: log})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			s.GracefulStop()
		case <-done:
		}
	}()
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
