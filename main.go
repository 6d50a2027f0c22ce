package main

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"securemsg/auth"
	"securemsg/config"
	"securemsg/directory"
	"securemsg/history"
	"securemsg/server"
	"securemsg/session"
	"securemsg/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration invalid")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.WithError(err).Fatal("cannot create data directory")
	}

	st, err := store.Open(cfg.DataDir, cfg.LockRetryWindow(), log)
	if err != nil {
		log.WithError(err).Fatal("cannot open store")
	}
	defer st.Close()

	sessions := session.NewRegistry(cfg.TokenSecret, cfg.SessionLifetime(), log)
	authSvc := auth.NewService(st, sessions, cfg.KDFIterations, log)
	dirSvc := directory.NewService(st, sessions, log)
	hist := history.NewStore(st, log)

	srv := server.New(cfg, st, sessions, authSvc, dirSvc, hist, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		sessions.Run(ctx, cfg.SweepEvery())
		return nil
	})

	g.Go(func() error {
		return runControlSocket(ctx, cfg.ControlSocket, srv, stop, log)
	})

	g.Go(func() error {
		<-ctx.Done()
		srv.Shutdown("maintenance")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

// runControlSocket serves management commands on a unix socket. One
// newline-terminated command per connection: "stats" or "shutdown".
func runControlSocket(ctx context.Context, path string, srv *server.Server, stop func(), log *logrus.Logger) error {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.WithError(err).Warn("control socket unavailable")
		return nil
	}
	defer listener.Close()
	defer os.Remove(path)

	log.WithField("path", path).Info("control socket listening")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		go handleControlCommand(conn, srv, stop)
	}
}

func handleControlCommand(conn net.Conn, srv *server.Server, stop func()) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))
	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		stop()
	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
