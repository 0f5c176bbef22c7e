package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
)

// StartTCPStream accepts NDJSON frame streams, one frame or array per line.
func StartTCPStream(ctx context.Context, p *Pipeline, logger *slog.Logger) net.Addr {
	current := p.Config().Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, p, logger)
		}
	}()
	return ln.Addr()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, p *Pipeline, logger *slog.Logger) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 4*1024*1024)
	frames := 0
	for scanner.Scan() {
		frames += p.HandleLine(ctx, scanner.Text(), SourceTCPStream)
		if ctx.Err() != nil {
			return
		}
	}
	if logger == nil {
		return
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Warn("tcp stream scanner error", "remote", remote, "frames", frames, "err", err)
		return
	}
	logger.Debug("tcp stream closed", "remote", remote, "frames", frames)
}
