package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"fieldsense/internal/engine"
	"fieldsense/internal/metrics"
	"fieldsense/internal/normalize"
)

const SourceTCP = "tcp_stream"

// TCPStream accepts newline-delimited JSON events and answers each input line
// with one JSON ack line (an array of acks when the line held an array).
type TCPStream struct {
	addr     string
	admitter Admitter
	metrics  *metrics.Registry
	logger   *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

func NewTCPStream(addr string, admitter Admitter, reg *metrics.Registry, logger *slog.Logger) *TCPStream {
	return &TCPStream{addr: addr, admitter: admitter, metrics: reg, logger: logger}
}

func (s *TCPStream) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *TCPStream) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Info("tcp stream ingest listening", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if s.logger != nil {
				s.logger.Warn("tcp stream accept error", "err", err)
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			s.Serve(ctx, conn)
		}()
	}
}

// Serve processes one connection until EOF or ctx ends.
func (s *TCPStream) Serve(ctx context.Context, rw io.ReadWriter) {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	enc := json.NewEncoder(rw)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		acks, batch := s.handleLine(ctx, line)
		var err error
		if batch {
			err = enc.Encode(acks)
		} else {
			err = enc.Encode(acks[0])
		}
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("tcp stream ack write error", "err", err)
			}
			return
		}
	}
	if err := scanner.Err(); err != nil && s.logger != nil {
		s.logger.Warn("tcp stream scanner error", "err", err)
	}
}

func (s *TCPStream) handleLine(ctx context.Context, line []byte) ([]Ack, bool) {
	items, err := SplitJSON(line)
	if err != nil || len(items) == 0 {
		if err == nil {
			err = errors.New("empty batch")
		}
		s.metrics.IngestError(SourceTCP)
		return []Ack{AckFor(engine.Admission{}, err)}, false
	}
	batch := firstNonSpace(line) == '['
	acks := make([]Ack, 0, len(items))
	for _, raw := range items {
		c, err := normalize.Decode(raw)
		if err != nil {
			s.metrics.IngestError(SourceTCP)
			acks = append(acks, AckFor(engine.Admission{}, err))
			continue
		}
		c.Source = SourceTCP
		acks = append(acks, AckFor(s.admitter.Ingest(ctx, c)))
	}
	return acks, batch
}

func firstNonSpace(b []byte) byte {
	for _, ch := range b {
		if ch > ' ' {
			return ch
		}
	}
	return 0
}
