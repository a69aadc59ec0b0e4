package query

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sagasvc/internal/domain"
	"sagasvc/internal/storage"
)

type Config struct {
	Network        string
	Address        string
	UnixSocketPath string
	AuthToken      string
	MaxInflight    int
	QueueLimit     int
	Workers        int
	TLSConfig      *tls.Config
}

// Server answers order-state lookups against the materialized view. It never
// mutates anything; all writes flow through the stream side.
type Server struct {
	cfg    Config
	views  storage.OrderViewStore
	log    *zap.Logger
	ln     net.Listener
	addr   atomic.Value
	queue  chan queuedRequest
	closed atomic.Bool
	wg     sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *QueryRequest
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *QueryResponse
	inflight chan struct{}
}

func NewServer(cfg Config, views storage.OrderViewStore, log *zap.Logger) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	return &Server{cfg: cfg, views: views, log: log, queue: make(chan queuedRequest, cfg.QueueLimit)}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	close(s.queue)
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *QueryResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() { defer s.wg.Done(); defer raw.Close(); defer close(conn.writerQ); s.readLoop(ctx, conn) }()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &QueryResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &QueryResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &QueryResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &QueryResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-conn.inflight }}
		select {
		case s.queue <- qr:
		default:
			qr.release()
			s.send(conn, &QueryResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "query queue overloaded"})
		}
	}
}

func (s *Server) runWorker() {
	defer s.wg.Done()
	for req := range s.queue {
		res := s.handleRequest(req.ctx, req.req)
		req.release()
		s.send(req.conn, res)
	}
}

func (s *Server) send(conn *connection, res *QueryResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

func (s *Server) handleRequest(ctx context.Context, req *QueryRequest) *QueryResponse {
	res := &QueryResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		res.Health = s.handleHealth(ctx)
	case OperationGetOrder:
		if req.GetOrder == nil {
			return badReq(req, "get_order query required")
		}
		view, found, err := s.views.GetOrderView(ctx, req.GetOrder.OrderId)
		if err != nil {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
			return res
		}
		res.Order = toOrderStatus(req.GetOrder.OrderId, view, found)
		if !found {
			res.ErrorCode = int32(ErrorCodeNotFound)
		}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func (s *Server) handleHealth(ctx context.Context) *HealthResponse {
	if _, _, err := s.views.GetOrderView(ctx, 0); err != nil {
		return &HealthResponse{Ok: false, Message: err.Error()}
	}
	return &HealthResponse{Ok: true, Message: "ok"}
}

func badReq(req *QueryRequest, msg string) *QueryResponse {
	return &QueryResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func toOrderStatus(orderID int64, view storage.OrderView, found bool) *OrderStatus {
	out := &OrderStatus{Found: found, OrderId: orderID}
	if !found {
		return out
	}
	out.Status = string(view.Status)
	out.Reason = view.Reason
	out.UpdatedAtUtcNs = view.UpdatedAt.UnixNano()
	if payload, err := domain.EncodeOrderEvent(view.Event); err == nil {
		out.Event = payload
	}
	return out
}

// DialAndRequest is a one-shot client used by tooling and tests. A missing
// request id is filled in so responses can always be correlated.
func DialAndRequest(ctx context.Context, network, address string, req *QueryRequest) (*QueryResponse, error) {
	if req != nil && req.RequestId == "" {
		req.RequestId = uuid.NewString()
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}
