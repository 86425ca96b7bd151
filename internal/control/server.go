package control

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"os"
	"sync"

	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/internal/mlo"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
	"github.com/turtacn/Vigil/pkg/protocol"
)

// API is the operator surface the server exposes. The orchestrator Engine
// implements it.
type API interface {
	Lookup(name string) (consts.Handle, error)
	Status(h consts.Handle) (device.Snapshot, error)
	Statuses() []device.Snapshot

	PowerUp(ctx context.Context, h consts.Handle) error
	PowerDown(ctx context.Context, h consts.Handle) error
	IdleRestart(ctx context.Context, h consts.Handle) error
	IdleShutdown(ctx context.Context, h consts.Handle) error
	ForceFirmwareAssert(ctx context.Context, h consts.Handle) error
	ForceCollectRddm(ctx context.Context, h consts.Handle) error
	Recover(ctx context.Context, h consts.Handle, reason consts.ResetReason) error
	SetRecoveryEnabled(h consts.Handle, on bool) error
	Suspend(h consts.Handle) error
	Resume(h consts.Handle) error

	DriverMode() consts.DriverMode
	SetDriverMode(mode consts.DriverMode) error

	Groups() []int
	GroupInfo(id int) (mlo.Info, error)
	ConfigureGroup(id, maxChips int, members []protocol.GroupMemberConfig) error
	ResetGroup(id int) error
	SetLinkRemap(h consts.Handle, applied bool) (mlo.Info, error)
}

var deviceOps = map[Op]bool{
	OpPowerUp: true, OpPowerDown: true, OpIdleRestart: true, OpIdleShutdown: true,
	OpAssert: true, OpCollectRddm: true, OpRecover: true, OpRecoveryEnable: true,
	OpSuspend: true, OpResume: true, OpGroupRemap: true,
}

// Server answers management requests on a unix socket.
type Server struct {
	path string
	api  API

	mu    sync.Mutex
	l     net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(path string, api API) *Server {
	if path == "" {
		path = consts.DefaultControlSocket
	}
	return &Server{path: path, api: api, conns: make(map[net.Conn]struct{})}
}

// Listen binds the socket, replacing a stale one left by a previous run.
// Only the owner may connect.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		_ = os.Remove(s.path)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.New(errors.ErrCodeConfigInvalid, "Listen", "control socket "+s.path, err)
	}
	if err := os.Chmod(s.path, 0o700); err != nil {
		l.Close()
		return errors.New(errors.ErrCodeConfigInvalid, "Listen", "chmod control socket", err)
	}
	s.mu.Lock()
	s.l = l
	s.mu.Unlock()
	logger.Log.Info("Control: listening", "socket", s.path)
	return nil
}

func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx ends or Close is called. Requests in
// flight are cancelled with ctx.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.l
	s.mu.Unlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		l = s.l
		s.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			logger.Log.Warn("Control: accept failed", "err", err)
			continue
		}
		s.mu.Lock()
		if s.l == nil {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Close stops the listener, drops open connections and removes the socket.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l != nil {
		s.l.Close()
		s.l = nil
		_ = os.Remove(s.path)
	}
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := s.handle(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			logger.Log.Warn("Control: reply failed", "op", req.Op, "err", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, req *Request) *Response {
	resp, err := s.dispatch(ctx, req)
	if resp == nil {
		resp = &Response{}
	}
	if err != nil {
		resp.Code = errors.CodeOf(err)
		resp.Error = err.Error()
		logger.Log.Warn("Control: request failed", "op", req.Op, "device", req.Device, "code", resp.Code, "err", err)
	} else {
		logger.Log.Debug("Control: request served", "op", req.Op, "device", req.Device)
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) (*Response, error) {
	switch req.Op {
	case OpStatus:
		if req.Device == "" {
			return &Response{Devices: s.api.Statuses()}, nil
		}
		h, err := s.api.Lookup(req.Device)
		if err != nil {
			return nil, err
		}
		snap, err := s.api.Status(h)
		if err != nil {
			return nil, err
		}
		return &Response{Devices: []device.Snapshot{snap}}, nil
	case OpMode:
		return &Response{Mode: s.api.DriverMode()}, nil
	case OpSetMode:
		if err := s.api.SetDriverMode(req.Mode); err != nil {
			return nil, err
		}
		return &Response{Mode: s.api.DriverMode()}, nil
	case OpGroups:
		return &Response{Groups: s.api.Groups()}, nil
	case OpGroupInfo:
		info, err := s.api.GroupInfo(req.Group)
		if err != nil {
			return nil, err
		}
		return &Response{Group: &info}, nil
	case OpGroupConfigure:
		return nil, s.api.ConfigureGroup(req.Group, req.MaxChips, req.Members)
	case OpGroupReset:
		return nil, s.api.ResetGroup(req.Group)
	}

	if !deviceOps[req.Op] {
		return nil, errors.Newf(errors.ErrCodeInvalidEvent, "Control", "unknown op %q", req.Op)
	}
	h, err := s.api.Lookup(req.Device)
	if err != nil {
		return nil, err
	}
	switch req.Op {
	case OpPowerUp:
		return nil, s.api.PowerUp(ctx, h)
	case OpPowerDown:
		return nil, s.api.PowerDown(ctx, h)
	case OpIdleRestart:
		return nil, s.api.IdleRestart(ctx, h)
	case OpIdleShutdown:
		return nil, s.api.IdleShutdown(ctx, h)
	case OpAssert:
		return nil, s.api.ForceFirmwareAssert(ctx, h)
	case OpCollectRddm:
		return nil, s.api.ForceCollectRddm(ctx, h)
	case OpRecover:
		if req.Reason != "" && !req.Reason.Valid() {
			return nil, errors.Newf(errors.ErrCodeInvalidEvent, "Recover", "unknown reset reason %q", req.Reason)
		}
		return nil, s.api.Recover(ctx, h, req.Reason)
	case OpRecoveryEnable:
		if req.Enabled == nil {
			return nil, errors.Newf(errors.ErrCodeInvalidEvent, "SetRecoveryEnabled", "enabled is required")
		}
		return nil, s.api.SetRecoveryEnabled(h, *req.Enabled)
	case OpGroupRemap:
		if req.Enabled == nil {
			return nil, errors.Newf(errors.ErrCodeInvalidEvent, "SetLinkRemap", "enabled is required")
		}
		info, err := s.api.SetLinkRemap(h, *req.Enabled)
		if err != nil {
			return nil, err
		}
		return &Response{Group: &info}, nil
	case OpSuspend:
		return nil, s.api.Suspend(h)
	default:
		return nil, s.api.Resume(h)
	}
}

// Personal.AI order the ending
