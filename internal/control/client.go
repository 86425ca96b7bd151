package control

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/turtacn/Vigil/pkg/errors"
)

// Client sends requests over one connection. Calls are serialized.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	broken error
}

func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeTransportFailure, "Dial", "control socket "+path, err)
	}
	return &Client{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Do sends req and waits for its response. A failed request comes back as
// a VigilError carrying the daemon's code. The socket only times out once
// ctx is done, so an expired or cancelled call is always Interrupted. After
// an I/O error the stream is out of step and the client refuses further
// calls.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, errors.New(errors.ErrCodeTransportFailure, "Control", "connection unusable", c.broken)
	}

	_ = c.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := c.enc.Encode(&req); err != nil {
		return nil, c.ioError(ctx, "send", err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return nil, c.ioError(ctx, "receive", err)
	}
	if resp.Code != 0 {
		return &resp, errors.New(errors.ErrorCode(resp.Code), string(req.Op), resp.Error, nil)
	}
	return &resp, nil
}

func (c *Client) ioError(ctx context.Context, what string, err error) error {
	c.broken = err
	if cerr := ctx.Err(); cerr != nil || stderrors.Is(err, os.ErrDeadlineExceeded) {
		if cerr == nil {
			cerr = err
		}
		return errors.New(errors.ErrCodeInterrupted, "Control", what+" cancelled", cerr)
	}
	return errors.New(errors.ErrCodeTransportFailure, "Control", what+" failed", err)
}

// Personal.AI order the ending
