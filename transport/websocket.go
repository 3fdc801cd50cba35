package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"voxrec/log"
	"voxrec/record"
)

const readLimit = 1 << 20

// WSDialer dials the backend's voice endpoint over websocket.
type WSDialer struct {
	Server     string
	Token      string
	HTTPClient *http.Client
}

func NewWSDialer(server, token string) *WSDialer {
	return &WSDialer{Server: server, Token: token}
}

func (d *WSDialer) Dial(ctx context.Context, kind record.Kind, remoteID string) (Conn, error) {
	if remoteID == "" {
		return nil, fmt.Errorf("%w: record is not synced", ErrConnectionFailed)
	}

	headers := http.Header{}
	if d.Token != "" {
		headers.Set("Authorization", "Bearer "+d.Token)
	}

	endpoint := joinURL(d.Server, VoicePath(kind, remoteID))
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	conn.SetReadLimit(readLimit)

	// The session outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())
	return &wsConn{conn: conn, ctx: connCtx, cancel: cancel}, nil
}

type wsConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	guard  frameGuard

	closeOnce sync.Once
}

func (c *wsConn) SendHeader(h Header) error {
	if err := c.guard.admit(frameHeader); err != nil {
		return err
	}
	defer c.guard.release()
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

func (c *wsConn) SendPCM(pcm []byte) error {
	if err := c.guard.admit(framePCM); err != nil {
		return err
	}
	defer c.guard.release()
	return c.conn.Write(c.ctx, websocket.MessageBinary, pcm)
}

func (c *wsConn) SendDone(asrText string, isFinal bool) error {
	if err := c.guard.admit(frameDone); err != nil {
		return err
	}
	defer c.guard.release()
	data, err := json.Marshal(doneMessage{Type: "done", ASRText: asrText, IsFinal: isFinal})
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

func (c *wsConn) SendCancel() error {
	if err := c.guard.admit(frameCancel); err != nil {
		return err
	}
	defer c.guard.release()
	return c.conn.Write(c.ctx, websocket.MessageText, cancelMessage)
}

func (c *wsConn) Recv() (Event, error) {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		if typ != websocket.MessageText {
			log.Warnf("transport: ignoring %d-byte binary frame", len(data))
			continue
		}
		ev, err := DecodeEvent(data)
		var unknown errUnknownEvent
		if errors.As(err, &unknown) {
			log.Warnf("transport: %v", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		// Abort in-flight writes before taking the guard.
		c.cancel()
		c.guard.close()
		c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}
