package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"namingpush/internal/payload"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 10 * 1024 * 1024 // 10MB
)

// ErrStreamClosed is returned by Send on a closed WSStream
var ErrStreamClosed = errors.New("stream closed")

// WSStream adapts a WebSocket connection to Stream. Frames travel as JSON text messages.
type WSStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewWSStream wraps conn and starts its ping loop
func NewWSStream(conn *websocket.Conn, logger zerolog.Logger) *WSStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &WSStream{
		conn:   conn,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.pingLoop()
	return s
}

// Send implements Stream
func (s *WSStream) Send(f *payload.Frame) error {
	select {
	case <-s.ctx.Done():
		return ErrStreamClosed
	default:
	}

	data, err := payload.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv implements Stream
func (s *WSStream) Recv() (*payload.Frame, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		f := new(payload.Frame)
		if err := payload.Unmarshal(data, f); err != nil {
			// unroutable envelopes still count as traffic; the push listener
			// records them as decode failures
			s.logger.Warn().Err(err).Int("len", len(data)).Msg("malformed envelope, passing raw bytes on")
			return &payload.Frame{Sink: payload.SinkSubscribe, Payload: data}, nil
		}
		return f, nil
	}
}

// Close implements Stream
func (s *WSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *WSStream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
