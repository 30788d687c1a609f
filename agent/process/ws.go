package process

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wsSink sends event frames over a server-side WebSocket.
type wsSink struct {
	id   string
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn
}

func newWSSink(ctx context.Context, conn *websocket.Conn, log *zap.SugaredLogger) *wsSink {
	id := uuid.NewString()
	return &wsSink{
		id:   id,
		log:  log.With("Sink", id),
		ctx:  ctx,
		conn: conn,
	}
}

func (s *wsSink) ID() string { return s.id }

func (s *wsSink) Send(f eventFrame) error {
	err := wsjson.Write(s.ctx, s.conn, f)
	if err != nil {
		s.log.Debugf("error writing frame: %s", err)
	}
	return err
}
