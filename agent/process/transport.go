package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNotFound is returned by Connect when the server has no process with the given PID.
var ErrNotFound = errors.New("process not found")

// statusNotFound is the WebSocket close code the server uses when a connect names an unknown process.
const statusNotFound websocket.StatusCode = 4404

// Transport is the RPC surface of a sandbox's process service.
// The context passed to Start and Connect governs the whole stream: canceling it aborts pending reads.
type Transport interface {
	List(ctx context.Context) ([]ProcessInfo, error)
	SendSignal(ctx context.Context, req SignalRequest) error
	Start(ctx context.Context, req StartRequest) (EventStream, error)
	Connect(ctx context.Context, pid int) (EventStream, error)
}

// EventStream is a lazily read sequence of events.
// Recv returns io.EOF if the server closed the stream cleanly. Recv is not safe for concurrent use.
type EventStream interface {
	Recv() (Event, error)
	Close() error
}

// WSTransport implements Transport against the agent's HTTP API.
// Unary calls are plain HTTP requests, and each stream is a WebSocket connection.
type WSTransport struct {
	// HTTPClient is used for unary calls.
	HTTPClient *http.Client
	// WSClient is used to dial WebSockets. It must not set a Timeout.
	WSClient *http.Client
	BaseURL  string
	Logger   *zap.SugaredLogger
}

func (t *WSTransport) log() *zap.SugaredLogger {
	if t.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return t.Logger
}

func (t *WSTransport) List(ctx context.Context) ([]ProcessInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/process", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Accept", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing processes over HTTP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("listing processes", resp)
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("decoding process list: %w", err)
	}
	return lr.Processes, nil
}

func (t *WSTransport) SendSignal(ctx context.Context, sigReq SignalRequest) error {
	name, ok := signalName(sigReq.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %d", sigReq.Signal)
	}
	b, err := json.Marshal(signalMessage{Signal: name})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/process/%d/signal", t.BaseURL, sigReq.PID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending signal over HTTP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("sending signal", resp)
	}
	return nil
}

func (t *WSTransport) Start(ctx context.Context, req StartRequest) (EventStream, error) {
	stream, err := t.dial(ctx, t.BaseURL+"/process/start")
	if err != nil {
		return nil, err
	}
	err = wsjson.Write(ctx, stream.conn, req)
	if err != nil {
		stream.closeWith(websocket.StatusInternalError, "writing start request")
		return nil, fmt.Errorf("writing start request: %w", err)
	}
	return stream, nil
}

func (t *WSTransport) Connect(ctx context.Context, pid int) (EventStream, error) {
	return t.dial(ctx, fmt.Sprintf("%s/process/connect/%d", t.BaseURL, pid))
}

func (t *WSTransport) dial(ctx context.Context, u string) (*wsEventStream, error) {
	t.log().Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      t.WSClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		t.log().Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return &wsEventStream{
		ctx:  ctx,
		conn: conn,
		log:  t.log().Named("event_stream"),
	}, nil
}

func statusError(op string, resp *http.Response) error {
	var body string
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		body = fmt.Errorf("error reading body: %w", err).Error()
	} else {
		body = string(bytes.TrimSpace(b))
	}
	return fmt.Errorf("%s: non-200 HTTP status code %d: %s", op, resp.StatusCode, body)
}

// wsEventStream reads event frames from a WebSocket. The client always initiates the close.
type wsEventStream struct {
	ctx  context.Context
	conn *websocket.Conn
	log  *zap.SugaredLogger

	closeOnce sync.Once
}

func (s *wsEventStream) Recv() (Event, error) {
	var f eventFrame
	err := wsjson.Read(s.ctx, s.conn, &f)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure:
			return nil, io.EOF
		case statusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, err)
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return nil, &ProtocolError{Msg: fmt.Sprintf("decoding event frame: %s", err)}
		}
		return nil, err
	}
	return f.event()
}

func (s *wsEventStream) Close() error {
	return s.closeWith(websocket.StatusNormalClosure, "")
}

func (s *wsEventStream) closeWith(code websocket.StatusCode, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close(code, reason)
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
	return err
}
