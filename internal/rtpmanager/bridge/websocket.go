package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/callpilot/internal/rtpmanager/media"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsInboundQueue = 100
)

// Peer message events.
const (
	wsEventStart = "start"
	wsEventMedia = "media"
	wsEventDTMF  = "dtmf"
	wsEventStop  = "stop"
	wsEventMark  = "mark"
)

// wsMessage is the JSON frame exchanged with a browser or WebRTC gateway.
// Media payloads are base64 µ-law, 20ms per message.
type wsMessage struct {
	Event  string     `json:"event"`
	CallID string     `json:"callId,omitempty"`
	Media  *wsMedia   `json:"media,omitempty"`
	DTMF   *wsDigit   `json:"dtmf,omitempty"`
	Mark   *wsMarkMsg `json:"mark,omitempty"`
}

type wsMedia struct {
	Payload string `json:"payload"`
}

type wsDigit struct {
	Digit string `json:"digit"`
}

type wsMarkMsg struct {
	Name string `json:"name"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSEndpoint is the peer side of a bridge carried over a WebSocket.
type WSEndpoint struct {
	id     string
	callID string
	conn   *websocket.Conn

	in      chan []byte
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex

	onDigit func(rune)
}

// WSOption configures a WSEndpoint.
type WSOption func(*WSEndpoint)

// WithDigitHandler receives DTMF digits sent by the peer.
func WithDigitHandler(fn func(rune)) WSOption {
	return func(e *WSEndpoint) { e.onDigit = fn }
}

// Upgrade accepts a WebSocket peer for callID.
func Upgrade(w http.ResponseWriter, r *http.Request, callID string, opts ...WSOption) (*WSEndpoint, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return newWSEndpoint(conn, callID, opts...), nil
}

// DialWS connects to a peer WebSocket URL.
func DialWS(ctx context.Context, url, callID string, opts ...WSOption) (*WSEndpoint, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return newWSEndpoint(conn, callID, opts...), nil
}

func newWSEndpoint(conn *websocket.Conn, callID string, opts ...WSOption) *WSEndpoint {
	e := &WSEndpoint{
		id:     "ws-" + callID,
		callID: callID,
		conn:   conn,
		in:     make(chan []byte, wsInboundQueue),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.readLoop()
	return e
}

func (e *WSEndpoint) ID() string   { return e.id }
func (e *WSEndpoint) Kind() string { return "websocket" }

// Start announces the stream to the peer.
func (e *WSEndpoint) Start() error {
	return e.send(wsMessage{Event: wsEventStart, CallID: e.callID})
}

// Mark sends a named synchronization marker.
func (e *WSEndpoint) Mark(name string) error {
	return e.send(wsMessage{Event: wsEventMark, CallID: e.callID, Mark: &wsMarkMsg{Name: name}})
}

// SendDigit forwards a DTMF digit to the peer.
func (e *WSEndpoint) SendDigit(d rune) error {
	return e.send(wsMessage{Event: wsEventDTMF, CallID: e.callID, DTMF: &wsDigit{Digit: string(d)}})
}

func (e *WSEndpoint) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case pcm, ok := <-e.in:
		if !ok {
			return nil, ErrEndpointClosed
		}
		return pcm, nil
	case <-e.done:
		return nil, ErrEndpointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *WSEndpoint) WriteFrame(pcm []byte) error {
	payload := base64.StdEncoding.EncodeToString(media.CodecPCMU.Encode(pcm))
	return e.send(wsMessage{Event: wsEventMedia, CallID: e.callID, Media: &wsMedia{Payload: payload}})
}

// Done is closed once the endpoint is closed or the peer disconnects.
func (e *WSEndpoint) Done() <-chan struct{} {
	return e.done
}

func (e *WSEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		e.writeMu.Lock()
		_ = e.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = e.conn.WriteJSON(wsMessage{Event: wsEventStop, CallID: e.callID})
		_ = e.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		e.writeMu.Unlock()
		err = e.conn.Close()
	})
	return err
}

func (e *WSEndpoint) send(msg wsMessage) error {
	select {
	case <-e.done:
		return ErrEndpointClosed
	default:
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := e.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (e *WSEndpoint) readLoop() {
	defer func() { _ = e.Close() }()

	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-e.done:
				default:
					slog.Debug("[Bridge] WebSocket read error", "call_id", e.callID, "error", err)
				}
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case wsEventMedia:
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			ulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			select {
			case e.in <- media.CodecPCMU.Decode(ulaw):
			default:
				// Relay is behind; drop rather than stall the socket.
			}
		case wsEventDTMF:
			if msg.DTMF != nil && e.onDigit != nil {
				for _, r := range msg.DTMF.Digit {
					if media.IsDTMFRune(r) {
						e.onDigit(r)
					}
				}
			}
		case wsEventStop:
			return
		}
	}
}
