package connectify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Server event names.
const (
	EventNewMessage         = "newMessage"
	EventMessageUnsent      = "messageUnsent"
	EventMessagesRead       = "messagesRead"
	EventMessageStatus      = "messageStatus"
	EventUnreadCountUpdated = "unreadCountUpdated"
	EventLastMessageUpdated = "lastMessageUpdated"
	EventError              = "error"
)

const eventBuffer = 256

// ErrClosed is returned by requests on a closed connection.
var ErrClosed = errors.New("connectify: connection closed")

type frame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event is a server push that is not the reply to one of this connection's requests.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// NewMessageEvent is the payload of newMessage.
type NewMessageEvent struct {
	Message *Message `json:"message"`
}

// MessageUnsentEvent is the payload of messageUnsent.
type MessageUnsentEvent struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// MessagesReadEvent is the payload of messagesRead.
type MessagesReadEvent struct {
	RoomID   string `json:"roomId"`
	ReaderID string `json:"readerId"`
	Count    int64  `json:"count"`
}

// MessageStatusEvent is the payload of messageStatus.
type MessageStatusEvent struct {
	RoomID    string        `json:"roomId"`
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
}

// UnreadCountUpdatedEvent is the payload of unreadCountUpdated.
type UnreadCountUpdatedEvent struct {
	RoomID string `json:"roomId"`
	Count  int64  `json:"count"`
}

// LastMessageUpdatedEvent is the payload of lastMessageUpdated.
type LastMessageUpdatedEvent struct {
	RoomID  string   `json:"roomId"`
	Message *Message `json:"message"`
}

// Conn is a realtime connection. It is safe for concurrent use.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	nextID  atomic.Uint64

	events  chan Event
	dropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens a realtime connection. The caller owns it and must Close it.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &APIError{Status: resp.StatusCode, Code: "unauthorized", Message: "invalid token"}
		}
		return nil, err
	}

	conn := &Conn{
		ws:      ws,
		pending: make(map[string]chan frame),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

// Events delivers server pushes. Pushes are dropped while the buffer is full.
// The channel is closed when the connection ends.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Dropped reports how many pushes were discarded because Events was not drained.
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the session.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.shutdown(err)
			return
		}

		if f.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[f.RequestID]
			delete(c.pending, f.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- f
				continue
			}
		}

		select {
		case c.events <- Event{Name: f.Event, Data: f.Data}:
		default:
			c.dropped.Add(1)
		}
	}
}

// request sends one frame and waits for the reply carrying the same request id.
func (c *Conn) request(ctx context.Context, event string, data, out any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	reply := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.ws.WriteJSON(frame{Event: event, RequestID: id, Data: payload})
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case f := <-reply:
		if f.Event == EventError {
			var wire struct {
				Code      string `json:"code"`
				Message   string `json:"message"`
				Retryable bool   `json:"retryable"`
			}
			if err := json.Unmarshal(f.Data, &wire); err != nil {
				return err
			}
			return &APIError{Code: wire.Code, Message: wire.Message, Retryable: wire.Retryable}
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(f.Data, out)
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinRoom opens the room with peerID and subscribes this connection to it.
func (c *Conn) JoinRoom(ctx context.Context, peerID string) (*Room, error) {
	var resp struct {
		Room *Room `json:"room"`
	}
	if err := c.request(ctx, "joinRoom", map[string]string{"peerId": peerID}, &resp); err != nil {
		return nil, err
	}
	return resp.Room, nil
}

// LeaveRoom drops this connection's subscription to roomID.
func (c *Conn) LeaveRoom(ctx context.Context, roomID string) error {
	return c.request(ctx, "leaveRoom", map[string]string{"roomId": roomID}, nil)
}

// SendMessage sends a message; p.RoomID is required.
func (c *Conn) SendMessage(ctx context.Context, p SendParams) (*Message, error) {
	var resp NewMessageEvent
	if err := c.request(ctx, "sendMessage", p, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// GetMessages returns a page of history, oldest first. A zero limit uses the server default.
func (c *Conn) GetMessages(ctx context.Context, roomID string, limit int, before string) (*Page, error) {
	req := struct {
		RoomID string `json:"roomId"`
		Limit  int    `json:"limit,omitempty"`
		Before string `json:"before,omitempty"`
	}{roomID, limit, before}

	var page Page
	if err := c.request(ctx, "getMessages", req, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Unsend removes one of the caller's messages.
func (c *Conn) Unsend(ctx context.Context, roomID, messageID string) error {
	return c.request(ctx, "unsendMessage", map[string]string{"roomId": roomID, "messageId": messageID}, nil)
}

// MarkRead marks the peer's messages in roomID read and returns how many changed.
func (c *Conn) MarkRead(ctx context.Context, roomID string) (int64, error) {
	var resp MessagesReadEvent
	if err := c.request(ctx, "setMessageRead", map[string]string{"roomId": roomID}, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// ChatRooms returns the caller's room list.
func (c *Conn) ChatRooms(ctx context.Context) ([]RoomSummary, error) {
	var resp struct {
		Rooms []RoomSummary `json:"rooms"`
	}
	if err := c.request(ctx, "getChatRooms", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}
