// Package connectify is a client for the Connectify direct messaging service.
//
// Client talks to the HTTP surface. Dial opens a realtime connection owned by
// the caller; every request on it is correlated with its reply by request id.
package connectify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaddinnagiyev/connectify/internal/models"
)

// Re-exported so callers never import the server's internals.
type (
	Room          = models.Room
	RoomSummary   = models.RoomSummary
	Message       = models.Message
	MessageType   = models.MessageType
	MessageStatus = models.MessageStatus
	User          = models.User
	Page          = models.Page
)

// Client is a Connectify API client.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// NewClient creates a new client authenticating with token.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Dialer:     websocket.DefaultDialer,
	}
}

// APIError is a failure reported by the server.
type APIError struct {
	Status    int    `json:"-"` // HTTP status; 0 on the realtime connection
	Code      string `json:"code"`
	Message   string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connectify error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("connectify error (%s): %s", e.Code, e.Message)
}

// doRequest performs an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// Check is one dependency probe of the health endpoint.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the server health report.
type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Checks  map[string]Check `json:"checks"`
}

// Health reports server health. A degraded server still returns its report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp)
	if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusServiceUnavailable {
		resp.Status = "degraded"
		return &resp, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRooms returns the caller's rooms, most recent activity first.
func (c *Client) ListRooms(ctx context.Context) ([]RoomSummary, error) {
	var resp struct {
		Rooms []RoomSummary `json:"rooms"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/rooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// OpenRoom resolves or creates the room with peerID.
func (c *Client) OpenRoom(ctx context.Context, peerID string) (*Room, error) {
	var resp struct {
		Room *Room `json:"room"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/rooms", map[string]string{"peerId": peerID}, &resp); err != nil {
		return nil, err
	}
	return resp.Room, nil
}

// GetMessages returns up to limit messages older than before (a message id, or
// "" for the newest), oldest first.
func (c *Client) GetMessages(ctx context.Context, roomID string, limit int, before string) (*Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page Page
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendParams describes a message to send. RoomID is ignored by Client.Send.
type SendParams struct {
	RoomID          string      `json:"roomId,omitempty"`
	Type            MessageType `json:"type,omitempty"`
	Content         string      `json:"content"`
	MediaName       string      `json:"mediaName,omitempty"`
	MediaSizeBytes  *int64      `json:"mediaSizeBytes,omitempty"`
	ParentMessageID *string     `json:"parentMessageId,omitempty"`
}

// Send posts a message to roomID.
func (c *Client) Send(ctx context.Context, roomID string, p SendParams) (*Message, error) {
	p.RoomID = ""
	var resp struct {
		Message *Message `json:"message"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/messages", p, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// Unsend removes one of the caller's messages.
func (c *Client) Unsend(ctx context.Context, roomID, messageID string) error {
	path := "/rooms/" + url.PathEscape(roomID) + "/messages/" + url.PathEscape(messageID)
	return c.doRequest(ctx, http.MethodDelete, path, nil, nil)
}

// MarkRead marks the peer's messages in roomID read and returns how many changed.
func (c *Client) MarkRead(ctx context.Context, roomID string) (int64, error) {
	var resp struct {
		Count int64 `json:"count"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/read", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// GetUser looks up a public profile.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := c.doRequest(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Upload is a presigned attachment upload.
type Upload struct {
	Key       string            `json:"key"`
	Method    string            `json:"method"`
	UploadURL string            `json:"uploadUrl"`
	Headers   map[string]string `json:"headers,omitempty"`
	MediaURL  string            `json:"mediaUrl"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// CreateUpload asks the server to presign an attachment upload.
func (c *Client) CreateUpload(ctx context.Context, name, contentType string, sizeBytes int64) (*Upload, error) {
	req := map[string]any{"name": name, "contentType": contentType, "sizeBytes": sizeBytes}
	var up Upload
	if err := c.doRequest(ctx, http.MethodPost, "/media/uploads", req, &up); err != nil {
		return nil, err
	}
	return &up, nil
}
