// Package api is the REST client for the chat backend: identity bootstrap,
// room metadata, join, message history, and voice media upload. Everything
// real-time goes over the socket instead.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pairchat/pairchat-go/core/events"
)

// DefaultTimeout bounds individual REST calls.
const DefaultTimeout = 10 * time.Second

// Error is a non-2xx REST response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// NotFound reports whether the resource does not exist.
func (e *Error) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// Forbidden reports whether access was denied.
func (e *Error) Forbidden() bool { return e.StatusCode == http.StatusForbidden }

// RateLimited reports whether the server asked us to back off.
func (e *Error) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// Transient reports whether the failure is server-side and worth retrying.
func (e *Error) Transient() bool { return e.StatusCode >= 500 }

// Config configures a REST Client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://chat.example.com". Required.
	BaseURL string

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client

	// Logger for request events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Client talks to the chat backend's REST surface.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// NewClient creates a REST client.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		log:     logger.WithGroup("api"),
	}
}

// GenerateIdentity asks the server for a fresh anonymous user id.
func (c *Client) GenerateIdentity(ctx context.Context) (string, error) {
	var out struct {
		UserID string `json:"userId"`
		ID     string `json:"id"`
	}
	if err := c.get(ctx, "/api/generate-user-id", &out); err != nil {
		return "", err
	}
	id := out.UserID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", fmt.Errorf("api: identity response missing user id")
	}
	return id, nil
}

// RoomInfo is a room's metadata. Membership is fixed at two slots.
type RoomInfo struct {
	RoomID  string `json:"roomId"`
	Name    string `json:"name"`
	User1ID string `json:"user1_id"`
	User2ID string `json:"user2_id"`
}

// IsMember reports whether the user holds one of the room's two slots.
func (r *RoomInfo) IsMember(userID string) bool {
	return userID != "" && (userID == r.User1ID || userID == r.User2ID)
}

// Full reports whether both slots are taken.
func (r *RoomInfo) Full() bool {
	return r.User1ID != "" && r.User2ID != ""
}

// DisplayName returns the room's name, falling back to its id.
func (r *RoomInfo) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.RoomID
}

// GetRoomInfo fetches a room's metadata.
func (c *Client) GetRoomInfo(ctx context.Context, roomID string) (*RoomInfo, error) {
	var out RoomInfo
	if err := c.get(ctx, "/api/c/"+url.PathEscape(roomID), &out); err != nil {
		return nil, err
	}
	if out.RoomID == "" {
		out.RoomID = roomID
	}
	return &out, nil
}

// JoinRoom claims a membership slot in the room.
func (c *Client) JoinRoom(ctx context.Context, roomID, userID string) error {
	body := map[string]string{"userId": userID}
	return c.post(ctx, "/api/c/"+url.PathEscape(roomID)+"/join", body, nil)
}

// RoomMessage is one history row as the server returns it. SeenAt is empty
// for messages the recipient has not seen.
type RoomMessage struct {
	ID        events.ID `json:"id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	IsVoice   bool      `json:"is_voice"`
	FileURL   string    `json:"file_url"`
	Duration  float64   `json:"duration"`
	CreatedAt string    `json:"created_at"`
	SeenAt    string    `json:"seen_at"`
}

// GetRoomMessages fetches the room's message history for the given user.
func (c *Client) GetRoomMessages(ctx context.Context, roomID, userID string) ([]RoomMessage, error) {
	path := "/api/c/" + url.PathEscape(roomID) + "/messages?userId=" + url.QueryEscape(userID)
	var out []RoomMessage
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VoiceUpload is the server's answer to a voice media upload: the persisted
// message id and the durable media URL.
type VoiceUpload struct {
	MessageID string `json:"messageId"`
	FileURL   string `json:"fileUrl"`
}

// UploadVoice persists a voice recording as a room message. The recording is
// sent as a multipart form, the metadata as form fields.
func (c *Client) UploadVoice(ctx context.Context, roomID, senderID string, audio []byte, duration float64, tempID string) (*VoiceUpload, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("audio", "voice-"+tempID+".webm")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, err
	}
	fields := map[string]string{
		"roomId":   roomID,
		"senderId": senderID,
		"duration": strconv.FormatFloat(duration, 'f', -1, 64),
		"tempId":   tempID,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload-voice-message", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out VoiceUpload
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.MessageID == "" {
		return nil, fmt.Errorf("api: upload response missing messageId")
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	c.log.Debug("request", "method", req.Method, "url", req.URL.String())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api: decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// errorMessage pulls a human-readable message out of an error body, falling
// back to the HTTP status line.
func errorMessage(raw []byte, status string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return status
}
