// Package hub provides the HTTP client for the script hub that appends notes
// to remote documents.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/notestash/relay/internal/blocks"
	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/logging"
	"github.com/notestash/relay/internal/models"
)

const (
	contentTypePlain = "text/plain; charset=utf-8"
	contentTypeJSON  = "application/json; charset=utf-8"

	// maxErrorBody bounds how much of a response body is kept in an error.
	maxErrorBody = 500
)

// Config holds hub connection settings.
type Config struct {
	URL          string
	Token        string
	Timeout      time.Duration
	ChunkTimeout time.Duration
	StatsTop     bool
	StatsBottom  bool
}

// Client performs single delivery attempts against the hub.
// It never retries internally and never panics; every failure is an
// *errors.AppError with code DELIVERY_FAILED or DELIVERY_REJECTED.
type Client struct {
	config      *Config
	httpClient  *http.Client
	chunkClient *http.Client
}

// NewClient creates a new Client.
func NewClient(config *Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	chunkTimeout := config.ChunkTimeout
	if chunkTimeout <= 0 {
		chunkTimeout = 120 * time.Second
	}
	return &Client{
		config:      config,
		httpClient:  &http.Client{Timeout: timeout},
		chunkClient: &http.Client{Timeout: chunkTimeout},
	}
}

// statusError carries the HTTP outcome of a failed attempt.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.code == models.ErrorCodeTransport {
		return e.body
	}
	if e.body == "" {
		return fmt.Sprintf("HTTP %d", e.code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// StatusCode returns the HTTP status carried by a delivery error, or -1 when
// the request never got a response.
func StatusCode(err error) int {
	var se *statusError
	if stderrors.As(err, &se) {
		return se.code
	}
	return models.ErrorCodeTransport
}

// Body returns the (truncated) response body carried by a delivery error.
func Body(err error) string {
	var se *statusError
	if stderrors.As(err, &se) {
		return se.body
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Describe returns a short human-readable reason for a delivery error,
// suitable for lastError and notices.
func Describe(err error) string {
	var se *statusError
	if stderrors.As(err, &se) {
		return se.Error()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Append sends one note to docID. Plain notes travel as text/plain; rich
// notes are an already-serialized blocks_v1 document sent as JSON.
func (c *Client) Append(ctx context.Context, docID, content string, rich bool) error {
	contentType := contentTypePlain
	if rich {
		contentType = contentTypeJSON
	}
	resp, err := c.post(ctx, c.httpClient, "append", docID, contentType, []byte(content))
	if err != nil {
		return err
	}
	if ok, why := validate(resp, -1); !ok {
		return errors.Wrap(errors.ErrDeliveryRejected, "hub rejected note",
			&statusError{code: http.StatusOK, body: why})
	}
	logging.Debug("Note appended", map[string]interface{}{
		"doc_id": docID,
		"rich":   rich,
		"bytes":  len(content),
	})
	return nil
}

// chunkEnvelope is the request body for one chunk of a session.
type chunkEnvelope struct {
	Mode        string          `json:"mode"`
	SessionID   string          `json:"sessionId"`
	ChunkIndex  int             `json:"chunkIndex"`
	TotalChunks int             `json:"totalChunks"`
	Blocks      json.RawMessage `json:"blocks"`
	StatsTop    bool            `json:"statsTop"`
	StatsBottom bool            `json:"statsBottom"`
}

// AppendChunk sends one chunk of a session. The hub treats a repeated
// (sessionId, chunkIndex) pair as a duplicate.
func (c *Client) AppendChunk(ctx context.Context, docID string, chunk blocks.Chunk) error {
	body, err := json.Marshal(chunkEnvelope{
		Mode:        blocks.FormatV1,
		SessionID:   chunk.SessionID,
		ChunkIndex:  chunk.Index,
		TotalChunks: chunk.Total,
		Blocks:      chunk.Blocks,
		StatsTop:    c.config.StatsTop,
		StatsBottom: c.config.StatsBottom,
	})
	if err != nil {
		return errors.Wrap(errors.ErrDeliveryFailed, "encode chunk",
			&statusError{code: models.ErrorCodeTransport, body: err.Error()})
	}

	resp, err := c.post(ctx, c.chunkClient, "append", docID, contentTypeJSON, body)
	if err != nil {
		return err
	}
	if ok, why := validate(resp, chunk.Index); !ok {
		return errors.Wrap(errors.ErrDeliveryRejected,
			fmt.Sprintf("hub rejected chunk %d/%d", chunk.Index+1, chunk.Total),
			&statusError{code: http.StatusOK, body: why})
	}
	return nil
}

// UpdateStats asks the hub to recompute the liveness stats of docID.
func (c *Client) UpdateStats(ctx context.Context, docID string) error {
	resp, err := c.post(ctx, c.httpClient, "updateStats", docID, contentTypePlain, nil)
	if err != nil {
		return err
	}
	if ok, why := validate(resp, -1); !ok {
		return errors.Wrap(errors.ErrDeliveryRejected, "hub rejected stats update",
			&statusError{code: http.StatusOK, body: why})
	}
	return nil
}

// Ping checks that the hub URL answers. A script hub answers an
// unauthenticated GET with an error page, which still counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDeliveryFailed, "build ping request",
			&statusError{code: models.ErrorCodeTransport, body: err.Error()})
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrDeliveryFailed, "hub unreachable",
			&statusError{code: models.ErrorCodeTransport, body: err.Error()})
	}
	defer resp.Body.Close()

	body := readBody(resp.Body)
	if isSuccess(resp.StatusCode) || strings.Contains(body, "error") || strings.Contains(body, "Invalid") {
		return nil
	}
	return errors.Wrap(errors.ErrDeliveryFailed, "invalid response from hub URL",
		&statusError{code: resp.StatusCode, body: truncate(body)})
}

// post performs one POST against the hub and returns the body of a 2xx
// response.
func (c *Client) post(ctx context.Context, hc *http.Client, action, docID, contentType string, body []byte) (string, error) {
	u, err := c.actionURL(action, docID)
	if err != nil {
		return "", errors.Wrap(errors.ErrDeliveryFailed, "invalid hub URL",
			&statusError{code: models.ErrorCodeTransport, body: err.Error()})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(errors.ErrDeliveryFailed, "build request",
			&statusError{code: models.ErrorCodeTransport, body: err.Error()})
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := hc.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrDeliveryFailed, "hub request failed",
			&statusError{code: models.ErrorCodeTransport, body: err.Error()})
	}
	defer resp.Body.Close()

	respBody := readBody(resp.Body)
	if !isSuccess(resp.StatusCode) {
		return "", errors.Wrap(errors.ErrDeliveryFailed, "hub returned an error status",
			&statusError{code: resp.StatusCode, body: truncate(respBody)})
	}
	return respBody, nil
}

// actionURL adds the token, docId and action query parameters to the hub URL.
func (c *Client) actionURL(action, docID string) (string, error) {
	if c.config.URL == "" {
		return "", fmt.Errorf("hub URL is not configured")
	}
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", c.config.Token)
	q.Set("docId", docID)
	q.Set("action", action)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// hubReply is the JSON answer of the hub. Both fields are optional.
type hubReply struct {
	OK        *bool  `json:"ok"`
	NextIndex *int   `json:"nextIndex"`
	Error     string `json:"error"`
}

// validate inspects a 2xx body. chunkIndex < 0 means a plain append.
// Returns false plus the reason when the hub signalled failure.
func validate(body string, chunkIndex int) (bool, string) {
	trimmed := strings.TrimSpace(body)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var reply hubReply
		if err := json.Unmarshal([]byte(trimmed), &reply); err != nil {
			return false, "malformed response: " + truncate(trimmed)
		}
		if chunkIndex >= 0 {
			if (reply.OK != nil && *reply.OK) || (reply.NextIndex != nil && *reply.NextIndex == chunkIndex+1) {
				return true, ""
			}
		} else if reply.OK == nil || *reply.OK {
			return true, ""
		}
		if reply.Error != "" {
			return false, truncate(reply.Error)
		}
		return false, truncate(trimmed)
	case strings.EqualFold(trimmed, "OK"):
		return true, ""
	case strings.HasPrefix(trimmed, "ERROR"):
		return false, truncate(trimmed)
	default:
		if trimmed != "" {
			logging.Warn("Unexpected hub response body", map[string]interface{}{
				"body":        truncate(trimmed),
				"chunk_index": chunkIndex,
			})
		}
		return true, ""
	}
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

// readBody returns the whole (bounded) body; only stored reasons are truncated.
func readBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64*1024))
	return strings.TrimSpace(string(data))
}

func truncate(s string) string {
	return models.Truncate(s, maxErrorBody)
}
