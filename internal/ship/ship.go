package ship

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fmueller/ambirec/internal/version"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrTicket   = errors.New("upload ticket request failed")
	ErrTransfer = errors.New("artifact transfer failed")
	ErrTrigger  = errors.New("transcription trigger failed")
)

const DefaultTimeout = 60 * time.Second

// Artifact is what gets uploaded.
type Artifact struct {
	Path        string
	ContentType string
}

// Ticket is a single-use upload destination.
type Ticket struct {
	UploadURL   string `json:"uploadUrl"`
	ObjectKey   string `json:"objectKey"`
	ContentType string `json:"-"`
}

// JobRef identifies the transcription request. JobID is empty when the
// trigger service does not return one.
type JobRef struct {
	ObjectKey string
	SessionID string
	JobID     string
}

type Options struct {
	TicketURL  string
	TriggerURL string
	GroupID    string
	Token      string
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client ships artifacts with at most one delivery attempt each.
type Client struct {
	http       *resty.Client
	ticketURL  string
	triggerURL string
	groupID    string
	token      string
	logger     *zap.Logger
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", version.UserAgent())

	return &Client{
		http:       httpClient,
		ticketURL:  opts.TicketURL,
		triggerURL: opts.TriggerURL,
		groupID:    opts.GroupID,
		token:      strings.TrimSpace(opts.Token),
		logger:     logger,
	}
}

// Ship requests a ticket, uploads the artifact and triggers transcription.
// The returned error wraps ErrTicket, ErrTransfer or ErrTrigger.
func (c *Client) Ship(ctx context.Context, art Artifact, sessionID string) (JobRef, error) {
	ticket, err := c.RequestTicket(ctx, art.ContentType)
	if err != nil {
		return JobRef{}, err
	}

	if err := c.Transfer(ctx, ticket, art.Path); err != nil {
		return JobRef{ObjectKey: ticket.ObjectKey}, err
	}

	return c.Trigger(ctx, ticket.ObjectKey, sessionID)
}

func (c *Client) RequestTicket(ctx context.Context, contentType string) (Ticket, error) {
	resp, err := c.request(ctx, true).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"contentType": contentType}).
		Post(c.ticketURL)
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %w", ErrTicket, err)
	}
	if !resp.IsSuccess() {
		return Ticket{}, fmt.Errorf("%w: %s", ErrTicket, describe(resp))
	}

	var ticket Ticket
	if err := json.Unmarshal(resp.Body(), &ticket); err != nil {
		return Ticket{}, fmt.Errorf("%w: decode response: %w", ErrTicket, err)
	}
	if ticket.UploadURL == "" || ticket.ObjectKey == "" {
		return Ticket{}, fmt.Errorf("%w: response missing uploadUrl or objectKey", ErrTicket)
	}
	ticket.ContentType = contentType

	c.logger.Debug("upload ticket issued", zap.String("object_key", ticket.ObjectKey))
	return ticket, nil
}

// Transfer PUTs the artifact to the ticket's destination. Upload URLs carry
// their own credentials, so no bearer token is sent.
func (c *Client) Transfer(ctx context.Context, ticket Ticket, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read artifact: %w", ErrTransfer, err)
	}

	resp, err := c.request(ctx, false).
		SetHeader("Content-Type", ticket.ContentType).
		SetBody(body).
		Put(ticket.UploadURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: %s", ErrTransfer, describe(resp))
	}

	c.logger.Debug("artifact uploaded", zap.String("object_key", ticket.ObjectKey), zap.Int("bytes", len(body)))
	return nil
}

func (c *Client) Trigger(ctx context.Context, objectKey, sessionID string) (JobRef, error) {
	ref := JobRef{ObjectKey: objectKey, SessionID: sessionID}

	resp, err := c.request(ctx, true).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"objectKey": objectKey,
			"sessionId": sessionID,
			"groupId":   c.groupID,
		}).
		Post(c.triggerURL)
	if err != nil {
		return ref, fmt.Errorf("%w: %w", ErrTrigger, err)
	}
	if !resp.IsSuccess() {
		return ref, fmt.Errorf("%w: %s", ErrTrigger, describe(resp))
	}

	var body struct {
		JobID string `json:"jobId"`
	}
	if len(resp.Body()) > 0 && json.Unmarshal(resp.Body(), &body) == nil {
		ref.JobID = body.JobID
	}
	return ref, nil
}

func (c *Client) request(ctx context.Context, authenticated bool) *resty.Request {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString())
	if authenticated && c.token != "" {
		req.SetAuthToken(c.token)
	}
	return req
}

func describe(resp *resty.Response) string {
	body := strings.TrimSpace(resp.String())
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return resp.Status()
	}
	return fmt.Sprintf("%s: %s", resp.Status(), body)
}
