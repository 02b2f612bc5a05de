package bmsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal client for the tenancy API and its signing links.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Bail represents a tenancy (partial).
type Bail struct {
	ID             string `json:"id"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
	TenantName     string `json:"tenant_name"`
	Status         string `json:"status"`
	OpsUserID      string `json:"ops_user_id"`
	EntryMissionID string `json:"entry_mission_id"`
	ExitMissionID  string `json:"exit_mission_id"`
}

// CreateBail are the fields accepted when opening a tenancy.
type CreateBail struct {
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	TenantName  string `json:"tenant_name"`
	TenantEmail string `json:"tenant_email,omitempty"`
	Address     string `json:"address,omitempty"`
	OpsUserID   string `json:"ops_user_id,omitempty"`
}

// Incident represents an incident report (partial).
type Incident struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Status   string `json:"status"`
}

// Notification represents a scheduled or sent notification (partial).
type Notification struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	RecipientID string    `json:"recipient_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
}

// BailDetail is a tenancy with its incidents and notifications.
type BailDetail struct {
	Bail          Bail           `json:"bail_mobilite"`
	Incidents     []Incident     `json:"incidents"`
	Notifications []Notification `json:"notifications"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SigningLink is what a party sees when opening a signing link.
type SigningLink struct {
	InvitationID    string   `json:"invitation_id"`
	Status          string   `json:"status"`
	StepName        string   `json:"step_name"`
	StepOrder       int      `json:"step_order"`
	PartyName       string   `json:"party_name"`
	PartyRole       string   `json:"party_role"`
	TemplateName    string   `json:"template_name"`
	TemplateContent string   `json:"template_content"`
	ValidationRules []string `json:"validation_rules"`
}

// Signature is the data a party submits.
type Signature struct {
	Signature        string `json:"signature"`
	Timestamp        string `json:"timestamp"`
	IPAddress        string `json:"ip_address,omitempty"`
	LicenseNumber    string `json:"license_number,omitempty"`
	SealData         string `json:"seal_data,omitempty"`
	IdentityDocument string `json:"identity_document,omitempty"`
}

type SignatureResult struct {
	WorkflowComplete bool `json:"workflow_complete"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// Errors carries signature refusal messages.
	Errors []string
	Body   string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v1/health", nil, nil)
}

func (c *Client) CreateBail(ctx context.Context, in CreateBail) (Bail, error) {
	var resp Bail
	err := c.do(ctx, http.MethodPost, "v1/bails", in, &resp)
	return resp, err
}

func (c *Client) GetBail(ctx context.Context, id string) (BailDetail, error) {
	var resp BailDetail
	err := c.do(ctx, http.MethodGet, "v1/bails/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListBails returns tenancies, optionally filtered by status.
func (c *Client) ListBails(ctx context.Context, status string) ([]Bail, error) {
	endpoint := "v1/bails"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Bail
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a page of journal events after cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// OpenSigningLink fetches the signing view for token. No bearer token is sent.
func (c *Client) OpenSigningLink(ctx context.Context, token string) (SigningLink, error) {
	var resp SigningLink
	err := c.do(ctx, http.MethodGet, "v1/sign/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

// Sign submits a signature through the link. Refusals come back as an
// *APIError with status 422 and the messages in Errors.
func (c *Client) Sign(ctx context.Context, token string, sig Signature) (SignatureResult, error) {
	var resp SignatureResult
	err := c.do(ctx, http.MethodPost, "v1/sign/"+url.PathEscape(token), sig, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" && !strings.HasPrefix(endpoint, "v1/sign/") {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				Errors []string `json:"errors"`
			} `json:"details"`
		} `json:"error"`
	}
	// validation details are objects rather than strings; keep what decodes
	_ = json.Unmarshal(body, &env)
	apiErr.Code = env.Error.Code
	apiErr.Message = env.Error.Message
	apiErr.Errors = env.Error.Details.Errors
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
