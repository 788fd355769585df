package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrDealExists is returned when the pipeline service answers 409 to a deal
// creation: some other actor already created a deal for that lead. Callers
// treat it as a skip, not a failure.
var ErrDealExists = errors.New("deal already exists for lead")

// CallMeta identifies the organization, acting user and correlation id
// propagated as headers on side-effecting calls.
type CallMeta struct {
	OrganizationID uint
	ActingUserID   uint
	CorrelationID  string
}

// API is the pipeline/CRM collaborator surface the engine depends on.
type API interface {
	CreateDeal(ctx context.Context, meta CallMeta, req *CreateDealRequest) (*Deal, error)
	UpdateDealStage(ctx context.Context, meta CallMeta, dealID uint, req *UpdateStageRequest) error
	GetDeal(ctx context.Context, dealID uint) (*Deal, error)
	ListStaleLeads(ctx context.Context, q StaleQuery) ([]Lead, error)
	ListStaleDeals(ctx context.Context, q StaleQuery) ([]Deal, error)
	FirstOrgUser(ctx context.Context, organizationID uint) (*OrgUser, error)
	HealthCheck(ctx context.Context) error
}

// Client is the HTTP client for the pipeline service. Each method performs a
// single request; retry policy belongs to the caller, which needs to see the
// outcome of every attempt.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, meta *CallMeta, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if meta != nil {
		if meta.OrganizationID != 0 {
			req.Header.Set("X-Organization-ID", strconv.FormatUint(uint64(meta.OrganizationID), 10))
		}
		if meta.ActingUserID != 0 {
			req.Header.Set("X-Acting-User-ID", strconv.FormatUint(uint64(meta.ActingUserID), 10))
		}
		if meta.CorrelationID != "" {
			req.Header.Set("X-Correlation-ID", meta.CorrelationID)
		}
	}
	req.Header.Set("User-Agent", "crmflow-pipeline-client/1.0")

	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("pipeline API %s %s -> %d", req.Method, req.URL.String(), resp.StatusCode)

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return resp.StatusCode, fmt.Errorf("pipeline API error [%d]: %s", resp.StatusCode, errResp.Error)
		}
		return resp.StatusCode, fmt.Errorf("pipeline API error [%d]: %s", resp.StatusCode, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

// CreateDeal POSTs /deals. 201 returns the created deal, 409 returns
// ErrDealExists, anything else is an error.
func (c *Client) CreateDeal(ctx context.Context, meta CallMeta, req *CreateDealRequest) (*Deal, error) {
	if req.LeadID == 0 {
		return nil, fmt.Errorf("lead id is required")
	}
	if req.PipelineID == 0 {
		return nil, fmt.Errorf("pipeline id is required")
	}

	httpReq, err := c.createRequest(ctx, http.MethodPost, "/deals", &meta, req)
	if err != nil {
		return nil, err
	}

	var deal Deal
	status, err := c.doRequest(httpReq, &deal)
	if status == http.StatusConflict {
		return nil, ErrDealExists
	}
	if err != nil {
		return nil, fmt.Errorf("create deal: %w", err)
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("create deal: unexpected status %d", status)
	}
	return &deal, nil
}

// UpdateDealStage PATCHes /deals/{id}/stage.
func (c *Client) UpdateDealStage(ctx context.Context, meta CallMeta, dealID uint, req *UpdateStageRequest) error {
	if dealID == 0 {
		return fmt.Errorf("deal id is required")
	}
	if req.StageID == 0 {
		return fmt.Errorf("stage id is required")
	}

	endpoint := fmt.Sprintf("/deals/%d/stage", dealID)
	httpReq, err := c.createRequest(ctx, http.MethodPatch, endpoint, &meta, req)
	if err != nil {
		return err
	}
	if _, err := c.doRequest(httpReq, nil); err != nil {
		return fmt.Errorf("update deal stage: %w", err)
	}
	return nil
}

// GetDeal fetches one deal.
func (c *Client) GetDeal(ctx context.Context, dealID uint) (*Deal, error) {
	if dealID == 0 {
		return nil, fmt.Errorf("deal id is required")
	}

	httpReq, err := c.createRequest(ctx, http.MethodGet, fmt.Sprintf("/deals/%d", dealID), nil, nil)
	if err != nil {
		return nil, err
	}
	var deal Deal
	if _, err := c.doRequest(httpReq, &deal); err != nil {
		return nil, fmt.Errorf("get deal: %w", err)
	}
	return &deal, nil
}

func staleQuery(q StaleQuery) url.Values {
	values := url.Values{}
	values.Set("pipelineId", strconv.FormatUint(uint64(q.PipelineID), 10))
	values.Set("stageId", strconv.FormatUint(uint64(q.StageID), 10))
	values.Set("updatedBefore", q.UpdatedBefore.UTC().Format(time.RFC3339))
	if q.OrganizationID != 0 {
		values.Set("organizationId", strconv.FormatUint(uint64(q.OrganizationID), 10))
	}
	return values
}

// ListStaleLeads queries leads that have sat in a pipeline stage since before
// the cutoff. Read-only; used by the SLA scanner.
func (c *Client) ListStaleLeads(ctx context.Context, q StaleQuery) ([]Lead, error) {
	endpoint := "/leads?" + staleQuery(q).Encode()
	httpReq, err := c.createRequest(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	var leads []Lead
	if _, err := c.doRequest(httpReq, &leads); err != nil {
		return nil, fmt.Errorf("list stale leads: %w", err)
	}
	return leads, nil
}

// ListStaleDeals mirrors ListStaleLeads for deals.
func (c *Client) ListStaleDeals(ctx context.Context, q StaleQuery) ([]Deal, error) {
	endpoint := "/deals?" + staleQuery(q).Encode()
	httpReq, err := c.createRequest(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	var deals []Deal
	if _, err := c.doRequest(httpReq, &deals); err != nil {
		return nil, fmt.Errorf("list stale deals: %w", err)
	}
	return deals, nil
}

// FirstOrgUser returns an arbitrary user of the organization, used as the
// documented acting-user fallback when an event carries no user id.
func (c *Client) FirstOrgUser(ctx context.Context, organizationID uint) (*OrgUser, error) {
	if organizationID == 0 {
		return nil, fmt.Errorf("organization id is required")
	}

	endpoint := fmt.Sprintf("/organizations/%d/users?limit=1", organizationID)
	httpReq, err := c.createRequest(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	var users []OrgUser
	if _, err := c.doRequest(httpReq, &users); err != nil {
		return nil, fmt.Errorf("first org user: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("organization %d has no users", organizationID)
	}
	return &users[0], nil
}

// HealthCheck probes the collaborator.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := c.createRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	if _, err := c.doRequest(httpReq, nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
