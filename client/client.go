/*
Package client is the HTTP transport to a margin service.

PURPOSE:
  Implements the three collaborator interfaces the polling core needs over
  HTTP: the lightweight recalculation status check, the authoritative margin
  fetch, and the COGS assignment mutation.

ERROR MAPPING:
  The status endpoint's HTTP responses are translated into the polling
  failure taxonomy here, so the engine never sees transport detail:
    401/403        -> ClassifiedError{KindUnauthorized}  (permanent)
    400            -> ClassifiedError{KindBadRequest}    (permanent)
    404 with state -> StatusRecord{State: JobNotFound}   (record absent)
    404 bare, 501  -> ErrStatusUnsupported               (endpoint absent)
    5xx            -> ClassifiedError{KindTransient}     (retried)
  A 404 carrying a JSON state payload comes from the handler (the record
  does not exist yet); a bare 404 comes from the router (the deployment has
  no status resource at all). The engine reacts very differently to the two.

SEE ALSO:
  - polling/types.go: the taxonomy
  - api/handlers.go: the server side of this wire format
*/
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/margin-engine/orchestrate"
	"github.com/warp/margin-engine/polling"
)

// Client talks to one margin service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the service at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// NewWithHTTPClient creates a client using a caller-supplied http.Client
// (custom transports, test servers).
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type statusPayload struct {
	State        string `json:"state"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type marginPayload struct {
	Margin       *decimal.Decimal `json:"margin"`
	NoSourceData bool             `json:"noSourceData"`
}

// AssignmentRequest is one COGS assignment.
type AssignmentRequest struct {
	ProductID     string          `json:"productId,omitempty"`
	Value         decimal.Decimal `json:"value"`
	EffectiveFrom string          `json:"effectiveFrom"` // YYYY-MM-DD
}

type assignmentResponse struct {
	Margin          *decimal.Decimal `json:"margin"`
	NotRecalculable bool             `json:"notRecalculable"`
	JobID           string           `json:"jobId,omitempty"`
}

// =============================================================================
// STATUS CHECK
// =============================================================================

// RecalcStatus implements polling.StatusFunc.
func (c *Client) RecalcStatus(ctx context.Context, productID string) (polling.StatusRecord, error) {
	url := fmt.Sprintf("%s/api/products/%s/recalc-status", c.baseURL, productID)
	resp, err := c.get(ctx, url)
	if err != nil {
		return polling.StatusRecord{}, &polling.ClassifiedError{Kind: polling.KindTransient, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var p statusPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return polling.StatusRecord{}, &polling.ClassifiedError{
				Kind: polling.KindTransient,
				Err:  fmt.Errorf("decoding status payload: %w", err),
			}
		}
		return polling.StatusRecord{State: polling.JobState(p.State), ErrorMessage: p.ErrorMessage}, nil

	case resp.StatusCode == http.StatusNotFound:
		// Handler 404s carry a state payload; router 404s do not.
		var p statusPayload
		if err := json.Unmarshal(body, &p); err == nil && p.State != "" {
			return polling.StatusRecord{State: polling.JobState(p.State)}, nil
		}
		return polling.StatusRecord{}, polling.ErrStatusUnsupported

	case resp.StatusCode == http.StatusNotImplemented:
		return polling.StatusRecord{}, polling.ErrStatusUnsupported

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return polling.StatusRecord{}, &polling.ClassifiedError{
			Kind:    polling.KindUnauthorized,
			Message: strings.TrimSpace(string(body)),
		}

	case resp.StatusCode == http.StatusBadRequest:
		return polling.StatusRecord{}, &polling.ClassifiedError{
			Kind:    polling.KindBadRequest,
			Message: strings.TrimSpace(string(body)),
		}

	default:
		return polling.StatusRecord{}, &polling.ClassifiedError{
			Kind: polling.KindTransient,
			Err:  fmt.Errorf("status check returned HTTP %d", resp.StatusCode),
		}
	}
}

// =============================================================================
// AUTHORITATIVE FETCH
// =============================================================================

// Margin implements polling.FullFetchFunc.
func (c *Client) Margin(ctx context.Context, productID string) (polling.FullRecord, error) {
	url := fmt.Sprintf("%s/api/products/%s/margin", c.baseURL, productID)
	resp, err := c.get(ctx, url)
	if err != nil {
		return polling.FullRecord{}, &polling.ClassifiedError{Kind: polling.KindTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return polling.FullRecord{}, c.classifyHTTP(resp.StatusCode, body, "margin fetch")
	}

	var p marginPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return polling.FullRecord{}, fmt.Errorf("decoding margin payload: %w", err)
	}
	return polling.FullRecord{Result: p.Margin, NoSourceData: p.NoSourceData}, nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// AssignCOGS submits one COGS assignment and returns the mutation's
// synchronous result.
func (c *Client) AssignCOGS(ctx context.Context, productID string, value decimal.Decimal, effectiveFrom time.Time) (orchestrate.MutationResult, error) {
	url := fmt.Sprintf("%s/api/products/%s/cogs", c.baseURL, productID)
	req := AssignmentRequest{Value: value, EffectiveFrom: effectiveFrom.Format("2006-01-02")}

	var resp assignmentResponse
	if err := c.postJSON(ctx, url, req, &resp); err != nil {
		return orchestrate.MutationResult{}, err
	}
	return orchestrate.MutationResult{Result: resp.Margin, NotRecalculable: resp.NotRecalculable}, nil
}

// AssignCOGSBatch submits many assignments in one mutation. The batch always
// recomputes asynchronously; callers poll each product with a batch strategy.
func (c *Client) AssignCOGSBatch(ctx context.Context, assignments []AssignmentRequest) error {
	url := c.baseURL + "/api/cogs/batch"
	payload := struct {
		Assignments []AssignmentRequest `json:"assignments"`
	}{Assignments: assignments}
	return c.postJSON(ctx, url, payload, nil)
}

// =============================================================================
// TRANSPORT HELPERS
// =============================================================================

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return c.classifyHTTP(resp.StatusCode, respBody, "mutation")
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) classifyHTTP(status int, body []byte, op string) error {
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &polling.ClassifiedError{Kind: polling.KindUnauthorized, Message: msg}
	case status == http.StatusBadRequest:
		return &polling.ClassifiedError{Kind: polling.KindBadRequest, Message: msg}
	case status == http.StatusNotFound:
		return &polling.ClassifiedError{Kind: polling.KindNotFound, Message: msg}
	default:
		return &polling.ClassifiedError{
			Kind: polling.KindTransient,
			Err:  fmt.Errorf("%s returned HTTP %d", op, status),
		}
	}
}
