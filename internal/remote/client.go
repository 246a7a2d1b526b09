package remote

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

	"github.com/kalambet/surveykit/internal/errs"
	"github.com/kalambet/surveykit/internal/state"
)

// Identity selects which person and session the service should return state
// for. Empty fields let the service create an anonymous person or new session.
type Identity struct {
	UserID    string
	SessionID string
}

// ResponseUpdate is one partial or final answer set for a survey attempt.
type ResponseUpdate struct {
	SurveyID  string         `json:"surveyId"`
	AttemptID string         `json:"attemptId"`
	PersonID  string         `json:"personId,omitempty"`
	Data      map[string]any `json:"data"`
	Finished  bool           `json:"finished"`
	// Last marks the closing update of an attempt. It is local and never
	// sent; a finished update is always last.
	Last bool `json:"-"`
}

// Client talks to the survey service's client API for one environment.
type Client struct {
	baseURL       string
	environmentID string
	httpClient    *http.Client
	now           func() time.Time
}

// New creates a Client for the given API host and environment.
func New(baseURL, environmentID string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		environmentID: environmentID,
		httpClient: &http.Client{
			Timeout: 0,
		},
		now: time.Now,
	}
}

// EnvironmentID returns the environment this client is bound to.
func (c *Client) EnvironmentID() string {
	return c.environmentID
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/api/v1/client/" + url.PathEscape(c.environmentID) + "/" + strings.Join(escaped, "/")
}

// envelope wraps every successful response body.
type envelope[T any] struct {
	Data T `json:"data"`
}

// FetchState returns the full snapshot for the environment.
func (c *Client) FetchState(ctx context.Context, id Identity) (*state.Snapshot, error) {
	q := url.Values{}
	if id.UserID != "" {
		q.Set("userId", id.UserID)
	}
	if id.SessionID != "" {
		q.Set("sessionId", id.SessionID)
	}
	u := c.endpoint("state")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating state request: %w", err)
	}

	var env envelope[*state.Snapshot]
	if err := c.do(req, "fetch state", &env); err != nil {
		return nil, err
	}
	snap := env.Data
	if snap == nil {
		return nil, errs.Validation("state response has no data")
	}
	if snap.EnvironmentID == "" {
		snap.EnvironmentID = c.environmentID
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = c.now()
	}
	return snap, nil
}

type attributeRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// UpdateAttribute sets one attribute on the remote person.
func (c *Client) UpdateAttribute(ctx context.Context, personID, key, value string) error {
	req, err := c.jsonRequest(ctx, http.MethodPost, c.endpoint("people", personID, "attributes"), attributeRequest{Key: key, Value: value})
	if err != nil {
		return err
	}
	return c.do(req, "update attribute", nil)
}

type displayRequest struct {
	SurveyID string `json:"surveyId"`
	PersonID string `json:"personId,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

// CreateDisplay tells the service a survey was shown and returns the
// display id it assigned.
func (c *Client) CreateDisplay(ctx context.Context, surveyID, personID string) (string, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, c.endpoint("displays"), displayRequest{SurveyID: surveyID, PersonID: personID})
	if err != nil {
		return "", err
	}
	var env envelope[idResponse]
	if err := c.do(req, "create display", &env); err != nil {
		return "", err
	}
	return env.Data.ID, nil
}

// CreateResponse starts a remote response with the first update of an
// attempt and returns the response id used by later updates.
func (c *Client) CreateResponse(ctx context.Context, u ResponseUpdate) (string, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, c.endpoint("responses"), u)
	if err != nil {
		return "", err
	}
	var env envelope[idResponse]
	if err := c.do(req, "create response", &env); err != nil {
		return "", err
	}
	if env.Data.ID == "" {
		return "", errs.Validation("create response: no id in reply")
	}
	return env.Data.ID, nil
}

// UpdateResponse appends an update to an existing remote response.
func (c *Client) UpdateResponse(ctx context.Context, responseID string, u ResponseUpdate) error {
	req, err := c.jsonRequest(ctx, http.MethodPut, c.endpoint("responses", responseID), u)
	if err != nil {
		return err
	}
	return c.do(req, "update response", nil)
}

func (c *Client) jsonRequest(ctx context.Context, method, u string, body any) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes req and decodes the body into out when out is non-nil.
// Failures are classified: transport errors and 5xx as network, 404 as not
// found, an undecodable body as validation.
func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Network(err, "%s", op)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.NotFound("%s: %s", op, readMessage(resp.Body))
	case resp.StatusCode >= 500:
		return errs.Network(nil, "%s: unexpected status %d", op, resp.StatusCode)
	case resp.StatusCode >= 400:
		return errs.Validation("%s: status %d: %s", op, resp.StatusCode, readMessage(resp.Body))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Validation("%s: decoding response: %v", op, err)
	}
	return nil
}

// readMessage extracts a short error message from an error body.
func readMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(b))
}
