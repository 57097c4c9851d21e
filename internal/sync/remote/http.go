package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxBodyBytes = 2 << 20

// HTTPClient sends requests as JSON to BaseURL + endpoint.
type HTTPClient struct {
	BaseURL string
	Token   string

	HTTP *http.Client
}

// NewHTTPClient creates an HTTPClient with the given request timeout.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type conflictBody struct {
	Conflict bool            `json:"conflict"`
	Data     json.RawMessage `json:"data"`
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Request implements Client.
func (c *HTTPClient) Request(ctx context.Context, endpoint string, req Request) (*Response, error) {
	httpReq, err := c.newRequest(ctx, req.Method, endpoint, req.Data)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, &Error{Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, Message: "read body: " + err.Error()}
	}
	body = bytes.TrimSpace(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Status:  resp.StatusCode,
			Data:    jsonOrNil(body),
			Message: errorMessage(resp.StatusCode, body),
		}
	}

	out := &Response{Status: resp.StatusCode, Data: jsonOrNil(body)}
	var cb conflictBody
	if len(body) > 0 && json.Unmarshal(body, &cb) == nil && cb.Conflict {
		out.Conflict = true
		if len(cb.Data) > 0 {
			out.Data = cb.Data
		}
	}
	return out, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, endpoint string, data json.RawMessage) (*http.Request, error) {
	if strings.TrimSpace(c.BaseURL) == "" {
		return nil, errors.New("base url is empty")
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	var body io.Reader
	if len(data) > 0 {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(c.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func errorMessage(status int, body []byte) string {
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		if s := strings.TrimSpace(eb.Error); s != "" {
			return s
		}
		if s := strings.TrimSpace(eb.Message); s != "" {
			return s
		}
	}
	if len(body) > 0 && !json.Valid(body) {
		return string(body)
	}
	return http.StatusText(status)
}

func jsonOrNil(body []byte) json.RawMessage {
	if len(body) == 0 || !json.Valid(body) {
		return nil
	}
	return json.RawMessage(body)
}
