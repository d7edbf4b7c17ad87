package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// APIError is a non-2xx response of the auth API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gotrue: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gotrue: %d: %s", e.Status, e.Message)
}

// IsClientError reports whether err is a 4xx response, i.e. the credentials
// were rejected rather than the provider failing.
func IsClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
}

// sdkStatus matches the SDK's error text for non-2xx replies.
var sdkStatus = regexp.MustCompile(`(?s)response status code (\d{3}): ?(.*)$`)

// wrap turns an SDK error into an *APIError when it carries a status.
func wrap(op string, err error) error {
	m := sdkStatus.FindStringSubmatch(err.Error())
	if m == nil {
		return fmt.Errorf("gotrue: %s: %w", op, err)
	}
	status, _ := strconv.Atoi(m[1])
	return decodeError(status, []byte(m[2]))
}

// decodeError accepts both error body shapes the API emits.
func decodeError(status int, raw []byte) error {
	var body struct {
		ErrorCode        string `json:"error_code"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(raw, &body)

	apiErr := &APIError{Status: status, Code: body.ErrorCode}
	if apiErr.Code == "" {
		apiErr.Code = body.Error
	}
	for _, msg := range []string{body.Msg, body.Message, body.ErrorDescription, body.Error} {
		if msg != "" {
			apiErr.Message = msg
			break
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// convert maps an SDK value onto the local type through its wire form.
func convert(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("gotrue: encode response: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("gotrue: decode response: %w", err)
	}
	return nil
}

func toSession(src any) (*Session, error) {
	var session Session
	if err := convert(src, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func toUser(src any) (*User, error) {
	var user User
	if err := convert(src, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// post sends an anonymous JSON request outside the SDK.
func (c *Client) post(ctx context.Context, path string, query url.Values, body any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gotrue: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gotrue: build request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.anonKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gotrue: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}
	return nil
}
