package httpclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/teranos/leakhunter/errors"
)

// maxErrorBody bounds how much of a failed response is kept for logs
const maxErrorBody = 2048

// StatusError is returned for any non-2xx response
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Transient reports whether the status is worth retrying
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests ||
		e.Code >= 500
}

// IsTransient classifies an error from this package: network failures,
// timeouts, 408, 429 and 5xx are transient; other statuses are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// Request describes a JSON call
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    any       // marshalled as JSON unless RawBody is set
	RawBody io.Reader // sent as-is
}

// DoJSON performs r and decodes a 2xx JSON response into out (which may be nil).
// Non-2xx responses come back as *StatusError.
func DoJSON(ctx context.Context, c Doer, r Request, out any) (int, error) {
	var body io.Reader = r.RawBody
	if body == nil && r.Body != nil {
		buf, err := json.Marshal(r.Body)
		if err != nil {
			return 0, errors.Wrap(err, "encode request body")
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", r.Method, r.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{
			Method: r.Method,
			URL:    r.URL,
			Code:   resp.StatusCode,
			Body:   string(bytes.TrimSpace(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resp.StatusCode, errors.Wrapf(err, "decode %s response", r.URL)
	}
	return resp.StatusCode, nil
}

// BasicAuth returns an Authorization header value for user and password
func BasicAuth(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}
