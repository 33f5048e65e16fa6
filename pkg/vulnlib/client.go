package vulnlib

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const userAgent = "vigil-scanner/1.0"

// maxResponseBytes bounds directory responses; NVD pages are large but
// well under this.
const maxResponseBytes = 32 << 20

type Client struct {
	Cli *http.Client
}

func newClient(timeout time.Duration) Client {
	tr := &http.Transport{
		IdleConnTimeout:     60 * time.Second,
		MaxIdleConnsPerHost: 4,
	}

	return Client{
		Cli: &http.Client{
			Transport: tr,
			Timeout:   timeout,
		},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Code)
}

func (c Client) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	return c.do(req)
}

func (c Client) postJSON(ctx context.Context, url string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	cli := c.Cli
	if cli == nil {
		cli = http.DefaultClient
	}

	res, err := cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{URL: req.URL.String(), Code: res.StatusCode}
	}

	return data, nil
}
