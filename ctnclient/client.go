package ctnclient

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/Mikescher/catenis-client/x"
)

const CTNCLIENT_VERSION = "1.0.0"

const (
	DefaultHost              = "catenis.io"
	DefaultAPIVersion        = "0.11"
	DefaultCompressThreshold = 1024
	DefaultCloseTimeout      = 5 * time.Second
)

type Environment string

const (
	EnvProduction Environment = "prod"
	EnvSandbox    Environment = "sandbox"
)

type Client struct {
	client func() *http.Client
	signer *RequestSigner

	// Host is the Catenis service host, optionally with a port ("localhost:3000").
	Host        string
	Environment Environment
	Secure      bool
	APIVersion  string

	UseCompression    bool
	CompressThreshold int

	MaxRetries        int
	RequestTimeout    time.Duration
	RequestX509Ignore bool

	// CloseTimeout bounds how long a closing notification channel waits for the peer's close reply.
	CloseTimeout time.Duration

	// Now is the clock used for signing. Defaults to time.Now.
	Now func() time.Time
}

func New(accessSecret string, deviceID string) *Client {
	c := &Client{
		signer:            NewRequestSigner(accessSecret, deviceID),
		Host:              DefaultHost,
		Environment:       EnvProduction,
		Secure:            true,
		APIVersion:        DefaultAPIVersion,
		UseCompression:    true,
		CompressThreshold: DefaultCompressThreshold,
		CloseTimeout:      DefaultCloseTimeout,
		Now:               time.Now,
	}
	c.client = sync.OnceValue(c.getClient)

	return c
}

func (c *Client) getClient() *http.Client {
	var hc *http.Client = &http.Client{}

	if c.MaxRetries > 0 {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = c.MaxRetries
		retryClient.Logger = nil

		hc = retryClient.StandardClient()
	}

	if c.RequestTimeout > 0 {
		hc.Timeout = c.RequestTimeout
	}

	// custom transport that ignore x509 errors
	if c.RequestX509Ignore {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

		hc.Transport = t
	}

	return hc
}

func (c *Client) wsDialer() *websocket.Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{notifyWSProtocol},
	}

	if c.RequestTimeout > 0 {
		d.HandshakeTimeout = c.RequestTimeout
	}

	if c.RequestX509Ignore {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return d
}

func (c *Client) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// SignRequest signs req with the client's credentials at the current instant.
func (c *Client) SignRequest(req *http.Request) error {
	return c.signer.Sign(req, c.now())
}

func (c *Client) baseAPIURL() (*url.URL, error) {
	host := strings.TrimSpace(c.Host)

	probe, err := url.Parse("http://" + host)
	if err != nil || host == "" || probe.Hostname() == "" {
		return nil, fmt.Errorf("%w: '%s'", ErrInvalidHost, c.Host)
	}

	if c.Environment == EnvSandbox {
		host = "sandbox." + host
	}

	return &url.URL{
		Scheme: x.Ternary(c.Secure, "https", "http"),
		Host:   host,
		Path:   "/api/" + x.Coalesce(c.APIVersion, DefaultAPIVersion) + "/",
	}, nil
}

func (c *Client) endpointURL(endpointPath string, urlParams map[string]string, query url.Values) (*url.URL, error) {
	base, err := c.baseAPIURL()
	if err != nil {
		return nil, err
	}

	rel, err := url.Parse(mergeURLParams(endpointPath, urlParams))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid endpoint path '%s'", ErrClient, endpointPath)
	}

	u := base.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	return u, nil
}

// mergeURLParams replaces ":name" placeholders of an endpoint path.
func mergeURLParams(endpointPath string, params map[string]string) string {
	for k, v := range params {
		endpointPath = strings.ReplaceAll(endpointPath, ":"+k, url.PathEscape(v))
	}
	return endpointPath
}

func (c *Client) newRequest(ctx context.Context, method string, endpointPath string, urlParams map[string]string, query url.Values, body []byte) (*http.Request, error) {
	requestURL, err := c.endpointURL(endpointPath, urlParams, query)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	contentEncoding := ""

	if len(body) > 0 {
		if c.UseCompression && len(body) >= c.CompressThreshold {
			body, err = deflate(body)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to compress body: %v", ErrClient, err)
			}
			contentEncoding = "deflate"
		}
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrClient, err)
	}

	req.Header.Set("User-Agent", "catenis-client/"+CTNCLIENT_VERSION)
	req.Header.Set("Accept", "application/json")

	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	return req, nil
}

// wsRequest prepares a request whose URL uses the websocket scheme matching the client's security setting.
func (c *Client) wsRequest(ctx context.Context, endpointPath string, urlParams map[string]string) (*http.Request, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpointPath, urlParams, nil, nil)
	if err != nil {
		return nil, err
	}

	req.URL.Scheme = x.Ternary(c.Secure, "wss", "ws")

	return req, nil
}

func (c *Client) signAndSend(req *http.Request) ([]byte, error) {
	err := c.SignRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	rawResp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to do request: %v", ErrClient, err)
	}
	defer rawResp.Body.Close()

	respBodyRaw, err := io.ReadAll(rawResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response-body: %v", ErrClient, err)
	}

	debug("API response",
		"Method", req.Method,
		"URL", req.URL.String(),
		"StatusCode", rawResp.StatusCode)

	if rawResp.StatusCode < 200 || rawResp.StatusCode > 299 {
		return nil, newAPIError(rawResp.StatusCode, respBodyRaw)
	}

	return respBodyRaw, nil
}

type apiResponseSchema[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
}

func request[T any](ctx context.Context, c *Client, method string, endpointPath string, urlParams map[string]string, query url.Values, body any) (T, error) {
	var zero T

	var bodyRaw []byte
	if body != nil {
		var err error
		bodyRaw, err = json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("%w: failed to marshal body: %v", ErrClient, err)
		}
	}

	req, err := c.newRequest(ctx, method, endpointPath, urlParams, query, bodyRaw)
	if err != nil {
		return zero, err
	}

	respBodyRaw, err := c.signAndSend(req)
	if err != nil {
		return zero, err
	}

	var resp apiResponseSchema[T]
	err = json.Unmarshal(respBodyRaw, &resp)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrUnmarshal, err)
	}

	return resp.Data, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
