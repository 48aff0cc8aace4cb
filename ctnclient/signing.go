package ctnclient

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"
)

const (
	// TimestampHeader carries the signing instant of a request.
	TimestampHeader = "X-Bcot-Timestamp"

	signVersionID = "CTN1"
	signMethodID  = "CTN1-HMAC-SHA256"
	scopeRequest  = "ctn1_request"

	timestampFormat = "20060102T150405Z"
	dateFormat      = "20060102"

	signatureValidityDays = 7
	timeVariation         = 5 * time.Second
)

// EmptyBodySHA256 is the hex encoded SHA-256 of an empty payload.
const EmptyBodySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

type signingKey struct {
	Date time.Time
	Key  [32]byte
}

// signingKeyCache keeps the most recently derived signing key. Safe for concurrent use.
type signingKeyCache struct {
	secret string

	mu     sync.Mutex
	cached *signingKey
}

func newSigningKeyCache(secret string) *signingKeyCache {
	return &signingKeyCache{secret: secret}
}

func (c *signingKeyCache) keyFor(now time.Time) signingKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached == nil || c.cached.Date.Before(keyLowerBound(now)) {
		date := utcDate(now)

		c.cached = &signingKey{
			Date: date,
			Key:  deriveSigningKey(c.secret, date),
		}

		debug("Derived new signing key", "date", date.Format(dateFormat))
	}

	return *c.cached
}

// keyLowerBound is the earliest key date still usable for a request signed at now.
func keyLowerBound(now time.Time) time.Time {
	return utcDate(now.Add(timeVariation)).AddDate(0, 0, -signatureValidityDays)
}

func utcDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func deriveSigningKey(secret string, date time.Time) [32]byte {
	dateKey := hmacSHA256([]byte(signVersionID+secret), []byte(date.Format(dateFormat)))

	var key [32]byte
	copy(key[:], hmacSHA256(dateKey, []byte(scopeRequest)))

	return key
}

func hmacSHA256(key []byte, msg []byte) []byte {
	hmacBuilder := hmac.New(sha256.New, key)
	hmacBuilder.Write(msg)
	return hmacBuilder.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RequestSigner adds CTN1 authentication headers to outbound requests.
type RequestSigner struct {
	deviceID string
	keys     *signingKeyCache
}

func NewRequestSigner(accessSecret string, deviceID string) *RequestSigner {
	return &RequestSigner{
		deviceID: deviceID,
		keys:     newSigningKeyCache(accessSecret),
	}
}

// Sign sets the Host, X-Bcot-Timestamp and Authorization headers of req.
// The request body is read but left intact. Nothing is written to req when signing fails.
func (s *RequestSigner) Sign(req *http.Request, now time.Time) error {
	now = now.UTC()

	host := requestHost(req)
	if host == "" {
		return ErrMissingHost
	}

	if !httpguts.ValidHeaderFieldValue(host) {
		return fmt.Errorf("%w: host '%s'", ErrInvalidHeader, host)
	}

	body, err := readBody(req)
	if err != nil {
		return fmt.Errorf("%w: failed to read request body: %v", ErrClient, err)
	}

	timestamp := now.Format(timestampFormat)

	canonical := CanonicalRequest(req.Method, pathWithQuery(req.URL), host, timestamp, body)

	key := s.keys.keyFor(now)

	scope := key.Date.Format(dateFormat) + "/" + scopeRequest

	signature := hex.EncodeToString(hmacSHA256(key.Key[:], []byte(StringToSign(timestamp, scope, canonical))))

	auth := signMethodID + " Credential=" + s.deviceID + "/" + scope + ",Signature=" + signature
	if !httpguts.ValidHeaderFieldValue(auth) {
		return fmt.Errorf("%w: authorization for device '%s'", ErrInvalidHeader, s.deviceID)
	}

	req.Host = host
	req.Header.Set("Host", host)
	req.Header.Set(TimestampHeader, timestamp)
	req.Header.Set("Authorization", auth)

	debug("Signed request",
		"Method", req.Method,
		"URL", req.URL.String(),
		"Timestamp", timestamp,
		"Authorization", redactAuthorization(auth))

	return nil
}

// CanonicalRequest assembles the signable representation of a request.
func CanonicalRequest(method string, pathWithQuery string, host string, timestamp string, body []byte) string {
	var sb strings.Builder

	sb.WriteString(method + "\n")
	sb.WriteString(pathWithQuery + "\n")
	sb.WriteString("host:" + host + "\n")
	sb.WriteString(strings.ToLower(TimestampHeader) + ":" + timestamp + "\n")
	sb.WriteString("\n")
	sb.WriteString(sha256Hex(body) + "\n")

	return sb.String()
}

// StringToSign embeds the hash of the canonical request in the CTN1 envelope.
func StringToSign(timestamp string, scope string, canonicalRequest string) string {
	return signMethodID + "\n" +
		timestamp + "\n" +
		scope + "\n" +
		sha256Hex([]byte(canonicalRequest)) + "\n"
}

// requestHost picks the host to sign: an explicit req.Host, then a Host header, then the URL.
// http.NewRequest copies the URL host into req.Host, so that value does not count as explicit.
func requestHost(req *http.Request) string {
	if req.Host != "" && (req.URL == nil || req.Host != req.URL.Host) {
		return req.Host
	}

	if h := req.Header.Get("Host"); h != "" {
		return h
	}

	return hostWithPort(req.URL)
}

func hostWithPort(u *url.URL) string {
	if u == nil {
		return ""
	}

	host := u.Hostname()
	if host == "" {
		return ""
	}

	if strings.Contains(host, ":") {
		// IPv6 literal
		host = "[" + host + "]"
	}

	port := u.Port()
	if port != "" && port != defaultPort(u.Scheme) {
		host += ":" + port
	}

	return host
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}

func pathWithQuery(u *url.URL) string {
	rpath := u.EscapedPath()
	if u.RawQuery != "" {
		rpath += "?" + u.RawQuery
	}
	return rpath
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		return io.ReadAll(rc)
	}

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	return body, nil
}
