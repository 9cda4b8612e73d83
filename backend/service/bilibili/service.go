package bilibili

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bilibililivetools/livetts/backend/metrics"
)

const (
	navAPI            = "https://api.bilibili.com/x/web-interface/nav"
	roomInitAPI       = "https://api.live.bilibili.com/room/v1/Room/room_init"
	danmuInfoAPI      = "https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo"
	fingerSpiAPI      = "https://api.bilibili.com/x/frontend/finger/spi"
	qrCodeGenerateAPI = "https://passport.bilibili.com/x/passport-login/web/qrcode/generate"
	qrCodePollAPI     = "https://passport.bilibili.com/x/passport-login/web/qrcode/poll"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	codeNotLoggedIn = -101
)

// Endpoints lists every HTTP address the client talks to.
type Endpoints struct {
	Nav        string
	RoomInit   string
	DanmuInfo  string
	FingerSpi  string
	QRGenerate string
	QRPoll     string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Nav:        navAPI,
		RoomInit:   roomInitAPI,
		DanmuInfo:  danmuInfoAPI,
		FingerSpi:  fingerSpiAPI,
		QRGenerate: qrCodeGenerateAPI,
		QRPoll:     qrCodePollAPI,
	}
}

type Options struct {
	Cookie     string
	RatePerSec float64
	Timeout    time.Duration
	Endpoints  Endpoints
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
	// OnLogin receives the merged cookie after a successful QR login.
	OnLogin func(cookie string)
	// OnFailure is called for every failed request attempt.
	OnFailure func(Failure)
}

// Failure describes one failed request attempt.
type Failure struct {
	Endpoint   string
	Stage      string
	HTTPStatus int
	Attempt    int
	Retryable  bool
	Body       string
	Err        error
}

// Client wraps the public web endpoints needed before a room connection and
// for QR login. It implements danmaku.Resolver.
type Client struct {
	client    *http.Client
	endpoints Endpoints
	limiter   *rate.Limiter
	logger    *zap.SugaredLogger
	onLogin   func(cookie string)
	onFailure func(Failure)

	mu       sync.RWMutex
	cookie   string
	deviceID string
	qrState  *qrState

	wbiMu        sync.Mutex
	wbiImgKey    string
	wbiSubKey    string
	wbiExpiresAt time.Time
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	endpoints := DefaultEndpoints()
	mergeEndpoints(&endpoints, opts.Endpoints)
	limit := rate.Inf
	burst := 1
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
		burst = int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		client:    opts.HTTPClient,
		endpoints: endpoints,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    opts.Logger,
		onLogin:   opts.OnLogin,
		onFailure: opts.OnFailure,
		cookie:    strings.TrimSpace(opts.Cookie),
	}
}

func mergeEndpoints(dst *Endpoints, src Endpoints) {
	pick := func(target *string, value string) {
		if strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
		}
	}
	pick(&dst.Nav, src.Nav)
	pick(&dst.RoomInit, src.RoomInit)
	pick(&dst.DanmuInfo, src.DanmuInfo)
	pick(&dst.FingerSpi, src.FingerSpi)
	pick(&dst.QRGenerate, src.QRGenerate)
	pick(&dst.QRPoll, src.QRPoll)
}

// SetCookie replaces the session credential. The cached device id is kept only
// when the new cookie does not carry its own.
func (c *Client) SetCookie(cookie string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cookie = strings.TrimSpace(cookie)
	if cookie == c.cookie {
		return
	}
	c.cookie = cookie
	if parseCookieValue(cookie, "buvid3") != "" {
		c.deviceID = ""
	}
}

func (c *Client) SetRate(perSec float64) {
	if perSec <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(rate.Limit(perSec))
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	c.limiter.SetBurst(burst)
}

func (c *Client) readCookie() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cookie
}

// APIError carries the non-zero code of an API envelope.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili api error endpoint=%s code=%d message=%s", e.Endpoint, e.Code, e.Message)
}

// RequestError describes a failure below the envelope: network, status or decoding.
type RequestError struct {
	Endpoint   string
	Stage      string
	HTTPStatus int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("request %s failed stage=%s status=%d: %v", e.Endpoint, e.Stage, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("request %s failed stage=%s: %v", e.Endpoint, e.Stage, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

type response struct {
	envelope envelope
	cookies  []*http.Cookie
}

type requestOptions struct {
	name       string
	withCookie bool
	referer    string
}

// requestJSON fetches target, checks the envelope code and decodes data into T.
func requestJSON[T any](c *Client, ctx context.Context, target string, opts requestOptions) (T, []*http.Cookie, error) {
	var zero T
	resp, err := c.request(ctx, target, opts)
	if err != nil {
		return zero, nil, err
	}
	if resp.envelope.Code != 0 {
		message := strings.TrimSpace(resp.envelope.Message)
		if message == "" {
			message = strings.TrimSpace(resp.envelope.Msg)
		}
		return zero, resp.cookies, &APIError{Endpoint: opts.name, Code: resp.envelope.Code, Message: message}
	}
	data, err := decodeData[T](resp.envelope.Data)
	if err != nil {
		return zero, resp.cookies, &RequestError{Endpoint: opts.name, Stage: "decode_data", Err: err}
	}
	return data, resp.cookies, nil
}

func decodeData[T any](payload json.RawMessage) (T, error) {
	var out T
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, err
	}
	return out, nil
}

// request retries once on retryable failures.
func (c *Client) request(ctx context.Context, target string, opts requestOptions) (response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := c.requestOnce(ctx, target, opts)
		if err == nil {
			metrics.DiscoveryRequests.WithLabelValues(opts.name, "ok").Inc()
			return resp, nil
		}
		lastErr = err
		retryable := shouldRetry(err)
		c.logger.Warnw("api call failed",
			"endpoint", opts.name,
			"attempt", attempt,
			"retryable", retryable,
			"error", err,
		)
		c.reportFailure(opts.name, attempt, retryable, err)
		if attempt == 2 || !retryable || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return response{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	metrics.DiscoveryRequests.WithLabelValues(opts.name, "error").Inc()
	return response{}, lastErr
}

func (c *Client) reportFailure(endpoint string, attempt int, retryable bool, err error) {
	if c.onFailure == nil {
		return
	}
	failure := Failure{Endpoint: endpoint, Attempt: attempt, Retryable: retryable, Err: err}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		failure.Stage = reqErr.Stage
		failure.HTTPStatus = reqErr.HTTPStatus
		failure.Body = reqErr.Body
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		failure.Stage = "api_code"
	}
	c.onFailure(failure)
}

func (c *Client) requestOnce(ctx context.Context, target string, opts requestOptions) (response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return response{}, &RequestError{Endpoint: opts.name, Stage: "rate_limit", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return response{}, &RequestError{Endpoint: opts.name, Stage: "build_request", Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if opts.referer != "" {
		req.Header.Set("Referer", opts.referer)
	}
	if opts.withCookie {
		if cookie := c.CookieHeader(c.cachedDeviceID()); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return response{}, &RequestError{Endpoint: opts.name, Stage: "network", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return response{}, &RequestError{Endpoint: opts.name, Stage: "read_response", HTTPStatus: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return response{}, &RequestError{
			Endpoint:   opts.name,
			Stage:      "http_status",
			HTTPStatus: resp.StatusCode,
			Body:       truncateText(strings.TrimSpace(string(body)), 300),
			Err:        fmt.Errorf("http status %d", resp.StatusCode),
		}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return response{}, &RequestError{Endpoint: opts.name, Stage: "decode_response", HTTPStatus: resp.StatusCode, Err: err}
	}
	return response{envelope: env, cookies: resp.Cookies()}, nil
}

func shouldRetry(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	if reqErr.HTTPStatus == http.StatusTooManyRequests || reqErr.HTTPStatus == http.StatusRequestTimeout || reqErr.HTTPStatus >= 500 {
		return true
	}
	switch reqErr.Stage {
	case "network", "read_response":
		return !errors.Is(reqErr.Err, context.Canceled)
	}
	return false
}

func truncateText(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	return value[:limit] + "...(truncated)"
}

func parseCookieValue(cookieHeader string, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	for _, item := range strings.Split(cookieHeader, ";") {
		kv := strings.SplitN(strings.TrimSpace(item), "=", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.TrimSpace(kv[0]) == key {
			return strings.TrimSpace(kv[1])
		}
	}
	return ""
}

func mergeCookiePair(cookieHeader string, key string, value string) string {
	cookieHeader = strings.TrimSpace(cookieHeader)
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return cookieHeader
	}
	if parseCookieValue(cookieHeader, key) != "" {
		return cookieHeader
	}
	if cookieHeader == "" {
		return key + "=" + value
	}
	return cookieHeader + "; " + key + "=" + value
}

func mergeCookieWithResponse(existing string, newCookies []*http.Cookie) string {
	cookieMap := map[string]string{}
	for _, token := range strings.Split(existing, ";") {
		kv := strings.SplitN(strings.TrimSpace(token), "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			continue
		}
		cookieMap[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	for _, cookie := range newCookies {
		if cookie == nil || strings.TrimSpace(cookie.Name) == "" {
			continue
		}
		cookieMap[cookie.Name] = cookie.Value
	}
	keys := make([]string, 0, len(cookieMap))
	for key := range cookieMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+cookieMap[key])
	}
	return strings.Join(parts, "; ")
}

func withQuery(rawURL string, values url.Values) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	for key, items := range values {
		for _, item := range items {
			query.Set(key, item)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
