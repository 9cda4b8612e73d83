package bilibili

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
)

const (
	qrEffectiveTime = 180 * time.Second
	qrImageSize     = 280

	qrCodeSuccess     = 0
	qrCodeExpired     = 86038
	qrCodeScanned     = 86090
	qrCodeNotScanned  = 86101
	qrCookieURLFields = "DedeUserID,DedeUserID__ckMd5,SESSDATA,bili_jct"
)

var ErrNoQRLogin = errors.New("no qr login in progress")

type QRStatus struct {
	QRCode           string `json:"qrCode"`
	QRCodeKey        string `json:"qrCodeKey"`
	URL              string `json:"url"`
	EffectiveSeconds int    `json:"effectiveSeconds"`
	Scanned          bool   `json:"scanned"`
	LoggedIn         bool   `json:"loggedIn"`
	Expired          bool   `json:"expired"`
	Message          string `json:"message"`
}

type qrState struct {
	status    QRStatus
	expireAt  time.Time
	completed bool
}

// StartQRLogin requests a new login QR code and renders it as a PNG data URL.
func (c *Client) StartQRLogin(ctx context.Context) (QRStatus, error) {
	type qrGenerateData struct {
		URL       string `json:"url"`
		QRCodeKey string `json:"qrcode_key"`
	}
	data, _, err := requestJSON[qrGenerateData](c, ctx, c.endpoints.QRGenerate, requestOptions{name: "qrcode_generate"})
	if err != nil {
		return QRStatus{}, err
	}
	if strings.TrimSpace(data.URL) == "" || strings.TrimSpace(data.QRCodeKey) == "" {
		return QRStatus{}, errors.New("invalid qrcode response")
	}
	pngBytes, err := qrcode.Encode(data.URL, qrcode.Medium, qrImageSize)
	if err != nil {
		return QRStatus{}, err
	}
	state := &qrState{
		status: QRStatus{
			QRCode:           "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes),
			QRCodeKey:        data.QRCodeKey,
			URL:              data.URL,
			EffectiveSeconds: int(qrEffectiveTime.Seconds()),
			Message:          "二维码生成成功，等待扫码",
		},
		expireAt: time.Now().Add(qrEffectiveTime),
	}
	c.mu.Lock()
	c.qrState = state
	c.mu.Unlock()
	c.logger.Infof("qrcode login started")
	return state.status, nil
}

// PollQRLogin checks the pending QR login once. On success the cookie is
// stored on the client and handed to OnLogin.
func (c *Client) PollQRLogin(ctx context.Context) (QRStatus, error) {
	c.mu.Lock()
	state := c.qrState
	if state == nil {
		c.mu.Unlock()
		return QRStatus{}, ErrNoQRLogin
	}
	if state.completed {
		status := state.status
		c.mu.Unlock()
		return status, nil
	}
	if time.Now().After(state.expireAt) {
		expired := state.status
		expired.EffectiveSeconds = 0
		expired.Expired = true
		expired.Message = "二维码已失效"
		c.qrState = nil
		c.mu.Unlock()
		return expired, nil
	}
	key := state.status.QRCodeKey
	c.mu.Unlock()

	target, err := withQuery(c.endpoints.QRPoll, url.Values{"qrcode_key": {key}, "source": {"main_mini"}})
	if err != nil {
		return QRStatus{}, err
	}
	type qrPollData struct {
		URL          string `json:"url"`
		Code         int    `json:"code"`
		Message      string `json:"message"`
		RefreshToken string `json:"refresh_token"`
	}
	poll, cookies, err := requestJSON[qrPollData](c, ctx, target, requestOptions{name: "qrcode_poll"})
	if err != nil {
		return QRStatus{}, err
	}

	var loginCookie string
	if poll.Code == qrCodeSuccess {
		loginCookie = mergeCookieWithResponse(c.readCookie(), append(cookies, cookiesFromURL(poll.URL)...))
	}

	c.mu.Lock()
	if c.qrState != state {
		c.mu.Unlock()
		return QRStatus{}, ErrNoQRLogin
	}
	switch poll.Code {
	case qrCodeSuccess:
		state.status.LoggedIn = true
		state.status.Scanned = true
		state.status.Message = "登录成功"
		state.completed = true
		c.cookie = loginCookie
		c.deviceID = ""
	case qrCodeScanned:
		state.status.Scanned = true
		state.status.Message = "二维码已扫码，待确认"
	case qrCodeNotScanned:
		state.status.Scanned = false
		state.status.Message = "二维码未扫码"
	case qrCodeExpired:
		state.status.Expired = true
		state.status.Message = "二维码已失效"
		state.expireAt = time.Now()
	default:
		state.status.Message = fmt.Sprintf("二维码状态异常: code=%d, message=%s", poll.Code, poll.Message)
	}
	remaining := int(time.Until(state.expireAt).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	state.status.EffectiveSeconds = remaining
	status := state.status
	c.mu.Unlock()

	if poll.Code == qrCodeSuccess {
		c.logger.Infof("qrcode login succeeded")
		if c.onLogin != nil {
			c.onLogin(loginCookie)
		}
	}
	return status, nil
}

// cookiesFromURL extracts the session fields the poll endpoint embeds in its
// cross-domain redirect URL.
func cookiesFromURL(rawURL string) []*http.Cookie {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || rawURL == "" {
		return nil
	}
	query := parsed.Query()
	var out []*http.Cookie
	for _, name := range strings.Split(qrCookieURLFields, ",") {
		if value := strings.TrimSpace(query.Get(name)); value != "" {
			out = append(out, &http.Cookie{Name: name, Value: value})
		}
	}
	return out
}
