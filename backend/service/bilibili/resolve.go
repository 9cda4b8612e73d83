package bilibili

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"bilibililivetools/livetts/backend/service/danmaku"
)

var _ danmaku.Resolver = (*Client)(nil)

type navData struct {
	IsLogin bool   `json:"isLogin"`
	Mid     int64  `json:"mid"`
	Uname   string `json:"uname"`
	WBIImg  struct {
		ImgURL string `json:"img_url"`
		SubURL string `json:"sub_url"`
	} `json:"wbi_img"`
}

type roomInitData struct {
	RoomID      int64 `json:"room_id"`
	ShortID     int64 `json:"short_id"`
	UID         int64 `json:"uid"`
	LiveStatus  int   `json:"live_status"`
	IsHidden    bool  `json:"is_hidden"`
	IsLocked    bool  `json:"is_locked"`
	Encrypted   bool  `json:"encrypted"`
	PwdVerified bool  `json:"pwd_verified"`
}

type danmuInfoData struct {
	Token    string                `json:"token"`
	HostList []danmaku.GatewayHost `json:"host_list"`
}

type fingerData struct {
	B3 string `json:"b_3"`
	B4 string `json:"b_4"`
}

// Account is the identity bound to the current cookie.
type Account struct {
	LoggedIn bool   `json:"loggedIn"`
	UID      int64  `json:"uid"`
	Uname    string `json:"uname"`
}

func (c *Client) HasCredential() bool {
	return c.readCookie() != ""
}

// CookieHeader returns the configured cookie with buvid3 filled in when missing.
func (c *Client) CookieHeader(deviceID string) string {
	return mergeCookiePair(c.readCookie(), "buvid3", deviceID)
}

func (c *Client) cachedDeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// Account looks up the logged-in user through nav.
func (c *Client) Account(ctx context.Context) (Account, error) {
	if !c.HasCredential() {
		return Account{}, danmaku.ErrNotAuthenticated
	}
	data, _, err := requestJSON[navData](c, ctx, c.endpoints.Nav, requestOptions{
		name:       "nav",
		withCookie: true,
		referer:    "https://www.bilibili.com/",
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeNotLoggedIn {
			return Account{}, fmt.Errorf("%w: %s", danmaku.ErrNotAuthenticated, apiErr.Message)
		}
		return Account{}, err
	}
	if !data.IsLogin || data.Mid <= 0 {
		return Account{}, danmaku.ErrNotAuthenticated
	}
	return Account{LoggedIn: true, UID: data.Mid, Uname: data.Uname}, nil
}

func (c *Client) ResolveIdentity(ctx context.Context) (int64, error) {
	account, err := c.Account(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Infof("resolved identity uid=%d uname=%s", account.UID, account.Uname)
	return account.UID, nil
}

// ResolveDeviceID prefers buvid3 from the cookie and otherwise asks finger/spi.
func (c *Client) ResolveDeviceID(ctx context.Context) (string, error) {
	if value := parseCookieValue(c.readCookie(), "buvid3"); value != "" {
		return value, nil
	}
	if cached := c.cachedDeviceID(); cached != "" {
		return cached, nil
	}
	data, _, err := requestJSON[fingerData](c, ctx, c.endpoints.FingerSpi, requestOptions{
		name:    "finger_spi",
		referer: "https://www.bilibili.com/",
	})
	if err != nil {
		return "", err
	}
	deviceID := strings.TrimSpace(data.B3)
	if deviceID == "" {
		return "", errors.New("finger/spi returned an empty b_3")
	}
	c.mu.Lock()
	c.deviceID = deviceID
	c.mu.Unlock()
	return deviceID, nil
}

func (c *Client) ResolveRoomID(ctx context.Context, shortRoomID int64) (int64, error) {
	target, err := withQuery(c.endpoints.RoomInit, url.Values{"id": {strconv.FormatInt(shortRoomID, 10)}})
	if err != nil {
		return 0, err
	}
	data, _, err := requestJSON[roomInitData](c, ctx, target, requestOptions{
		name:       "room_init",
		withCookie: true,
		referer:    "https://live.bilibili.com/" + strconv.FormatInt(shortRoomID, 10),
	})
	if err != nil {
		return 0, err
	}
	if data.RoomID <= 0 {
		return 0, fmt.Errorf("room_init returned room_id=%d for %d", data.RoomID, shortRoomID)
	}
	if data.RoomID != shortRoomID {
		c.logger.Infof("room %d resolved to real id %d", shortRoomID, data.RoomID)
	}
	return data.RoomID, nil
}

// ResolveGateway fetches the token and host list. A WBI signing failure is
// logged and the request goes out unsigned.
func (c *Client) ResolveGateway(ctx context.Context, roomID int64) (danmaku.Gateway, error) {
	parsed, err := url.Parse(c.endpoints.DanmuInfo)
	if err != nil {
		return danmaku.Gateway{}, err
	}
	query := parsed.Query()
	query.Set("id", strconv.FormatInt(roomID, 10))
	query.Set("type", "0")
	query.Set("web_location", "444.8")
	if err := c.signWBIQuery(ctx, query); err != nil {
		c.logger.Warnf("wbi sign failed, requesting getDanmuInfo unsigned: %v", err)
	}
	parsed.RawQuery = query.Encode()

	data, _, err := requestJSON[danmuInfoData](c, ctx, parsed.String(), requestOptions{
		name:       "danmu_info",
		withCookie: true,
		referer:    "https://live.bilibili.com/" + strconv.FormatInt(roomID, 10),
	})
	if err != nil {
		return danmaku.Gateway{}, err
	}
	if strings.TrimSpace(data.Token) == "" {
		return danmaku.Gateway{}, fmt.Errorf("%w: getDanmuInfo token is empty", danmaku.ErrNoGateway)
	}
	if len(data.HostList) == 0 {
		return danmaku.Gateway{}, fmt.Errorf("%w: getDanmuInfo host list is empty", danmaku.ErrNoGateway)
	}
	return danmaku.Gateway{Token: strings.TrimSpace(data.Token), Hosts: data.HostList}, nil
}
