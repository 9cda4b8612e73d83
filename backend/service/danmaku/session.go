package danmaku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bilibililivetools/livetts/backend/metrics"
)

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "state_" + strconv.Itoa(int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrAlreadyConnected = errors.New("session is already connecting or open")
	ErrRoomResolve      = errors.New("resolve real room id failed")
	ErrNoGateway        = errors.New("no usable gateway")
	ErrNotAuthenticated = errors.New("credential is not authenticated")
	ErrAuthRejected     = errors.New("room authentication rejected")
	ErrSessionClosed    = errors.New("session closed")
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	writeTimeout             = 10 * time.Second
	closeWait                = 2 * time.Second
	minReadTimeout           = 60 * time.Second
	gatewayPath              = "/sub"
	securePort               = 443
	authProtover             = 3
	authType                 = 2
	defaultPlatform          = "web"
	userAgent                = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

type GatewayHost struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WSSPort int    `json:"wss_port"`
	WSPort  int    `json:"ws_port"`
}

// URL is the secure socket address for the host; the port is omitted when it is 443.
func (h GatewayHost) URL() string {
	host := strings.TrimSpace(h.Host)
	if h.WSSPort > 0 && h.WSSPort != securePort {
		host = fmt.Sprintf("%s:%d", host, h.WSSPort)
	}
	return (&url.URL{Scheme: "wss", Host: host, Path: gatewayPath}).String()
}

type Gateway struct {
	Token string
	Hosts []GatewayHost
}

// SelectGateway prefers the first host advertising the secure port and falls
// back to the first usable entry.
func SelectGateway(hosts []GatewayHost) (GatewayHost, bool) {
	for _, host := range hosts {
		if strings.TrimSpace(host.Host) != "" && host.WSSPort == securePort {
			return host, true
		}
	}
	for _, host := range hosts {
		if strings.TrimSpace(host.Host) != "" {
			return host, true
		}
	}
	return GatewayHost{}, false
}

// Resolver performs the HTTP lookups that precede a socket connection.
type Resolver interface {
	HasCredential() bool
	CookieHeader(deviceID string) string
	ResolveIdentity(ctx context.Context) (int64, error)
	ResolveDeviceID(ctx context.Context) (string, error)
	ResolveRoomID(ctx context.Context, shortRoomID int64) (int64, error)
	ResolveGateway(ctx context.Context, roomID int64) (Gateway, error)
}

// Handler receives everything the session produces. Calls come from the
// session's reader goroutine and must not block for long.
type Handler interface {
	HandleEvent(ev Event)
	HandleStatus(status Status)
}

type Status struct {
	State         ConnectionState
	ShortRoomID   int64
	RoomID        int64
	Authenticated bool
	// Lost is set when an open connection ended without Close being called.
	Lost bool
	Err  error
}

type SessionInfo struct {
	ShortRoomID  int64  `json:"shortRoomId"`
	RealRoomID   int64  `json:"roomId"`
	GatewayHost  string `json:"gatewayHost"`
	GatewayToken string `json:"-"`
	UID          int64  `json:"uid"`
	DeviceID     string `json:"deviceId"`
}

type DialFunc func(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error)

type Options struct {
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	Platform          string
	Dial              DialFunc
	Logger            *zap.SugaredLogger
}

type authPayload struct {
	UID      int64  `json:"uid"`
	RoomID   int64  `json:"roomid"`
	Protover int    `json:"protover"`
	Platform string `json:"platform"`
	Type     int    `json:"type"`
	Buvid    string `json:"buvid,omitempty"`
	Key      string `json:"key"`
}

// Session is one room connection: identity and gateway resolution, the
// socket, and its heartbeat. At most one socket is live at a time.
type Session struct {
	resolver Resolver
	handler  Handler
	unpacker *Unpacker
	opts     Options
	logger   *zap.SugaredLogger

	mu            sync.Mutex
	state         ConnectionState
	info          SessionInfo
	conn          *websocket.Conn
	cancel        context.CancelFunc
	connectCancel context.CancelFunc
	done          chan struct{}

	writeMu sync.Mutex
}

func NewSession(resolver Resolver, handler Handler, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if strings.TrimSpace(opts.Platform) == "" {
		opts.Platform = defaultPlatform
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial(opts.HandshakeTimeout)
	}
	return &Session{
		resolver: resolver,
		handler:  handler,
		unpacker: NewUnpacker(opts.Logger),
		opts:     opts,
		logger:   opts.Logger,
		state:    StateIdle,
	}
}

func defaultDial(timeout time.Duration) DialFunc {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	return func(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, rawURL, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("%w (http=%d)", err, resp.StatusCode)
			}
			return nil, err
		}
		return conn, nil
	}
}

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Connect resolves the room and gateway, opens the socket and authenticates.
// Room and gateway failures abort the attempt and leave the session idle.
func (s *Session) Connect(ctx context.Context, shortRoomID int64) error {
	if shortRoomID <= 0 {
		return fmt.Errorf("%w: invalid room id %d", ErrRoomResolve, shortRoomID)
	}
	ctx, connectCancel := context.WithCancel(ctx)
	defer connectCancel()

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", ErrAlreadyConnected, state)
	}
	s.state = StateConnecting
	s.connectCancel = connectCancel
	s.info = SessionInfo{ShortRoomID: shortRoomID}
	s.mu.Unlock()
	s.publishStatus(Status{State: StateConnecting, ShortRoomID: shortRoomID})

	info, host, err := s.resolve(ctx, shortRoomID)
	if err != nil {
		s.abortConnect(shortRoomID, err)
		return err
	}

	wsURL := host.URL()
	s.logger.Infof("dial room=%d short=%d url=%s uid=%d", info.RealRoomID, shortRoomID, wsURL, info.UID)
	conn, err := s.opts.Dial(ctx, wsURL, s.dialHeader(info))
	if err != nil {
		err = fmt.Errorf("dial %s: %w", wsURL, err)
		s.abortConnect(shortRoomID, err)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	if s.state != StateConnecting || ctx.Err() != nil {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		s.abortConnect(shortRoomID, ErrSessionClosed)
		return ErrSessionClosed
	}
	s.state = StateOpen
	s.info = info
	s.conn = conn
	s.cancel = cancel
	s.connectCancel = nil
	s.done = done
	s.mu.Unlock()
	s.publishStatus(Status{State: StateOpen, ShortRoomID: shortRoomID, RoomID: info.RealRoomID})

	authBody, err := json.Marshal(authPayload{
		UID:      info.UID,
		RoomID:   info.RealRoomID,
		Protover: authProtover,
		Platform: s.opts.Platform,
		Type:     authType,
		Buvid:    info.DeviceID,
		Key:      info.GatewayToken,
	})
	if err == nil {
		err = s.write(conn, Encode(OpAuth, authBody))
	}
	if err != nil {
		err = fmt.Errorf("send auth packet: %w", err)
		s.mu.Lock()
		s.conn = nil
		s.cancel = nil
		s.done = nil
		s.info = SessionInfo{}
		s.state = StateIdle
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		close(done)
		s.publishStatus(Status{State: StateIdle, ShortRoomID: shortRoomID, RoomID: info.RealRoomID, Err: err})
		return err
	}

	go s.heartbeatLoop(connCtx, conn)
	go s.readLoop(conn, done)
	return nil
}

func (s *Session) resolve(ctx context.Context, shortRoomID int64) (SessionInfo, GatewayHost, error) {
	info := SessionInfo{ShortRoomID: shortRoomID}
	if s.resolver.HasCredential() {
		uid, err := s.resolver.ResolveIdentity(ctx)
		switch {
		case err == nil:
			info.UID = uid
		case errors.Is(err, ErrNotAuthenticated):
			s.logger.Infof("credential is not logged in, connecting anonymously")
		default:
			s.logger.Warnf("resolve identity failed, connecting anonymously: %v", err)
		}
	}

	deviceID, err := s.resolver.ResolveDeviceID(ctx)
	if err != nil {
		s.logger.Warnf("resolve device id failed: %v", err)
	} else {
		info.DeviceID = deviceID
	}

	roomID, err := s.resolver.ResolveRoomID(ctx, shortRoomID)
	if err != nil {
		return info, GatewayHost{}, fmt.Errorf("%w: room %d: %w", ErrRoomResolve, shortRoomID, err)
	}
	if roomID <= 0 {
		return info, GatewayHost{}, fmt.Errorf("%w: room %d resolved to %d", ErrRoomResolve, shortRoomID, roomID)
	}
	info.RealRoomID = roomID

	gateway, err := s.resolver.ResolveGateway(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrNoGateway) {
			return info, GatewayHost{}, err
		}
		return info, GatewayHost{}, fmt.Errorf("%w: room %d: %w", ErrNoGateway, roomID, err)
	}
	host, ok := SelectGateway(gateway.Hosts)
	if !ok {
		return info, GatewayHost{}, fmt.Errorf("%w: room %d has no hosts", ErrNoGateway, roomID)
	}
	if strings.TrimSpace(gateway.Token) == "" {
		return info, GatewayHost{}, fmt.Errorf("%w: room %d returned an empty token", ErrNoGateway, roomID)
	}
	info.GatewayHost = host.Host
	info.GatewayToken = strings.TrimSpace(gateway.Token)
	return info, host, nil
}

func (s *Session) abortConnect(shortRoomID int64, err error) {
	s.mu.Lock()
	s.state = StateIdle
	s.connectCancel = nil
	s.info = SessionInfo{}
	s.mu.Unlock()
	s.logger.Warnf("connect room %d failed: %v", shortRoomID, err)
	s.publishStatus(Status{State: StateIdle, ShortRoomID: shortRoomID, Err: err})
}

func (s *Session) dialHeader(info SessionInfo) http.Header {
	header := make(http.Header)
	header.Set("User-Agent", userAgent)
	header.Set("Origin", "https://live.bilibili.com")
	header.Set("Referer", "https://live.bilibili.com/"+strconv.FormatInt(info.ShortRoomID, 10))
	if cookie := s.resolver.CookieHeader(info.DeviceID); cookie != "" {
		header.Set("Cookie", cookie)
	}
	return header
}

// Close is idempotent. It stops the heartbeat, closes the socket and clears the room.
func (s *Session) Close() {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateClosing:
		s.mu.Unlock()
		return
	case StateConnecting:
		connectCancel := s.connectCancel
		s.state = StateClosing
		s.mu.Unlock()
		if connectCancel != nil {
			connectCancel()
		}
		return
	}
	s.state = StateClosing
	conn := s.conn
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(closeWait):
			s.logger.Warnf("reader did not exit within %s", closeWait)
		}
	}
}

func (s *Session) write(conn *websocket.Conn, packet []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, packet)
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(conn, Encode(OpHeartbeat, nil)); err != nil {
				s.logger.Warnf("send heartbeat failed, closing connection: %v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) readTimeout() time.Duration {
	timeout := 3 * s.opts.HeartbeatInterval
	if timeout < minReadTimeout {
		timeout = minReadTimeout
	}
	return timeout
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.teardown(conn, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		for _, frame := range s.unpacker.Unpack(data) {
			s.dispatch(frame)
		}
	}
}

func (s *Session) dispatch(frame Frame) {
	switch frame.Kind {
	case FramePopularity:
		s.handler.HandleEvent(Popularity{Count: frame.Popularity})
	case FrameAuthReply:
		info := s.Info()
		status := Status{State: StateOpen, ShortRoomID: info.ShortRoomID, RoomID: info.RealRoomID}
		if frame.AuthCode != 0 {
			status.Err = fmt.Errorf("%w: code=%d", ErrAuthRejected, frame.AuthCode)
			s.logger.Warnf("auth reply for room %d: code=%d", info.RealRoomID, frame.AuthCode)
		} else {
			status.Authenticated = true
			s.logger.Infof("authenticated to room %d", info.RealRoomID)
		}
		s.publishStatus(status)
	case FrameCommand:
		ev, err := Classify(frame.Command)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("classify").Inc()
			s.logger.Warnf("classify command failed: %v", err)
			return
		}
		metrics.EventsClassified.WithLabelValues(string(ev.Kind())).Inc()
		s.handler.HandleEvent(ev)
	}
}

// teardown runs once per socket, from the reader goroutine.
func (s *Session) teardown(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	manual := s.state == StateClosing
	info := s.info
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.done = nil
	s.info = SessionInfo{}
	s.state = StateIdle
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close()

	status := Status{State: StateIdle, ShortRoomID: info.ShortRoomID, RoomID: info.RealRoomID, Lost: !manual}
	if manual {
		s.logger.Infof("room %d connection closed", info.RealRoomID)
	} else {
		status.Err = fmt.Errorf("connection lost: %w", cause)
		s.logger.Warnf("room %d connection lost: %v", info.RealRoomID, cause)
	}
	s.publishStatus(status)
}

func (s *Session) publishStatus(status Status) {
	metrics.ConnectionState.Set(float64(status.State))
	if s.handler != nil {
		s.handler.HandleStatus(status)
	}
}
