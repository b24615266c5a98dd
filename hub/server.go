package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	StreamPath    = "/signalk/v1/stream"
	PlaybackPath  = "/signalk/v1/playback"
	DiscoveryPath = "/signalk"
	HealthPath    = "/health"

	TokenCookieName = "JAUTHENTICATION"
)

type ServerSettings struct {
	Transport       *TransportSettings
	ReadBufferSize  int
	WriteBufferSize int
	// nil allows any origin
	CheckOrigin func(r *http.Request) bool
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		Transport:       DefaultTransportSettings(),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// the websocket and discovery endpoints of a hub
type Server struct {
	hub      *Hub
	settings *ServerSettings
	upgrader *websocket.Upgrader
	log      LogFunction
}

func NewServerWithDefaults(hub *Hub) *Server {
	return NewServer(hub, DefaultServerSettings())
}

func NewServer(hub *Hub, settings *ServerSettings) *Server {
	checkOrigin := settings.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool {
			return true
		}
	}
	return &Server{
		hub:      hub,
		settings: settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		log: LogFn(LogLevelInfo, "server"),
	}
}

func (self *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(StreamPath, self.HandleStream)
	mux.HandleFunc(PlaybackPath, self.HandlePlayback)
	mux.HandleFunc(DiscoveryPath, self.HandleDiscovery)
	mux.HandleFunc(HealthPath, self.HandleHealth)
}

func (self *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	self.Register(mux)
	return mux
}

func (self *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	options, err := ParseSessionOptions(SessionModeRealtime, r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	self.serve(w, r, options)
}

func (self *Server) HandlePlayback(w http.ResponseWriter, r *http.Request) {
	options, err := ParseSessionOptions(SessionModePlayback, r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	self.serve(w, r, options)
}

func (self *Server) serve(w http.ResponseWriter, r *http.Request, options *SessionOptions) {
	principal, err := self.hub.security.AuthorizeWS(RequestToken(r))
	if err != nil {
		self.log("%s unauthorized = %s", r.RemoteAddr, err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the http error
		glog.V(1).Infof("[server]upgrade %s error = %s\n", r.RemoteAddr, err)
		return
	}

	transport := NewWsTransport(self.hub.ctx, ws, r.RemoteAddr, self.settings.Transport)
	session := self.hub.Connect(transport, principal, options)
	self.hub.Start(session)

	c := func() {
		transport.Run(session)
	}
	if glog.V(2) {
		Trace(fmt.Sprintf("[server]session %s %s", session.Id(), r.RemoteAddr), c)
	} else {
		c()
	}
}

type discoveryEndpoint struct {
	Version     string `json:"version"`
	SignalkWs   string `json:"signalk-ws"`
	PlaybackWs  string `json:"signalk-playback-ws"`
	SignalkHttp string `json:"signalk-http,omitempty"`
}

type discoveryServer struct {
	Id      string `json:"id"`
	Version string `json:"version"`
}

type discoveryDocument struct {
	Endpoints map[string]*discoveryEndpoint `json:"endpoints"`
	Server    *discoveryServer              `json:"server"`
}

func (self *Server) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != DiscoveryPath && r.URL.Path != DiscoveryPath+"/" {
		http.NotFound(w, r)
		return
	}
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	document := &discoveryDocument{
		Endpoints: map[string]*discoveryEndpoint{
			"v1": {
				Version:    self.hub.settings.Version,
				SignalkWs:  fmt.Sprintf("%s://%s%s", scheme, r.Host, StreamPath),
				PlaybackWs: fmt.Sprintf("%s://%s%s", scheme, r.Host, PlaybackPath),
			},
		},
		Server: &discoveryServer{
			Id:      self.hub.settings.Name,
			Version: self.hub.settings.Version,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(document); err != nil {
		glog.V(1).Infof("[server]discovery write error = %s\n", err)
	}
}

type HealthDocument struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	// in connection order
	SessionIds []Id `json:"sessionIds"`
}

type HealthSession struct {
	Id        Id               `json:"id"`
	Mode      SessionMode      `json:"mode"`
	Subscribe SubscriptionMode `json:"subscribe"`
	SendMeta  bool             `json:"sendMeta"`
}

// `?session=<id>` describes one session
func (self *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	select {
	case <-self.hub.Done():
		http.Error(w, "stopping", http.StatusServiceUnavailable)
		return
	default:
	}

	var document any
	if sessionIdStr := r.URL.Query().Get("session"); sessionIdStr != "" {
		sessionId, err := ParseId(sessionIdStr)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid session id %s", sessionIdStr), http.StatusBadRequest)
			return
		}
		session, ok := self.hub.sessions.Get(sessionId)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		document = &HealthSession{
			Id:        session.Id(),
			Mode:      session.Mode(),
			Subscribe: session.SubscriptionMode(),
			SendMeta:  session.Options().SendMeta,
		}
	} else {
		sessions := self.hub.sessions.Sessions()
		sessionIds := make([]Id, 0, len(sessions))
		for _, session := range sessions {
			sessionIds = append(sessionIds, session.Id())
		}
		document = &HealthDocument{
			Status:     "ok",
			Sessions:   len(sessions),
			SessionIds: sessionIds,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(document); err != nil {
		glog.V(1).Infof("[server]health write error = %s\n", err)
	}
}

// parses the connection-start query parameters
// `subscribe=self|all|none`, `sendMeta=all`, `sendCachedValues=false`, `serverevents=all`,
// and for playback the required `startTime` with an optional `playbackRate`
func ParseSessionOptions(mode SessionMode, query url.Values) (*SessionOptions, error) {
	options := DefaultSessionOptions()
	options.Mode = mode

	switch subscribe := SubscriptionMode(query.Get("subscribe")); subscribe {
	case "":
	case SubscriptionModeSelf, SubscriptionModeAll, SubscriptionModeNone:
		options.Subscribe = subscribe
	default:
		return nil, fmt.Errorf("invalid subscribe=%s", subscribe)
	}
	options.SendMeta = query.Get("sendMeta") == "all"
	options.ServerEvents = query.Get("serverevents") == "all"
	if sendCachedValues := query.Get("sendCachedValues"); sendCachedValues != "" {
		send, err := strconv.ParseBool(sendCachedValues)
		if err != nil {
			return nil, fmt.Errorf("invalid sendCachedValues=%s", sendCachedValues)
		}
		options.SendCachedValues = send
	}

	startTime := query.Get("startTime")
	if mode == SessionModePlayback {
		if startTime == "" {
			return nil, fmt.Errorf("playback requires startTime")
		}
		t, err := time.Parse(time.RFC3339Nano, startTime)
		if err != nil {
			return nil, fmt.Errorf("invalid startTime=%s", startTime)
		}
		options.StartTime = t
		if playbackRate := query.Get("playbackRate"); playbackRate != "" {
			rate, err := strconv.ParseFloat(playbackRate, 64)
			if err != nil || rate <= 0 {
				return nil, fmt.Errorf("invalid playbackRate=%s", playbackRate)
			}
			options.PlaybackRate = rate
		}
	}
	return options, nil
}

// the bearer token from the authorization header, the auth cookie, or the `token` query parameter
func RequestToken(r *http.Request) string {
	if authorization := r.Header.Get("Authorization"); authorization != "" {
		for _, prefix := range []string{"Bearer ", "JWT "} {
			if strings.HasPrefix(authorization, prefix) {
				return strings.TrimSpace(authorization[len(prefix):])
			}
		}
	}
	if cookie, err := r.Cookie(TokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}
