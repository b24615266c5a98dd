package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/bringyour/deltahub/hub"
)

const DeltaCtlVersion = "0.0.1"

const DefaultUrl = "ws://localhost:3000"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Delta hub control.

The default url is:
    url: ws://localhost:3000

Usage:
    deltactl login [--url=<url>] --username=<username> [--password=<password>] [--v=<v>]
    deltactl token-info --token=<token>
    deltactl put [--url=<url>] [--token=<token>]
        --context=<context>
        --path=<path>
        --value=<value>
        [--source=<source>]
        [--timeout=<timeout>]
        [--v=<v>]
    deltactl sink [--url=<url>] [--token=<token>]
        [--subscribe=<subscribe>]
        [--playback --start_time=<start_time>]
        [--message_count=<message_count>]
        [--v=<v>]
    deltactl provide [--url=<url>] [--token=<token>]
        --path=<path>
        --value=<value>
        [--context=<context>]
        [--source=<source>]
        [--v=<v>]
    deltactl status [--url=<url>] [--session=<session_id>]
    deltactl -h | --help
    deltactl --version

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --url=<url>                      Hub url.
    --username=<username>
    --password=<password>            Prompted when not given.
    --token=<token>                  A token from login.
    --context=<context>              e.g. vessels.self
    --path=<path>                    e.g. steering.autopilot.target.headingTrue
    --value=<value>                  A json value.
    --source=<source>                The $source of the provider to route to.
    --timeout=<timeout>              Wait this long for the reply [default: 30s].
    --subscribe=<subscribe>          self, all or none.
    --playback                       Replay history.
    --start_time=<start_time>        RFC3339 playback start.
    --message_count=<message_count>  Print this many messages then exit.
    --session=<session_id>           Describe one session.
    --v=<v>                          Log verbosity, 2 traces the dial [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DeltaCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if v, err := opts.String("--v"); err == nil {
		flag.Set("v", v)
	}
	flag.CommandLine.Parse([]string{})

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if tokenInfo_, _ := opts.Bool("token-info"); tokenInfo_ {
		tokenInfo(opts)
	} else if put_, _ := opts.Bool("put"); put_ {
		put(opts)
	} else if sink_, _ := opts.Bool("sink"); sink_ {
		sink(opts)
	} else if provide_, _ := opts.Bool("provide"); provide_ {
		provide(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	}
}

func hubUrl(opts docopt.Opts, path string, query url.Values) string {
	base, err := opts.String("--url")
	if err != nil || base == "" {
		base = DefaultUrl
	}
	u, err := url.Parse(base)
	if err != nil {
		Err.Fatalf("Invalid url (%s).", err)
	}
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func dial(ctx context.Context, wsUrl string, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	connect := func() (*websocket.Conn, error) {
		ws, _, err := dialer.DialContext(ctx, wsUrl, header)
		return ws, err
	}
	if glog.V(2) {
		return hub.TraceWithReturnError(fmt.Sprintf("[dial]%s", wsUrl), connect)
	}
	return connect()
}

// reads frames until one is the completed reply to the request
func awaitReply(ws *websocket.Conn, requestId string, timeout time.Duration) (*hub.ReplyFrame, error) {
	deadline := time.Now().Add(timeout)
	ws.SetReadDeadline(deadline)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		reply := &hub.ReplyFrame{}
		if err := json.Unmarshal(message, reply); err != nil {
			continue
		}
		if reply.RequestId == requestId && reply.IsCompleted() {
			return reply, nil
		}
	}
}

func login(opts docopt.Opts) {
	username, _ := opts.String("--username")
	password, err := opts.String("--password")
	if err != nil || password == "" {
		fmt.Fprintf(os.Stderr, "Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintf(os.Stderr, "\n")
		if err != nil {
			Err.Fatalf("Could not read password (%s).", err)
		}
		password = string(passwordBytes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	query := url.Values{}
	query.Set("subscribe", string(hub.SubscriptionModeNone))
	ws, err := dial(ctx, hubUrl(opts, hub.StreamPath, query), "")
	if err != nil {
		Err.Fatalf("Could not connect (%s).", err)
	}
	defer ws.Close()

	requestId := hub.NewId().String()
	loginFrame := map[string]any{
		"requestId": requestId,
		"login": &hub.LoginCommand{
			Username: username,
			Password: password,
		},
	}
	if err := ws.WriteJSON(loginFrame); err != nil {
		Err.Fatalf("Could not send login (%s).", err)
	}
	reply, err := awaitReply(ws, requestId, 30*time.Second)
	if err != nil {
		Err.Fatalf("No login reply (%s).", err)
	}
	if reply.StatusCode != http.StatusOK || reply.Login == nil {
		Err.Fatalf("Login failed (%d %s).", reply.StatusCode, reply.Message)
	}
	Out.Printf("%s", reply.Login.Token)
}

func tokenInfo(opts docopt.Opts) {
	token, _ := opts.String("--token")

	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		Err.Fatalf("Invalid token (%s).", err)
	}
	Out.Printf("id: %v", claims["id"])
	Out.Printf("permissions: %v", claims["permissions"])
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		Out.Printf("expires: %s", exp.Time.Format(time.RFC3339))
	}
}

func parseValue(opts docopt.Opts) any {
	valueStr, _ := opts.String("--value")
	var value any
	if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
		// not json, send as a string
		return valueStr
	}
	return value
}

func put(opts docopt.Opts) {
	token, _ := opts.String("--token")
	deltaContext, _ := opts.String("--context")
	path, _ := opts.String("--path")
	source, _ := opts.String("--source")
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		Err.Fatalf("Invalid timeout (%s).", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	query := url.Values{}
	query.Set("subscribe", string(hub.SubscriptionModeNone))
	ws, err := dial(ctx, hubUrl(opts, hub.StreamPath, query), token)
	if err != nil {
		Err.Fatalf("Could not connect (%s).", err)
	}
	defer ws.Close()

	requestId := hub.NewId().String()
	putFrame := &hub.PutCommandFrame{
		RequestId: requestId,
		Context:   deltaContext,
		Put: &hub.PutCommand{
			Path:   path,
			Value:  parseValue(opts),
			Source: source,
		},
	}
	if err := ws.WriteJSON(putFrame); err != nil {
		Err.Fatalf("Could not send put (%s).", err)
	}
	reply, err := awaitReply(ws, requestId, timeout)
	if err != nil {
		Err.Fatalf("No put reply (%s).", err)
	}
	if reply.Message != "" {
		Out.Printf("%d %s", reply.StatusCode, reply.Message)
	} else {
		Out.Printf("%d", reply.StatusCode)
	}
	if reply.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

// prints frames
func sink(opts docopt.Opts) {
	token, _ := opts.String("--token")

	var messageCount int
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	} else {
		messageCount = -1
	}

	query := url.Values{}
	if subscribe, err := opts.String("--subscribe"); err == nil && subscribe != "" {
		query.Set("subscribe", subscribe)
	}
	path := hub.StreamPath
	if playback, _ := opts.Bool("--playback"); playback {
		startTime, _ := opts.String("--start_time")
		query.Set("startTime", startTime)
		path = hub.PlaybackPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws, err := dial(ctx, hubUrl(opts, path, query), token)
	if err != nil {
		Err.Fatalf("Could not connect (%s).", err)
	}
	defer ws.Close()

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				Err.Printf("Closed (%d %s).", closeErr.Code, closeErr.Text)
				return
			}
			Err.Fatalf("Read error (%s).", err)
		}
		Out.Printf("%s", message)
	}
}

// publishes a value as a data source and accepts puts to it
func provide(opts docopt.Opts) {
	token, _ := opts.String("--token")
	deltaContext, err := opts.String("--context")
	if err != nil || deltaContext == "" {
		deltaContext = "vessels.self"
	}
	path, _ := opts.String("--path")
	source, err := opts.String("--source")
	if err != nil || source == "" {
		source = "deltactl"
	}
	value := parseValue(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	query := url.Values{}
	query.Set("subscribe", string(hub.SubscriptionModeNone))
	ws, err := dial(ctx, hubUrl(opts, hub.StreamPath, query), token)
	if err != nil {
		Err.Fatalf("Could not connect (%s).", err)
	}
	defer ws.Close()

	publish := func(value any) error {
		return ws.WriteJSON(&hub.Delta{
			Context: deltaContext,
			Updates: []*hub.Update{
				{
					SourceRef: source,
					Timestamp: hub.FormatTimestamp(time.Now()),
					Values: []hub.PathValue{
						{Path: path, Value: value},
					},
				},
			},
		})
	}
	if err := publish(value); err != nil {
		Err.Fatalf("Could not publish (%s).", err)
	}
	Out.Printf("Providing %s %s as %s.", deltaContext, path, source)

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			Err.Fatalf("Read error (%s).", err)
		}
		var putFrame hub.PutCommandFrame
		if err := json.Unmarshal(message, &putFrame); err != nil || putFrame.Put == nil {
			continue
		}
		Out.Printf("put %s = %v", putFrame.Put.Path, putFrame.Put.Value)

		reply := &hub.ReplyFrame{
			RequestId:  putFrame.RequestId,
			State:      hub.RequestStateCompleted,
			StatusCode: http.StatusOK,
		}
		if putFrame.Put.Path != path {
			reply.StatusCode = http.StatusMethodNotAllowed
			reply.Message = fmt.Sprintf("%s is not provided", putFrame.Put.Path)
		}
		if err := ws.WriteJSON(reply); err != nil {
			Err.Fatalf("Could not reply (%s).", err)
		}
		if reply.StatusCode == http.StatusOK {
			if err := publish(putFrame.Put.Value); err != nil {
				Err.Fatalf("Could not publish (%s).", err)
			}
		}
	}
}

// the http url of a hub path. The hub url may use a ws scheme.
func httpUrl(opts docopt.Opts, path string, query url.Values) string {
	u, err := url.Parse(hubUrl(opts, path, query))
	if err != nil {
		Err.Fatalf("Invalid url (%s).", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.String()
}

func getJson(u string, document any) {
	client := &http.Client{
		Timeout: 15 * time.Second,
	}
	response, err := client.Get(u)
	if err != nil {
		Err.Fatalf("Could not get status (%s).", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		Err.Fatalf("Status failed (%s).", response.Status)
	}
	if err := json.NewDecoder(response.Body).Decode(document); err != nil {
		Err.Fatalf("Invalid status (%s).", err)
	}
}

// prints the live sessions, or one session
func status(opts docopt.Opts) {
	sessionIdStr, err := opts.String("--session")
	if err == nil && sessionIdStr != "" {
		sessionId, err := hub.ParseId(sessionIdStr)
		if err != nil {
			Err.Fatalf("Invalid session id (%s).", err)
		}
		query := url.Values{}
		query.Set("session", sessionId.String())
		healthSession := &hub.HealthSession{}
		getJson(httpUrl(opts, hub.HealthPath, query), healthSession)
		Out.Printf("id: %s", healthSession.Id)
		Out.Printf("mode: %s", healthSession.Mode)
		Out.Printf("subscribe: %s", healthSession.Subscribe)
		Out.Printf("sendMeta: %t", healthSession.SendMeta)
		return
	}

	document := &hub.HealthDocument{}
	getJson(httpUrl(opts, hub.HealthPath, nil), document)
	Out.Printf("status: %s", document.Status)
	Out.Printf("sessions: %d", document.Sessions)
	for _, sessionId := range document.SessionIds {
		Out.Printf("  %s", sessionId)
	}
}
