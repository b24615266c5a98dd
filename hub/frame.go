package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// the kind of a client frame, one per recognized top-level key
type FrameKind int

const (
	FrameKindUnknown FrameKind = iota
	FrameKindUpdates
	FrameKindSubscribe
	FrameKindUnsubscribe
	FrameKindPut
	FrameKindDelete
	FrameKindLogin
	FrameKindAccessRequest
	FrameKindQuery
	FrameKindToken
	FrameKindReply
)

func (self FrameKind) String() string {
	switch self {
	case FrameKindUpdates:
		return "updates"
	case FrameKindSubscribe:
		return "subscribe"
	case FrameKindUnsubscribe:
		return "unsubscribe"
	case FrameKindPut:
		return "put"
	case FrameKindDelete:
		return "delete"
	case FrameKindLogin:
		return "login"
	case FrameKindAccessRequest:
		return "accessRequest"
	case FrameKindQuery:
		return "query"
	case FrameKindToken:
		return "token"
	case FrameKindReply:
		return "reply"
	default:
		return "unknown"
	}
}

type RequestState string

const (
	RequestStatePending   RequestState = "PENDING"
	RequestStateCompleted RequestState = "COMPLETED"
)

type SubscribeItem struct {
	Path      string `json:"path"`
	Period    int    `json:"period,omitempty"`
	Format    string `json:"format,omitempty"`
	Policy    string `json:"policy,omitempty"`
	MinPeriod int    `json:"minPeriod,omitempty"`
}

type PutCommand struct {
	Path   string `json:"path"`
	Value  any    `json:"value"`
	Source string `json:"source,omitempty"`
}

type DeleteCommand struct {
	Path   string `json:"path"`
	Source string `json:"source,omitempty"`
}

type LoginCommand struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AccessRequestCommand struct {
	ClientId    string     `json:"clientId"`
	Description string     `json:"description"`
	Permissions Permission `json:"permissions,omitempty"`
}

// a parsed client frame. Exactly one of the payload fields is set, per `Kind`
type ClientFrame struct {
	Kind      FrameKind
	RequestId string
	Context   string

	Delta         *Delta
	Subscribe     []SubscribeItem
	Unsubscribe   []SubscribeItem
	Put           *PutCommand
	Delete        *DeleteCommand
	Login         *LoginCommand
	AccessRequest *AccessRequestCommand
	Token         string
	Reply         *ReplyFrame
}

// precedence when a frame carries more than one recognized key
var frameKeyKinds = []struct {
	key  string
	kind FrameKind
}{
	{"updates", FrameKindUpdates},
	{"subscribe", FrameKindSubscribe},
	{"unsubscribe", FrameKindUnsubscribe},
	{"put", FrameKindPut},
	{"delete", FrameKindDelete},
	{"login", FrameKindLogin},
	{"accessRequest", FrameKindAccessRequest},
	{"query", FrameKindQuery},
	{"token", FrameKindToken},
	{"state", FrameKindReply},
}

func ParseClientFrame(message []byte) (*ClientFrame, error) {
	message = bytes.TrimSpace(message)
	if len(message) == 0 {
		return nil, ErrEmptyFrame
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(message, &fields); err != nil {
		return nil, err
	}

	frame := &ClientFrame{}
	if raw, ok := fields["requestId"]; ok {
		if err := json.Unmarshal(raw, &frame.RequestId); err != nil {
			return nil, fmt.Errorf("requestId: %w", err)
		}
	}
	if raw, ok := fields["context"]; ok {
		if err := json.Unmarshal(raw, &frame.Context); err != nil {
			return nil, fmt.Errorf("context: %w", err)
		}
	}

	for _, keyKind := range frameKeyKinds {
		if raw, ok := fields[keyKind.key]; ok {
			frame.Kind = keyKind.kind
			if err := frame.decode(raw, message); err != nil {
				return nil, fmt.Errorf("%s: %w", keyKind.key, err)
			}
			return frame, nil
		}
	}
	return nil, ErrUnknownFrame
}

func (self *ClientFrame) decode(raw json.RawMessage, message []byte) error {
	switch self.Kind {
	case FrameKindUpdates:
		delta := &Delta{}
		if err := json.Unmarshal(message, delta); err != nil {
			return err
		}
		self.Delta = delta
		return nil
	case FrameKindSubscribe:
		return json.Unmarshal(raw, &self.Subscribe)
	case FrameKindUnsubscribe:
		return json.Unmarshal(raw, &self.Unsubscribe)
	case FrameKindPut:
		self.Put = &PutCommand{}
		return json.Unmarshal(raw, self.Put)
	case FrameKindDelete:
		self.Delete = &DeleteCommand{}
		return json.Unmarshal(raw, self.Delete)
	case FrameKindLogin:
		self.Login = &LoginCommand{}
		return json.Unmarshal(raw, self.Login)
	case FrameKindAccessRequest:
		self.AccessRequest = &AccessRequestCommand{}
		return json.Unmarshal(raw, self.AccessRequest)
	case FrameKindQuery:
		var query bool
		if err := json.Unmarshal(raw, &query); err != nil {
			return err
		}
		if !query || self.RequestId == "" {
			return fmt.Errorf("query requires requestId and query=true")
		}
		return nil
	case FrameKindToken:
		return json.Unmarshal(raw, &self.Token)
	case FrameKindReply:
		self.Reply = &ReplyFrame{}
		if err := json.Unmarshal(message, self.Reply); err != nil {
			return err
		}
		if self.Reply.RequestId == "" {
			return fmt.Errorf("reply requires requestId")
		}
		return nil
	default:
		return ErrUnknownFrame
	}
}

// server -> client frames

type HelloFrame struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Self         string   `json:"self"`
	Roles        []string `json:"roles"`
	Timestamp    string   `json:"timestamp,omitempty"`
	StartTime    string   `json:"startTime,omitempty"`
	PlaybackRate float64  `json:"playbackRate,omitempty"`
}

type LoginReply struct {
	Token      string `json:"token"`
	TimeToLive int64  `json:"timeToLive,omitempty"`
}

type AccessRequestReply struct {
	Permission Permission `json:"permission,omitempty"`
	Token      string     `json:"token,omitempty"`
}

type ReplyFrame struct {
	RequestId     string              `json:"requestId"`
	State         RequestState        `json:"state"`
	StatusCode    int                 `json:"statusCode"`
	Message       string              `json:"message,omitempty"`
	Login         *LoginReply         `json:"login,omitempty"`
	AccessRequest *AccessRequestReply `json:"accessRequest,omitempty"`
}

func (self *ReplyFrame) IsCompleted() bool {
	return self.State == RequestStateCompleted
}

type PutCommandFrame struct {
	RequestId string      `json:"requestId"`
	Context   string      `json:"context"`
	Put       *PutCommand `json:"put"`
}

type DeleteCommandFrame struct {
	RequestId string         `json:"requestId"`
	Context   string         `json:"context"`
	Delete    *DeleteCommand `json:"delete"`
}

type AuxType string

const (
	AuxTypeLog                AuxType = "LOG"
	AuxTypeVesselInfo         AuxType = "VESSEL_INFO"
	AuxTypeDebugSettings      AuxType = "DEBUG_SETTINGS"
	AuxTypeReceiveLoginStatus AuxType = "RECEIVE_LOGIN_STATUS"
	AuxTypeSourcePriorities   AuxType = "SOURCEPRIORITIES"
)

type AuxFrame struct {
	Type AuxType `json:"type"`
	Data any     `json:"data"`
}

// sent before a session is terminated by the server
type ErrorFrame struct {
	ErrorMessage string `json:"errorMessage"`
	Reconnect    bool   `json:"reconnect,omitempty"`
}

func EncodeFrame(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
