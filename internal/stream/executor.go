// Package stream is the in-process command executor and status provider for live broadcasts.
// It keeps per-user stream and picture-in-picture state in memory and announces every change.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	devicedomain "remotecast/backend/internal/device/domain"
	"remotecast/backend/internal/validation"
)

const (
	// DefaultStreamID is used when a command does not name a stream.
	DefaultStreamID = "main"

	MsgStreamStateChanged = "streamStateChanged"
	MsgPiPStateChanged    = "pipStateChanged"
	MsgNotification       = "notification"

	maxNotificationLen = 280
	// MaxStreamsPerUser bounds the streams tracked for one user.
	MaxStreamsPerUser = 16
)

var (
	// ErrSessionExpired is returned when the issuing session lapsed before the command applied.
	ErrSessionExpired   = errors.New("session expired during execution")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrInvalidParameter = errors.New("invalid command parameter")
	ErrStreamNotLive    = errors.New("stream is not live")
	ErrTooManyStreams   = errors.New("too many streams")
)

var qualities = map[string]struct{}{"auto": {}, "1080p": {}, "720p": {}, "480p": {}, "360p": {}}

// Status of a stream.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusLive   Status = "live"
	StatusPaused Status = "paused"
)

// State is the observable state of one stream.
type State struct {
	StreamID  string    `json:"streamId"`
	Status    Status    `json:"status"`
	Volume    int       `json:"volume"`
	Quality   string    `json:"quality"`
	Bitrate   int       `json:"bitrate,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PiP is the picture-in-picture overlay state of a user.
type PiP struct {
	Enabled   bool      `json:"enabled"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Target identifies who issued a command.
type Target struct {
	UserID           string
	DeviceID         string
	SessionID        string
	SessionExpiresAt time.Time
	StreamID         string
}

// Command is a validated command type plus its parameters.
type Command struct {
	Type       devicedomain.CommandType
	Parameters map[string]any
}

// Broadcaster receives state-change announcements. Delivery is fire-and-forget.
type Broadcaster interface {
	ToUser(userID, msgType string, data any) int
	ToChannel(channelID, msgType string, data any) int
}

type userState struct {
	streams map[string]*State
	pip     PiP
}

// Executor applies commands to in-memory broadcast state. Safe for concurrent use.
type Executor struct {
	mu          sync.Mutex
	users       map[string]*userState
	broadcaster Broadcaster
	logger      *zap.Logger
	nowF        func() time.Time
}

// NewExecutor returns an Executor. A nil broadcaster disables announcements.
func NewExecutor(broadcaster Broadcaster, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		users:       make(map[string]*userState),
		broadcaster: broadcaster,
		logger:      logger,
		nowF:        time.Now,
	}
}

// ChannelID returns the broadcast channel name for a stream.
func ChannelID(streamID string) string { return "stream:" + streamID }

func (e *Executor) user(id string) *userState {
	u, ok := e.users[id]
	if !ok {
		u = &userState{streams: make(map[string]*State), pip: PiP{Width: 320, Height: 180}}
		e.users[id] = u
	}
	return u
}

func (u *userState) stream(id string) (*State, error) {
	s, ok := u.streams[id]
	if !ok {
		if len(u.streams) >= MaxStreamsPerUser {
			return nil, fmt.Errorf("%w: at most %d per user", ErrTooManyStreams, MaxStreamsPerUser)
		}
		s = &State{StreamID: id, Status: StatusIdle, Volume: 100, Quality: "auto"}
		u.streams[id] = s
	}
	return s, nil
}

// Execute applies cmd for target and returns the resulting state as a result object.
func (e *Executor) Execute(ctx context.Context, target Target, cmd Command) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := e.nowF()
	if !target.SessionExpiresAt.IsZero() && !now.Before(target.SessionExpiresAt) {
		return nil, ErrSessionExpired
	}
	if _, ok := devicedomain.RequiredCapability(cmd.Type); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
	}
	streamID := target.StreamID
	if id, ok := cmd.Parameters["streamId"].(string); ok && id != "" {
		streamID = id
	}
	if streamID == "" {
		streamID = DefaultStreamID
	}
	if err := validation.Var(streamID, "stream_id"); err != nil {
		return nil, fmt.Errorf("%w: streamId must be 1-64 letters, digits, dashes or underscores", ErrInvalidParameter)
	}

	switch cmd.Type {
	case devicedomain.CommandSendNotification:
		return e.notify(target, cmd.Parameters, now)
	case devicedomain.CommandPiPEnable, devicedomain.CommandPiPDisable,
		devicedomain.CommandPiPMove, devicedomain.CommandPiPResize:
		return e.applyPiP(target, cmd, now)
	}

	e.mu.Lock()
	s, err := e.user(target.UserID).stream(streamID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if err := applyStream(s, cmd); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	s.UpdatedAt = now
	snapshot := *s
	b := e.broadcaster
	e.mu.Unlock()

	if b != nil {
		b.ToUser(target.UserID, MsgStreamStateChanged, snapshot)
		b.ToChannel(ChannelID(streamID), MsgStreamStateChanged, snapshot)
	}
	e.logger.Debug("stream: command applied",
		zap.String("command", string(cmd.Type)), zap.String("stream_id", streamID),
		zap.String("device_id", target.DeviceID), zap.String("status", string(snapshot.Status)))
	return map[string]any{"command": string(cmd.Type), "stream": snapshot}, nil
}

func applyStream(s *State, cmd Command) error {
	switch cmd.Type {
	case devicedomain.CommandStartStream:
		s.Status = StatusLive
	case devicedomain.CommandStopStream:
		s.Status = StatusIdle
	case devicedomain.CommandPause:
		if s.Status == StatusIdle {
			// Pausing an idle stream is a no-op.
			return nil
		}
		s.Status = StatusPaused
	case devicedomain.CommandResume:
		if s.Status == StatusIdle {
			return ErrStreamNotLive
		}
		s.Status = StatusLive
	case devicedomain.CommandSetVolume:
		v, err := intParam(cmd.Parameters, "volume", 0, 100)
		if err != nil {
			return err
		}
		s.Volume = v
	case devicedomain.CommandSetQuality:
		q, _ := cmd.Parameters["quality"].(string)
		if _, ok := qualities[q]; !ok {
			return fmt.Errorf("%w: quality %q", ErrInvalidParameter, q)
		}
		s.Quality = q
	case devicedomain.CommandSetBitrate:
		v, err := intParam(cmd.Parameters, "bitrate", 100, 50000)
		if err != nil {
			return err
		}
		s.Bitrate = v
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
	}
	return nil
}

func (e *Executor) applyPiP(target Target, cmd Command, now time.Time) (map[string]any, error) {
	e.mu.Lock()
	u := e.user(target.UserID)
	next := u.pip
	switch cmd.Type {
	case devicedomain.CommandPiPEnable:
		next.Enabled = true
	case devicedomain.CommandPiPDisable:
		next.Enabled = false
	case devicedomain.CommandPiPMove:
		x, err := intParam(cmd.Parameters, "x", 0, 10000)
		if err == nil {
			next.Y, err = intParam(cmd.Parameters, "y", 0, 10000)
		}
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		next.X = x
	case devicedomain.CommandPiPResize:
		w, err := intParam(cmd.Parameters, "width", 80, 3840)
		if err == nil {
			next.Height, err = intParam(cmd.Parameters, "height", 45, 2160)
		}
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		next.Width = w
	}
	next.UpdatedAt = now
	u.pip = next
	b := e.broadcaster
	e.mu.Unlock()

	if b != nil {
		b.ToUser(target.UserID, MsgPiPStateChanged, next)
	}
	return map[string]any{"command": string(cmd.Type), "pip": next}, nil
}

func (e *Executor) notify(target Target, params map[string]any, now time.Time) (map[string]any, error) {
	msg, _ := params["message"].(string)
	if msg == "" || len(msg) > maxNotificationLen {
		return nil, fmt.Errorf("%w: message", ErrInvalidParameter)
	}
	level, _ := params["level"].(string)
	if level == "" {
		level = "info"
	}
	payload := map[string]any{"message": msg, "level": level, "deviceId": target.DeviceID, "sentAt": now}
	delivered := 0
	e.mu.Lock()
	b := e.broadcaster
	e.mu.Unlock()
	if b != nil {
		delivered = b.ToUser(target.UserID, MsgNotification, payload)
	}
	return map[string]any{"command": string(devicedomain.CommandSendNotification), "delivered": delivered}, nil
}

// intParam reads a JSON number parameter and checks it against [lo, hi].
func intParam(params map[string]any, key string, lo, hi int) (int, error) {
	var v int
	switch n := params[key].(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParameter, key)
		}
		v = int(n)
	case int:
		v = n
	default:
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidParameter, key)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidParameter, key, lo, hi)
	}
	return v, nil
}

// Streams returns the user's streams ordered by id.
func (e *Executor) Streams(_ context.Context, userID string) ([]State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.users[userID]
	if !ok {
		return []State{}, nil
	}
	out := make([]State, 0, len(u.streams))
	for _, s := range u.streams {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out, nil
}

// PiP returns the user's picture-in-picture state.
func (e *Executor) PiP(_ context.Context, userID string) (PiP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.users[userID]; ok {
		return u.pip, nil
	}
	return PiP{Width: 320, Height: 180}, nil
}
