// Package client is a websocket client for the collaboration server. It keeps
// a local replica, so editing continues while the connection is down, and
// replays what the server missed once it is back.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"crdt-editor/internal/crdt"
	"crdt-editor/internal/logging"
	"crdt-editor/internal/presence"
	"crdt-editor/internal/session"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	joinRef   = "join"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrClosed       = errors.New("client: closed")
)

// Status is the connection state shown to the user.
type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// RemoteError is an error frame sent by the server.
type RemoteError struct {
	session.ErrorPayload
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server: %s (%s)", e.Message, e.Code)
}

type Options struct {
	// URL is the server base url (http, https, ws or wss). The /ws path is
	// added when missing.
	URL         string
	SessionID   string
	DisplayName string
	Color       string
	// ParticipantID re-identifies a participant from an earlier connection.
	ParticipantID string

	Strategy crdt.Strategy
	// Seed is the replica id. A random one is used when empty.
	Seed string

	Reconnect  bool
	NewBackOff func() backoff.BackOff
	// HeartbeatInterval enables heartbeat frames when positive.
	HeartbeatInterval time.Duration

	OnStatus     func(Status)
	OnDisconnect func(unsent int)
	OnChange     func(text string)
	OnEvent      func(session.Frame)

	Log *logging.Logger
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

type pendingSave struct {
	ref string
	ch  chan error
}

// Client is one participant connected to one session.
type Client struct {
	opts Options
	log  *logging.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	joinOnce  sync.Once
	joined    chan error

	status atomic.Int32
	refs   atomic.Uint64

	mu            sync.Mutex
	conn          *websocket.Conn
	replica       crdt.Replica
	participantID string
	synced        bool
	edited        bool
	// encoded updates the server has not received
	outbox [][]byte
	saves  []pendingSave
}

// Dial connects, joins opts.SessionID and returns once the session snapshot
// has been merged.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.SessionID) == "" {
		return nil, errors.New("client: session id is required")
	}
	if opts.DisplayName == "" {
		opts.DisplayName = "anonymous"
	}
	if opts.Strategy == "" {
		opts.Strategy = crdt.StrategyMerge
	}
	if opts.Seed == "" {
		opts.Seed = uuid.NewString()
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	replica, err := crdt.NewReplica(opts.Strategy, opts.Seed)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:          opts,
		log:           log,
		done:          make(chan struct{}),
		joined:        make(chan error, 1),
		replica:       replica,
		participantID: opts.ParticipantID,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.setStatus(StatusConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.cancel()
		c.setStatus(StatusDisconnected)
		return nil, err
	}
	go c.run(conn)
	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(opts.HeartbeatInterval)
	}

	select {
	case err := <-c.joined:
		if err != nil {
			c.shutdown()
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		c.shutdown()
		return nil, ctx.Err()
	}
}

func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("client: bad url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := wsURL(c.opts.URL)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	c.synced = false
	if err := c.joinLocked(); err != nil {
		c.conn = nil
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) joinLocked() error {
	return c.writeLocked(session.EventJoinSession, joinRef, session.JoinRequest{
		SessionID: c.opts.SessionID,
		ParticipantInfo: session.ParticipantInfo{
			ParticipantID: c.participantID,
			DisplayName:   c.opts.DisplayName,
			Color:         c.opts.Color,
		},
	})
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.readLoop(conn)
		unsent := c.detach(conn)
		c.setStatus(StatusDisconnected)
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(unsent)
		}
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warnf("connection to session %s lost (%d unsent): %v", c.opts.SessionID, unsent, err)
		c.signalJoined(fmt.Errorf("%w: %v", ErrNotConnected, err))
		if !c.opts.Reconnect {
			return
		}
		if conn, err = c.reconnect(); err != nil {
			c.log.Errorf("giving up on session %s: %v", c.opts.SessionID, err)
			return
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		c.setStatus(StatusConnecting)
		var err error
		conn, err = c.dial(c.ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.setStatus(StatusDisconnected)
		c.log.Debugf("reconnect failed, retrying in %s: %v", wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.opts.NewBackOff(), c.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// detach forgets conn and fails pending saves. It returns the number of
// edits still waiting to be sent.
func (c *Client) detach(conn *websocket.Conn) int {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.synced = false
	saves := c.saves
	c.saves = nil
	unsent := len(c.outbox)
	c.mu.Unlock()

	conn.Close()
	for _, s := range saves {
		s.ch <- ErrNotConnected
	}
	return unsent
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var f session.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Warnf("malformed frame: %v", err)
			continue
		}
		c.handle(f)
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(f)
		}
	}
}

func (c *Client) handle(f session.Frame) {
	switch f.Type {
	case session.EventSessionJoined:
		var joined session.SessionJoined
		if err := json.Unmarshal(f.Data, &joined); err != nil {
			c.log.Errorf("decode session-joined: %v", err)
			return
		}
		c.onJoined(joined)

	case session.EventOperationReceived:
		u, err := crdt.DecodeUpdate(f.Data)
		if err != nil {
			c.log.Warnf("dropping remote update: %v", err)
			return
		}
		c.mu.Lock()
		applied, err := c.replica.ApplyRemoteUpdate(u)
		text := c.replica.Text()
		c.mu.Unlock()
		if err != nil {
			c.log.Warnf("remote update %s rejected: %v", u.ID, err)
			return
		}
		if applied && c.opts.OnChange != nil {
			c.opts.OnChange(text)
		}

	case session.EventParticipantLeft:
		var ref session.ParticipantRef
		if err := json.Unmarshal(f.Data, &ref); err != nil {
			return
		}
		c.mu.Lock()
		if ref.ParticipantID == c.participantID && c.synced {
			// removed by the server while still connected
			c.synced = false
			if c.opts.Reconnect {
				if err := c.joinLocked(); err != nil {
					c.log.Warnf("rejoin %s: %v", c.opts.SessionID, err)
				}
			}
		}
		c.mu.Unlock()

	case session.EventDocumentSaved:
		var ev session.DocumentSaved
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return
		}
		c.mu.Lock()
		mine := ev.SavedBy == c.participantID
		c.mu.Unlock()
		if mine {
			c.finishSave("", nil)
		}

	case session.EventError:
		var p session.ErrorPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.log.Errorf("decode error frame: %v", err)
			return
		}
		rerr := &RemoteError{ErrorPayload: p}
		switch {
		case f.Ref == joinRef:
			c.signalJoined(rerr)
			c.log.Warnf("join %s failed: %v", c.opts.SessionID, rerr)
		case strings.HasPrefix(f.Ref, "save-"):
			c.finishSave(f.Ref, rerr)
		default:
			c.log.Warnf("request %q failed: %v", f.Ref, rerr)
		}
	}
}

// onJoined merges the session snapshot, then sends the server everything it
// may have missed: queued updates and, after local edits, the full state.
func (c *Client) onJoined(joined session.SessionJoined) {
	c.mu.Lock()
	snap := joined.Snapshot
	if snap.Strategy != "" && snap.Strategy != c.replica.Strategy() && !c.edited {
		if r, err := crdt.NewReplica(snap.Strategy, c.opts.Seed); err == nil {
			c.replica = r
		}
	}
	if snap.Document != nil {
		if _, err := c.replica.ApplyRemoteUpdate(snap.Document); err != nil {
			c.log.Errorf("merge snapshot of %s: %v", snap.SessionID, err)
		}
	}
	c.participantID = joined.Participant.ID
	c.synced = true

	sent := 0
	for _, raw := range c.outbox {
		if err := c.writeLocked(session.EventSendOperation, "", json.RawMessage(raw)); err != nil {
			break
		}
		sent++
	}
	c.outbox = c.outbox[sent:]
	if c.edited && len(c.outbox) == 0 {
		full := c.replica.Snapshot()
		if raw, err := c.replica.EncodeUpdate(full); err == nil {
			if err := c.writeLocked(session.EventSendOperation, "", json.RawMessage(raw)); err != nil {
				c.log.Debugf("full state not sent: %v", err)
			}
		}
	}
	text := c.replica.Text()
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.signalJoined(nil)
	c.log.Infof("joined session %s as %s (%d participants)", snap.SessionID, joined.Participant.ID, len(snap.Participants))
	if c.opts.OnChange != nil {
		c.opts.OnChange(text)
	}
}

func (c *Client) signalJoined(err error) {
	c.joinOnce.Do(func() { c.joined <- err })
}

func (c *Client) finishSave(ref string, err error) {
	c.mu.Lock()
	var done *pendingSave
	for i := range c.saves {
		if ref == "" || c.saves[i].ref == ref {
			s := c.saves[i]
			done = &s
			c.saves = append(c.saves[:i], c.saves[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if done != nil {
		done.ch <- err
	}
}

func (c *Client) writeLocked(typ, ref string, data any) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	frame, err := session.EncodeFrame(typ, ref, data)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		// the read loop notices the closed conn and reconnects
		c.conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (c *Client) setStatus(s Status) {
	if Status(c.status.Swap(int32(s))) != s && c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

func (c *Client) heartbeatLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil && !errors.Is(err, ErrNotConnected) {
				c.log.Debugf("heartbeat: %v", err)
			}
		}
	}
}

// Edit replaces the local text with next. The change is applied locally at
// once and sent when connected, otherwise queued for replay.
func (c *Client) Edit(next string) error {
	return c.EditFunc(func(string) string { return next })
}

// EditFunc computes the new text from the current one without letting remote
// updates land in between.
func (c *Client) EditFunc(fn func(current string) string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	u, err := c.replica.ApplyLocalEdit(fn(c.replica.Text()))
	if err != nil || u == nil {
		return err
	}
	c.edited = true
	raw, err := c.replica.EncodeUpdate(u)
	if err != nil {
		return err
	}
	if c.synced {
		if err := c.writeLocked(session.EventSendOperation, "", json.RawMessage(raw)); err == nil {
			return nil
		}
	}
	c.outbox = append(c.outbox, raw)
	return nil
}

// Save asks the server to store content, or the current text when content is
// nil, and waits for the outcome.
func (c *Client) Save(ctx context.Context, content *string) error {
	ref := "save-" + strconv.FormatUint(c.refs.Add(1), 10)
	ch := make(chan error, 1)

	c.mu.Lock()
	if !c.synced {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if err := c.writeLocked(session.EventSaveDocument, ref, session.SaveRequest{Content: content}); err != nil {
		c.mu.Unlock()
		return err
	}
	c.saves = append(c.saves, pendingSave{ref: ref, ch: ch})
	c.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.finishSave(ref, ctx.Err())
		return ctx.Err()
	}
}

func (c *Client) send(typ string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.synced {
		return ErrNotConnected
	}
	return c.writeLocked(typ, "", data)
}

// MoveCursor publishes the caret position. Presence is not queued while
// disconnected.
func (c *Client) MoveCursor(line, column int) error {
	return c.send(session.EventMoveCursor, presence.Cursor{Line: line, Column: column, Timestamp: time.Now().UnixMilli()})
}

func (c *Client) ChangeSelection(start, end int) error {
	return c.send(session.EventChangeSelection, presence.Selection{Start: start, End: end, Timestamp: time.Now().UnixMilli()})
}

func (c *Client) Heartbeat() error {
	return c.send(session.EventHeartbeat, nil)
}

// Interrupt drops the connection without leaving the session, as a network
// failure would.
func (c *Client) Interrupt() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Text()
}

func (c *Client) Status() Status { return Status(c.status.Load()) }

func (c *Client) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// Unsent returns the number of local edits the server has not received.
func (c *Client) Unsent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// Close leaves the session and disconnects.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.synced {
			if err := c.writeLocked(session.EventLeaveSession, "", nil); err == nil {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			}
		}
		c.mu.Unlock()
		c.shutdown()
	})
	<-c.done
	return nil
}

func (c *Client) shutdown() {
	c.cancel()
	c.Interrupt()
}
