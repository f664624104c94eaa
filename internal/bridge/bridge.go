// Package bridge connects weaver to the browser extension over a WebSocket.
//
// The extension streams lifecycle events and router requests; weaver sends
// tab commands and waits for their results. Exactly one extension connection
// is served at a time: a new connection replaces the old one and fails every
// command still pending on it.
package bridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/errors"
	"github.com/hpungsan/weaver/internal/router"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

// DefaultCommandTimeout bounds how long a command waits for its result.
const DefaultCommandTimeout = 10 * time.Second

// eventBuffer is the number of lifecycle events queued before the reader blocks.
const eventBuffer = 256

// errNotConnected is returned by commands when no extension is connected.
var errNotConnected = stderrors.New("no extension connected")

// Dispatcher answers router requests. router.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw json.RawMessage, sender router.Sender) any
}

// Bridge is a browser.Browser backed by the connected extension.
type Bridge struct {
	timeout    time.Duration
	origins    []string
	dispatcher Dispatcher
	log        zerolog.Logger
	events     chan browser.Event

	mu      sync.Mutex
	current *conn
	// baseCtx is cancelled by Close; request handlers derive from it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithCommandTimeout sets how long commands wait for a result.
func WithCommandTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithAllowedOrigins restricts which Origin headers may connect. Empty allows
// browser extension origins and non-browser clients without an Origin.
func WithAllowedOrigins(origins []string) Option {
	return func(b *Bridge) { b.origins = origins }
}

// WithDispatcher routes "message" frames to d.
func WithDispatcher(d Dispatcher) Option {
	return func(b *Bridge) { b.dispatcher = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// New creates a bridge with no connection.
func New(opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		timeout: DefaultCommandTimeout,
		log:     zerolog.Nop(),
		events:  make(chan browser.Event, eventBuffer),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetDispatcher sets the router after construction. The router depends on
// the bridge as its browser, so it is usually built second.
func (b *Bridge) SetDispatcher(d Dispatcher) {
	b.mu.Lock()
	b.dispatcher = d
	b.mu.Unlock()
}

// Events returns the lifecycle event stream. It is never closed.
func (b *Bridge) Events() <-chan browser.Event {
	return b.events
}

// Connected reports whether an extension is connected.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

// Handler returns the HTTP handler that accepts the extension's WebSocket.
func (b *Bridge) Handler() http.Handler {
	return websocket.Server{
		Handshake: b.handshake,
		Handler:   b.serve,
	}
}

// Close drops the current connection and stops in-flight request handlers.
func (b *Bridge) Close() {
	b.cancel()
	b.mu.Lock()
	c := b.current
	b.current = nil
	b.mu.Unlock()
	if c != nil {
		c.close(errNotConnected)
	}
}

func (b *Bridge) handshake(cfg *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if !b.originAllowed(origin) {
		return fmt.Errorf("origin %q not allowed", origin)
	}
	var err error
	cfg.Origin, err = websocket.Origin(cfg, r)
	return err
}

func (b *Bridge) originAllowed(origin string) bool {
	if len(b.origins) == 0 {
		return origin == "" ||
			strings.HasPrefix(origin, "chrome-extension://") ||
			strings.HasPrefix(origin, "moz-extension://")
	}
	for _, o := range b.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// conn is one extension connection.
type conn struct {
	ws     *websocket.Conn
	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	err     error
	done    chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, pending: make(map[string]chan Frame), done: make(chan struct{})}
}

func (c *conn) send(f Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return websocket.JSON.Send(c.ws, f)
}

// close fails pending commands with err. Safe to call more than once.
func (c *conn) close(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.pending = make(map[string]chan Frame)
	close(c.done)
	c.mu.Unlock()
	_ = c.ws.Close()
}

func (c *conn) register(id string) (chan Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan Frame, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *conn) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) resolve(f Frame) bool {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

func (b *Bridge) serve(ws *websocket.Conn) {
	c := newConn(ws)

	b.mu.Lock()
	old := b.current
	b.current = c
	b.mu.Unlock()
	if old != nil {
		b.log.Warn().Msg("extension reconnected, replacing previous connection")
		old.close(stderrors.New("connection replaced"))
	}
	b.log.Info().Str("remote", ws.Request().RemoteAddr).Msg("extension connected")

	defer func() {
		b.mu.Lock()
		if b.current == c {
			b.current = nil
		}
		b.mu.Unlock()
		c.close(errNotConnected)
		b.log.Info().Msg("extension disconnected")
	}()

	for {
		var f Frame
		if err := websocket.JSON.Receive(ws, &f); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) {
				b.log.Warn().Err(err).Msg("malformed frame")
				continue
			}
			return
		}
		b.handleFrame(c, f)
	}
}

func (b *Bridge) handleFrame(c *conn, f Frame) {
	if ev, ok := f.event(); ok {
		select {
		case b.events <- ev:
		case <-c.done:
		}
		return
	}

	switch f.Type {
	case FrameResult:
		if !c.resolve(f) {
			b.log.Debug().Str("id", f.ID).Msg("result for unknown command")
		}
	case FrameMessage:
		go b.answer(c, f)
	default:
		b.log.Debug().Str("type", f.Type).Msg("ignoring frame")
	}
}

// answer runs a router request and sends the reply. It runs on its own
// goroutine because handlers issue commands whose results arrive on the
// reader.
func (b *Bridge) answer(c *conn, f Frame) {
	b.mu.Lock()
	d := b.dispatcher
	b.mu.Unlock()

	var resp any
	if d == nil {
		resp = router.ErrorResponse{Error: "router unavailable", Code: errors.ErrHostUnavailable}
	} else {
		var sender router.Sender
		if f.Sender != nil {
			sender = *f.Sender
		}
		resp = d.Dispatch(b.baseCtx, f.Message, sender)
	}

	if err := c.send(Frame{Type: FrameReply, ID: f.ID, Response: resp}); err != nil {
		b.log.Warn().Err(err).Str("id", f.ID).Msg("failed to send reply")
	}
}

// call sends a command and waits for its result.
func (b *Bridge) call(ctx context.Context, f Frame) (Frame, error) {
	b.mu.Lock()
	c := b.current
	b.mu.Unlock()
	if c == nil {
		return Frame{}, errors.NewHostUnavailable(f.Command, errNotConnected)
	}

	f.Type = FrameCommand
	f.ID = ulid.Make().String()
	ch, err := c.register(f.ID)
	if err != nil {
		return Frame{}, errors.NewHostUnavailable(f.Command, err)
	}
	defer c.unregister(f.ID)

	if err := c.send(f); err != nil {
		return Frame{}, errors.NewHostUnavailable(f.Command, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.OK == nil || !*res.OK {
			msg := res.Error
			if msg == "" {
				msg = "command failed"
			}
			return res, errors.NewHostUnavailable(f.Command, stderrors.New(msg))
		}
		return res, nil
	case <-c.done:
		c.mu.Lock()
		cause := c.err
		c.mu.Unlock()
		return Frame{}, errors.NewHostUnavailable(f.Command, cause)
	case <-timer.C:
		b.log.Warn().Str("command", f.Command).Int("tab_id", f.TabID).Msg("command timed out")
		return Frame{}, errors.NewTimeout(f.Command)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Query returns the live tabs matching q.
func (b *Bridge) Query(ctx context.Context, q browser.Query) ([]browser.Tab, error) {
	res, err := b.call(ctx, Frame{Command: CmdQuery, Query: &q})
	if err != nil {
		return nil, err
	}
	return res.Tabs, nil
}

// Discard unloads a tab. The returned tab may carry a new id.
func (b *Bridge) Discard(ctx context.Context, tabID int) (browser.Tab, error) {
	res, err := b.call(ctx, Frame{Command: CmdDiscard, TabID: tabID})
	if err != nil {
		return browser.Tab{}, err
	}
	if res.Tab == nil {
		return browser.Tab{ID: tabID, Discarded: true}, nil
	}
	return *res.Tab, nil
}

// Reload reloads a tab.
func (b *Bridge) Reload(ctx context.Context, tabID int) error {
	_, err := b.call(ctx, Frame{Command: CmdReload, TabID: tabID})
	return err
}

// Create opens a tab.
func (b *Bridge) Create(ctx context.Context, props browser.CreateProps) (browser.Tab, error) {
	f := Frame{Command: CmdCreate, URL: props.URL, Active: &props.Active}
	if props.WindowID != nil {
		f.WindowID = *props.WindowID
	}
	res, err := b.call(ctx, f)
	if err != nil {
		return browser.Tab{}, err
	}
	if res.Tab == nil {
		return browser.Tab{}, errors.NewHostUnavailable(CmdCreate, stderrors.New("result carries no tab"))
	}
	return *res.Tab, nil
}

// Remove closes tabs.
func (b *Bridge) Remove(ctx context.Context, tabIDs ...int) error {
	_, err := b.call(ctx, Frame{Command: CmdRemove, TabIDs: tabIDs})
	return err
}

// Focus activates a tab and its window.
func (b *Bridge) Focus(ctx context.Context, tabID int) error {
	_, err := b.call(ctx, Frame{Command: CmdFocus, TabID: tabID})
	return err
}

// RequestFormCheck asks the tab's content script to report its form state.
// It does not wait for a result; the answer arrives as FORM_DATA_DETECTED.
func (b *Bridge) RequestFormCheck(_ context.Context, tabID int) error {
	b.mu.Lock()
	c := b.current
	b.mu.Unlock()
	if c == nil {
		return errors.NewHostUnavailable(CmdFormCheck, errNotConnected)
	}
	err := c.send(Frame{Type: FrameCommand, ID: ulid.Make().String(), Command: CmdFormCheck, TabID: tabID})
	if err != nil {
		return errors.NewHostUnavailable(CmdFormCheck, err)
	}
	return nil
}

var _ browser.Browser = (*Bridge)(nil)
