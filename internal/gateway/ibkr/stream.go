package ibkr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"possync/internal/gateway/broker"
	"possync/internal/types"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 55 * time.Second
)

// stream is one websocket connection to the gateway. A single reader
// goroutine demultiplexes ticks by conid so per-contract order is the order
// the gateway sent them.
type stream struct {
	conn  *websocket.Conn
	nowFn func() time.Time

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscription

	done      chan struct{}
	closeOnce sync.Once
}

type subscription struct {
	s     *stream
	conid string
	pos   broker.BrokerPosition

	// md is only touched by the reader goroutine.
	md marketData

	mu     sync.Mutex
	ch     chan broker.PositionUpdate
	closed bool
}

// Subscribe seeds the position terms over REST, then opens a market data
// subscription for the contract on the shared websocket.
func (c *Client) Subscribe(ctx context.Context, contract types.Contract) (broker.Subscription, error) {
	pos, err := c.position(ctx, contract)
	if err != nil {
		return nil, err
	}
	s, err := c.ensureStream(ctx)
	if err != nil {
		return nil, err
	}
	sub := &subscription{
		s:     s,
		conid: contract.ID,
		pos:   pos,
		ch:    make(chan broker.PositionUpdate, c.buffer),
	}
	s.mu.Lock()
	prev := s.subs[contract.ID]
	s.subs[contract.ID] = sub
	s.mu.Unlock()
	if prev != nil {
		prev.end()
	}
	msg := fmt.Sprintf(`smd+%s+{"fields":["%s"]}`, contract.ID, strings.Join(snapshotFields, `","`))
	if err := s.write(msg); err != nil {
		s.remove(sub)
		sub.end()
		return nil, &broker.Error{Op: "subscribe", Code: broker.CodeNotConnected, Message: "websocket write failed", Temporary: true, Err: err}
	}
	return sub, nil
}

func (c *Client) ensureStream(ctx context.Context) (*stream, error) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.stream != nil && !c.stream.isDone() {
		return c.stream, nil
	}
	if c.wsURL == "" {
		return nil, fmt.Errorf("broker.ws_url 未配置")
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  c.tlsConfig,
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, &broker.Error{Op: "connect", Code: broker.CodeNotConnected, Message: "websocket dial failed", Temporary: true, Err: err}
	}
	s := &stream{
		conn:  conn,
		nowFn: c.nowFn,
		subs:  make(map[string]*subscription),
		done:  make(chan struct{}),
	}
	go s.readLoop()
	go s.heartbeat()
	c.stream = s
	log.Infof("stream connected to %s", c.wsURL)
	return s, nil
}

func (s *stream) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) write(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isDone() {
		return broker.ErrStreamClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *stream) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write("tic"); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

func (s *stream) readLoop() {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}
		s.handle(msg)
	}
}

func (s *stream) handle(msg []byte) {
	if !gjson.ValidBytes(msg) {
		return
	}
	row := gjson.ParseBytes(msg)
	topic := row.Get("topic").String()
	switch {
	case strings.HasPrefix(topic, "smd+"):
		conid := strings.TrimPrefix(topic, "smd+")
		s.mu.Lock()
		sub := s.subs[conid]
		s.mu.Unlock()
		if sub == nil {
			return
		}
		if e := row.Get("error").String(); e != "" {
			log.Warnf("stream %s error code=%d: %s", conid, row.Get("code").Int(), e)
			s.remove(sub)
			sub.end()
			return
		}
		sub.apply(row, s.nowFn())
	case topic == "sts":
		if authed := row.Get("args.authenticated"); authed.Exists() && !authed.Bool() {
			log.Warnf("gateway session is not authenticated")
		}
	}
}

func (s *stream) remove(sub *subscription) {
	s.mu.Lock()
	if s.subs[sub.conid] == sub {
		delete(s.subs, sub.conid)
	}
	s.mu.Unlock()
}

// shutdown ends every subscription; the streamer sees closed channels and
// falls back to batch refresh.
func (s *stream) shutdown(cause error) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.mu.Lock()
		subs := s.subs
		s.subs = make(map[string]*subscription)
		s.mu.Unlock()
		for _, sub := range subs {
			sub.end()
		}
		if cause != nil && !errors.Is(cause, broker.ErrStreamClosed) && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			log.Warnf("stream closed: %v", cause)
		}
	})
}

func (s *stream) close() error {
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.shutdown(broker.ErrStreamClosed)
	return nil
}

func (sub *subscription) Updates() <-chan broker.PositionUpdate { return sub.ch }

func (sub *subscription) Close() error {
	sub.s.remove(sub)
	sub.end()
	if sub.s.isDone() {
		return nil
	}
	if err := sub.s.write("umd+" + sub.conid + "+{}"); err != nil && !errors.Is(err, broker.ErrStreamClosed) {
		return fmt.Errorf("unsubscribe %s: %w", sub.conid, err)
	}
	return nil
}

func (sub *subscription) apply(row gjson.Result, now time.Time) {
	sub.md.merge(row)
	if !sub.md.hasPrice {
		return
	}
	ts := sub.md.updated
	if ts.IsZero() {
		ts = now
	}
	sub.push(broker.PositionUpdate{Snapshot: buildSnapshot(sub.pos, sub.md, ts, types.SourceStreamed)})
}

// push never blocks the reader: when the consumer lags, the oldest pending
// tick is dropped so the newest state still arrives.
func (sub *subscription) push(u broker.PositionUpdate) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- u:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- u:
	default:
	}
}

func (sub *subscription) end() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}
