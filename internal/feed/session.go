package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sportsdata"
)

// deltaRID is the correlation id the feed uses for unsolicited delta frames.
const deltaRID = "0"

// SessionConfig holds upstream connection parameters.
type SessionConfig struct {
	URL            string
	PartnerID      int
	Language       string
	ConnectTimeout time.Duration // default 15s
	RequestTimeout time.Duration // default per-request deadline, 60s
}

// Session owns at most one duplex connection to the sportsbook feed.
//
// Responsibilities:
//   - request/response: every outbound frame carries a unique correlation id
//   - routing: inbound frames with rid "0" are deltas for the registry
//   - health: total/parse-error counters and a rolling 60s message count
//
// Send and receive are strictly serialised; the correlation map is mutated
// only under pendingMu from Request and the receive goroutine.
type Session struct {
	cfg    SessionConfig
	logger zerolog.Logger

	registry *Registry

	mu        sync.Mutex // guards conn, sessionID, connected, generation
	conn      net.Conn
	sessionID string
	connected bool
	// generation increments on every (re)connect so a stale receive loop
	// cannot tear down its successor's state.
	generation uint64

	writeMu sync.Mutex // serialises outbound frames

	pendingMu sync.Mutex
	pending   map[string]chan reply

	rid atomic.Int64

	totalMessages atomic.Int64
	parseErrors   atomic.Int64
	ring          *tsRing

	// onDown runs after a disconnect has been fully processed (pending
	// requests failed, registry cleared). The hub uses it to schedule
	// re-subscribes for groups that still have subscribers.
	onDown func()

	ensureMu sync.Mutex
}

type reply struct {
	code int64
	data sportsdata.Payload
	err  error
}

// frame is the wire shape of both directions.
type frame struct {
	RID     string             `json:"rid"`
	Command string             `json:"command,omitempty"`
	Params  sportsdata.Payload `json:"params,omitempty"`
	Code    *int64             `json:"code,omitempty"`
	Data    json.RawMessage    `json:"data,omitempty"`
}

func NewSession(cfg SessionConfig, logger zerolog.Logger) *Session {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Session{
		cfg:      cfg,
		logger:   logger.With().Str("component", "feed_session").Logger(),
		registry: NewRegistry(),
		pending:  make(map[string]chan reply),
		ring:     newTSRing(),
	}
}

// Registry exposes the subscription registry this session routes deltas into.
func (s *Session) Registry() *Registry {
	return s.registry
}

// SetOnDown registers the disconnect callback. Must be called before Ensure.
func (s *Session) SetOnDown(fn func()) {
	s.onDown = fn
}

// Connected reports whether a handshaken session is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Health returns the session counters: total inbound frames, parse errors,
// and the rolling message count for the last 60 seconds.
func (s *Session) Health() (total, parseErrors int64, rolling int) {
	return s.totalMessages.Load(),
		s.parseErrors.Load(),
		s.ring.Count(time.Now(), 60*time.Second)
}

// Ensure establishes the session if it is not already live. Idempotent and
// safe for concurrent callers; only one connect attempt runs at a time.
func (s *Session) Ensure(ctx context.Context) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()

	s.mu.Lock()
	if s.connected && s.sessionID != "" {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dialer := ws.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, _, _, err := dialer.Dial(dialCtx, s.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnectFailed, s.cfg.URL, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	go s.recvLoop(conn, gen)

	// Handshake: acquire the session token. Uses the connect timeout, not
	// the default request timeout, so a wedged handshake fails fast.
	data, err := s.Request(ctx, "request_session", sportsdata.Payload{
		"site_id":  s.cfg.PartnerID,
		"language": s.cfg.Language,
	}, s.cfg.ConnectTimeout)
	if err != nil {
		s.teardown(conn, gen)
		return fmt.Errorf("%w: handshake: %v", ErrConnectFailed, err)
	}

	sid := sportsdata.Str(data, "sid")
	if sid == "" {
		// Invariant violation: the feed must issue a session id.
		s.teardown(conn, gen)
		return fmt.Errorf("%w: handshake returned empty session id", ErrConnectFailed)
	}

	s.mu.Lock()
	s.sessionID = sid
	s.mu.Unlock()

	monitoring.UpstreamState(true)
	s.logger.Info().Str("session_id", sid).Msg("Upstream session established")
	return nil
}

// Request queues a correlated frame and awaits the matching reply.
// Fails with ErrRequestTimeout on deadline, ErrUpstreamGone if the
// connection closes first, ErrRejected when the reply code is non-zero.
func (s *Session) Request(ctx context.Context, cmd string, params sportsdata.Payload, timeout time.Duration) (sportsdata.Payload, error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	s.mu.Lock()
	conn := s.conn
	live := s.connected
	s.mu.Unlock()
	if !live || conn == nil {
		return nil, ErrUpstreamGone
	}

	rid := strconv.FormatInt(s.rid.Add(1), 10)
	ch := make(chan reply, 1)

	s.pendingMu.Lock()
	s.pending[rid] = ch
	s.pendingMu.Unlock()

	out, err := json.Marshal(frame{RID: rid, Command: cmd, Params: params})
	if err != nil {
		s.dropPending(rid)
		return nil, fmt.Errorf("marshal %s request: %w", cmd, err)
	}

	s.writeMu.Lock()
	err = wsutil.WriteClientText(conn, out)
	s.writeMu.Unlock()
	if err != nil {
		s.dropPending(rid)
		return nil, fmt.Errorf("%w: write: %v", ErrUpstreamGone, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return nil, rep.err
		}
		if rep.code != 0 {
			return rep.data, rejectionError(cmd, rep.code)
		}
		return rep.data, nil
	case <-timer.C:
		s.dropPending(rid)
		monitoring.UpstreamRequestTimeout()
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, cmd, timeout)
	case <-ctx.Done():
		s.dropPending(rid)
		return nil, ctx.Err()
	}
}

// rejectionError renders a non-zero reply code.
func rejectionError(cmd string, code int64) error {
	return fmt.Errorf("%w: %s rejected with code %d", ErrRejected, cmd, code)
}

// Subscribe issues a subscribing "get" and registers the delta callback
// under the server-issued subscription id. Returns the id and the initial
// snapshot document.
func (s *Session) Subscribe(ctx context.Context, what, where sportsdata.Payload, cb DeltaFunc, timeout time.Duration) (string, sportsdata.Payload, error) {
	params := sportsdata.Payload{
		"source":    "betting",
		"what":      what,
		"subscribe": true,
	}
	if len(where) > 0 {
		params["where"] = where
	}

	data, err := s.Request(ctx, "get", params, timeout)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			err = fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
		}
		return "", nil, err
	}

	subID := sportsdata.Str(data, "subid")
	if subID == "" {
		return "", nil, fmt.Errorf("%w: reply carried no subscription id", ErrSubscribeFailed)
	}

	initial := sportsdata.AsMap(data["data"])
	s.registry.Add(subID, initial, cb)
	return subID, initial, nil
}

// Unsubscribe cancels an upstream subscription and drops it from the
// registry. The registry entry goes first so a racing delta is ignored.
func (s *Session) Unsubscribe(ctx context.Context, subID string) error {
	s.registry.Remove(subID)
	_, err := s.Request(ctx, "unsubscribe", sportsdata.Payload{"subid": subID}, 15*time.Second)
	return err
}

// Fetch issues a one-shot (non-subscribing) "get".
func (s *Session) Fetch(ctx context.Context, what, where sportsdata.Payload, timeout time.Duration) (sportsdata.Payload, error) {
	params := sportsdata.Payload{
		"source":    "betting",
		"what":      what,
		"subscribe": false,
	}
	if len(where) > 0 {
		params["where"] = where
	}
	data, err := s.Request(ctx, "get", params, timeout)
	if err != nil {
		return nil, err
	}
	if inner := sportsdata.AsMap(data["data"]); inner != nil {
		return inner, nil
	}
	return data, nil
}

// Close tears the session down deliberately (shutdown path).
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	gen := s.generation
	s.mu.Unlock()
	if conn != nil {
		s.teardown(conn, gen)
	}
}

func (s *Session) dropPending(rid string) {
	s.pendingMu.Lock()
	delete(s.pending, rid)
	s.pendingMu.Unlock()
}

// recvLoop reads frames until the connection dies. Every inbound frame is
// counted and timestamped; parse failures are counted but never break the
// loop.
func (s *Session) recvLoop(conn net.Conn, gen uint64) {
	defer monitoring.RecoverPanic(s.logger, "feed_recv", nil)

	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			s.teardown(conn, gen)
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		s.totalMessages.Add(1)
		s.ring.Record(time.Now())
		monitoring.UpstreamMessage()

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.parseErrors.Add(1)
			monitoring.UpstreamParseError()
			continue
		}

		if f.RID == deltaRID {
			s.routeDelta(f.Data)
			continue
		}

		var payload sportsdata.Payload
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &payload); err != nil {
				s.parseErrors.Add(1)
				monitoring.UpstreamParseError()
				continue
			}
		}

		var code int64
		if f.Code != nil {
			code = *f.Code
		}

		s.pendingMu.Lock()
		ch, ok := s.pending[f.RID]
		if ok {
			delete(s.pending, f.RID)
		}
		s.pendingMu.Unlock()
		if ok {
			ch <- reply{code: code, data: payload}
		}
		// Replies to dropped correlations (timed out) are discarded.
	}
}

// routeDelta fans a delta frame's {subID: delta} entries into the registry.
func (s *Session) routeDelta(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var body sportsdata.Payload
	if err := json.Unmarshal(raw, &body); err != nil {
		s.parseErrors.Add(1)
		monitoring.UpstreamParseError()
		return
	}
	for subID, delta := range body {
		d := sportsdata.AsMap(delta)
		if d == nil {
			continue
		}
		s.registry.ApplyDelta(subID, d)
	}
}

// teardown runs the disconnect path exactly once per generation: close the
// socket, fail every pending request with ErrUpstreamGone, clear the
// registry, then notify the hub. Cleanup errors are swallowed.
func (s *Session) teardown(conn net.Conn, gen uint64) {
	s.mu.Lock()
	if gen != s.generation || !s.connected {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.connected = false
	s.sessionID = ""
	s.conn = nil
	s.mu.Unlock()

	_ = conn.Close()
	monitoring.UpstreamState(false)

	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan reply)
	s.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- reply{err: ErrUpstreamGone}
	}

	// Subscription ids die with the session; a new session issues new ids.
	s.registry.Clear()

	s.logger.Warn().Int("pending_failed", len(pending)).Msg("Upstream session down")

	if s.onDown != nil {
		go s.onDown()
	}
}
