package tracker

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/config"
	"github.com/dob-edge/feedhub/internal/metrics"
	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sse"
)

const (
	// readTimeout is the inbound frame deadline; the feed pushes several
	// frames a second for a live game, so a quiet minute means a dead peer.
	readTimeout = 60 * time.Second

	pingPeriod = 30 * time.Second

	// Batch report thresholds: whichever of elapsed time, forwarded frames
	// or parse errors trips first flushes a report to the aggregator.
	reportEvery       = 5 * time.Second
	reportMaxMessages = 50
	reportMaxErrors   = 5
)

// Manager owns one Proxy per tracked game. Proxies connect on first
// subscriber and disconnect when a heartbeat tick finds them empty.
type Manager struct {
	cfg    *config.Config
	agg    *metrics.Aggregator
	logger zerolog.Logger

	mu      sync.Mutex
	proxies map[string]*Proxy
}

func NewManager(cfg *config.Config, agg *metrics.Aggregator, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		agg:     agg,
		logger:  logger.With().Str("component", "tracker").Logger(),
		proxies: make(map[string]*Proxy),
	}
}

// Attachment is one subscriber's membership in a proxy.
type Attachment struct {
	clientID string
	p        *Proxy
}

func (a *Attachment) Close(reason string) {
	a.p.bc.Detach(a.clientID, reason)
}

// Attach subscribes a client to a game's animation feed, creating the proxy
// on first use. The proxy's lifetime is independent of any one request: it
// lives until its subscriber set is empty at a heartbeat tick.
func (m *Manager) Attach(gameID string, c *sse.Client) *Attachment {
	m.mu.Lock()
	p, ok := m.proxies[gameID]
	if !ok {
		p = newProxy(m, gameID)
		m.proxies[gameID] = p
	}
	m.mu.Unlock()

	if !ok {
		monitoring.TrackerOpened()
		go p.run(context.Background())
	}

	frames := [][]byte{sse.PaddingComment}
	if p.isConnected() {
		frames = append(frames, readyFrame(gameID))
	}
	p.bc.AttachWithReplay(c, frames...)
	return &Attachment{clientID: c.ID, p: p}
}

func (m *Manager) remove(gameID string) {
	m.mu.Lock()
	_, ok := m.proxies[gameID]
	if ok {
		delete(m.proxies, gameID)
	}
	m.mu.Unlock()
	if ok {
		monitoring.TrackerClosed()
		m.agg.DropLease(gameID)
	}
}

// Count returns the number of live proxies.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proxies)
}

// Shutdown tears down every proxy.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ps := make([]*Proxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		ps = append(ps, p)
	}
	m.proxies = make(map[string]*Proxy)
	m.mu.Unlock()
	for _, p := range ps {
		p.stop()
		monitoring.TrackerClosed()
	}
}

func readyFrame(gameID string) []byte {
	data, _ := json.Marshal(map[string]string{"gameId": gameID})
	return sse.EventFrame("ready", data)
}

// Proxy bridges one game's animation feed to its subscriber set. Every
// inbound frame is forwarded unchanged as an unnamed SSE event; the proxy
// itself only adds ready/end markers and liveness comments.
type Proxy struct {
	m      *Manager
	gameID string
	bc     *sse.Broadcaster
	log    zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	stopped   bool

	// batch report state
	messages    int
	parseErrors int
	lastReport  time.Time
}

func newProxy(m *Manager, gameID string) *Proxy {
	return &Proxy{
		m:      m,
		gameID: gameID,
		bc:     sse.NewBroadcaster("tracker:"+gameID, m.logger),
		log:    m.logger.With().Str("game_id", gameID).Logger(),
	}
}

func (p *Proxy) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// run connects, subscribes and pumps frames until the feed closes or the
// proxy empties. It tears itself down on exit.
func (p *Proxy) run(ctx context.Context) {
	defer monitoring.RecoverPanic(p.log, "tracker_proxy", map[string]any{"game_id": p.gameID})
	defer p.teardown()

	conn, err := p.dial(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("Tracker connect failed")
		p.emitError("tracker unavailable")
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.connected = true
	p.lastReport = time.Now()
	p.mu.Unlock()

	sub := map[string]any{
		"gameId":    p.gameID,
		"feed_type": "live",
		"snapshot":  true,
	}
	if err := conn.WriteJSON(sub); err != nil {
		p.log.Warn().Err(err).Msg("Tracker subscribe write failed")
		p.emitError("tracker subscribe failed")
		return
	}

	p.bc.Broadcast(readyFrame(p.gameID), "ready")
	go p.tick(ctx)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !p.isStopped() {
				p.log.Info().Err(err).Msg("Tracker feed closed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		// Forwarded verbatim; validity only feeds the error counter.
		valid := json.Valid(msg)
		p.bc.Broadcast(sse.DataFrame(msg), "tracker_data")
		monitoring.TrackerMessages(1)
		p.record(valid)
	}
}

func (p *Proxy) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(p.m.cfg.TrackerURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("partner", strconv.Itoa(p.m.cfg.TrackerPartnerID))
	q.Set("site", p.m.cfg.TrackerSiteRef)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: p.m.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

// record accumulates batch-report counters and flushes when a threshold
// trips.
func (p *Proxy) record(valid bool) {
	p.mu.Lock()
	p.messages++
	if !valid {
		p.parseErrors++
	}
	flush := p.messages >= reportMaxMessages ||
		p.parseErrors >= reportMaxErrors ||
		time.Since(p.lastReport) >= reportEvery
	p.mu.Unlock()
	if flush {
		p.report()
	}
}

func (p *Proxy) report() {
	p.mu.Lock()
	msgs, errs := p.messages, p.parseErrors
	p.messages, p.parseErrors = 0, 0
	p.lastReport = time.Now()
	connected := p.connected
	p.mu.Unlock()

	p.m.agg.Report(p.gameID, msgs, errs, p.bc.Count(), connected)
}

// tick drives liveness: outbound pings, SSE comments, periodic reports, and
// the empty-set check that retires the proxy.
func (p *Proxy) tick(ctx context.Context) {
	defer monitoring.RecoverPanic(p.log, "tracker_tick", nil)
	heartbeat := time.NewTicker(p.m.cfg.Heartbeat)
	defer heartbeat.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-heartbeat.C:
			if p.isStopped() {
				return
			}
			if p.bc.Count() == 0 {
				// Last subscriber gone and nobody rejoined by this tick.
				p.stop()
				return
			}
			p.bc.BroadcastComment("hb")
			p.report()
		case <-ping.C:
			p.mu.Lock()
			conn := p.conn
			p.mu.Unlock()
			if conn != nil {
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		case <-ctx.Done():
			p.stop()
			return
		}
	}
}

func (p *Proxy) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// stop closes the upstream connection; run's read loop exits and performs
// the teardown.
func (p *Proxy) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *Proxy) teardown() {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	p.stopped = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		data, _ := json.Marshal(map[string]string{"gameId": p.gameID})
		p.bc.Broadcast(sse.EventFrame("end", data), "end")
	}
	p.report()
	p.bc.Close()
	p.m.remove(p.gameID)
}

func (p *Proxy) emitError(msg string) {
	data, _ := json.Marshal(map[string]string{"error": msg})
	p.bc.Broadcast(sse.EventFrame("error", data), "error")
}
