// Package websocket is a browser-facing transport. Clients connect to
// /ws/{sessionID}, stream base64 audio or typed text up, and receive audio
// plus enriched UI events back on the same connection.
package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxwire/voxwire/pkg/frames"
	"github.com/voxwire/voxwire/pkg/transports"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	Path           string   `mapstructure:"path"`
	SampleRate     int      `mapstructure:"sample_rate"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8081"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	mu             sync.Mutex
	conns          map[string]*clientConn
	sessionStreams map[string]string
	sessionIDs     map[string]string
	traceIDs       map[string]string

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:         make(chan frames.Frame, 512),
		conns:          make(map[string]*clientConn),
		sessionStreams: make(map[string]string),
		sessionIDs:     make(map[string]string),
		traceIDs:       make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return map[string]any{
		"ws_url": "ws://" + addr + t.cfg.Path + "/{session_id}",
	}
}

// Handler exposes the route tree, also used by tests.
func (t *Transport) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get(t.cfg.Path+"/{sessionID}", t.handleWS)
	return r
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("websocket_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, cc := range t.conns {
		_ = cc.close()
	}
	t.conns = make(map[string]*clientConn)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

type clientMessage struct {
	Type       string `json:"type"`
	Payload    string `json:"payload,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Text       string `json:"text,omitempty"`
	Final      *bool  `json:"final,omitempty"`
	Code       string `json:"code,omitempty"`
}

func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	streamID := uuid.NewString()
	traceID := uuid.NewString()
	oldStream, oldConn := t.attach(sessionID, streamID, traceID, conn)
	if oldConn != nil {
		_ = oldConn.close()
	}

	startMeta := t.metaForStream(streamID)
	nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemSessionStart, startMeta))
	if oldStream != "" {
		rejoinMeta := t.metaForStream(streamID)
		rejoinMeta[frames.MetaOldStreamID] = oldStream
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemSessionRejoin, rejoinMeta))
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var cm clientMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			continue
		}
		switch cm.Type {
		case "audio":
			payload, err := base64.StdEncoding.DecodeString(cm.Payload)
			if err != nil || len(payload) == 0 {
				continue
			}
			rate := cm.SampleRate
			if rate == 0 {
				rate = t.cfg.SampleRate
			}
			channels := cm.Channels
			if channels == 0 {
				channels = 1
			}
			meta := t.metaForStream(streamID)
			af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, rate, channels, meta)
			nonBlockingSend(t.recvCh, af)
		case "text":
			text := strings.TrimSpace(cm.Text)
			if text == "" {
				continue
			}
			// Typed input enters the relay like a final transcript.
			meta := t.metaForStream(streamID)
			meta[frames.MetaSource] = frames.SourceTranscript
			if cm.Final == nil || *cm.Final {
				meta[frames.MetaIsFinal] = "true"
			} else {
				meta[frames.MetaIsFinal] = "false"
			}
			nonBlockingSend(t.recvCh, frames.NewTextFrame(streamID, time.Now().UnixNano(), text, meta))
		case "control":
			code, ok := controlCode(cm.Code)
			if !ok {
				continue
			}
			meta := t.metaForStream(streamID)
			nonBlockingSend(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), code, meta))
		}
	}

	// Skip the end frame when a reconnect already took this session over.
	if t.conn(streamID) == nil {
		return
	}
	meta := t.metaForStream(streamID)
	nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemSessionEnd, meta))
	t.detach(streamID)
}

func controlCode(code string) (frames.ControlCode, bool) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "cancel":
		return frames.ControlCancel, true
	case "flush":
		return frames.ControlFlush, true
	case "end_call":
		return frames.ControlEndCall, true
	default:
		return "", false
	}
}

func (t *Transport) Send(f frames.Frame) error {
	streamID := f.Meta()[frames.MetaStreamID]
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlFlush, frames.ControlCancel, frames.ControlStartInterruption:
			return t.sendJSON(streamID, map[string]any{"type": "clear"})
		default:
			return nil
		}
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		return t.sendJSON(streamID, map[string]any{
			"type":        "audio",
			"payload":     base64.StdEncoding.EncodeToString(af.RawPayload()),
			"sample_rate": af.Rate(),
			"channels":    af.Channels(),
		})
	default:
		return nil
	}
}

// SendEvent delivers an enriched UI event; the payload is already the wire
// JSON and goes out verbatim.
func (t *Transport) SendEvent(streamID string, payload []byte) error {
	cc := t.conn(streamID)
	if cc == nil {
		return errors.New("no connection for stream")
	}
	cc.enqueue(payload)
	return nil
}

func (t *Transport) sendJSON(streamID string, msg map[string]any) error {
	cc := t.conn(streamID)
	if cc == nil {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	cc.enqueue(b)
	return nil
}

func (t *Transport) attach(sessionID, streamID, traceID string, conn *websocket.Conn) (string, *clientConn) {
	cc := &clientConn{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	var oldStream string
	var oldConn *clientConn
	t.mu.Lock()
	if existing := t.sessionStreams[sessionID]; existing != "" && existing != streamID {
		oldStream = existing
		oldConn = t.conns[existing]
		delete(t.conns, existing)
		delete(t.sessionIDs, existing)
		delete(t.traceIDs, existing)
	}
	t.sessionStreams[sessionID] = streamID
	t.conns[streamID] = cc
	t.sessionIDs[streamID] = sessionID
	t.traceIDs[streamID] = traceID
	t.mu.Unlock()
	go cc.loop()
	return oldStream, oldConn
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	cc := t.conns[streamID]
	sessionID := t.sessionIDs[streamID]
	delete(t.conns, streamID)
	delete(t.sessionIDs, streamID)
	delete(t.traceIDs, streamID)
	if sessionID != "" && t.sessionStreams[sessionID] == streamID {
		delete(t.sessionStreams, sessionID)
	}
	t.mu.Unlock()
	if cc != nil {
		_ = cc.close()
	}
}

func (t *Transport) conn(streamID string) *clientConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[streamID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   frames.SourceTransport,
	}
	if v := t.sessionIDs[streamID]; v != "" {
		meta[frames.MetaSessionID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	return meta
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type clientConn struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (c *clientConn) enqueue(msg []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.sendCh <- msg:
	default:
	}
}

func (c *clientConn) loop() {
	for msg := range c.sendCh {
		_ = c.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *clientConn) close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	return c.conn.Close()
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

var (
	_ transports.Transport   = (*Transport)(nil)
	_ transports.EventSender = (*Transport)(nil)
)
