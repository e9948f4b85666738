package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/liveness"
	"github.com/ent0n29/callbridge/internal/protocol/realtime"
	"github.com/ent0n29/callbridge/internal/protocol/telephony"
	"github.com/ent0n29/callbridge/internal/reliability"
	"github.com/ent0n29/callbridge/internal/session"
)

const (
	legTelephony = "telephony"
	legAI        = "ai"

	closeNormal          = websocket.CloseNormalClosure
	closeGoingAway       = websocket.CloseGoingAway
	closePolicyViolation = websocket.ClosePolicyViolation
	closeInternalError   = websocket.CloseInternalServerErr

	// MarkName labels every playback mark sent after an audio chunk.
	MarkName = "responsePart"

	closeFrameTimeout = time.Second
	ledgerSaveTimeout = 2 * time.Second
)

type leg struct {
	name   string
	conn   Conn
	closed bool
	failed bool
}

type eventKind int

const (
	evTelephonyFrame eventKind = iota
	evTelephonyClosed
	evAIDialed
	evAIFrame
	evAIClosed
)

type legEvent struct {
	kind eventKind
	data []byte
	conn Conn
	err  error
}

// call is the per-call unit. Every field except the channels, wait group and
// atomics is owned by the goroutine running Serve.
type call struct {
	b       *Bridge
	log     *zap.Logger
	session CallSession
	state   State
	phase   Phase

	telephony *leg
	ai        *leg

	events     chan legEvent
	done       chan struct{}
	workers    sync.WaitGroup
	supervisor *liveness.Supervisor
	dialCancel context.CancelFunc
	timedOut   atomic.Bool

	startedAt      time.Time
	aiOpenedAt     time.Time
	firstAudioSeen bool
	framesIn       int64
	framesOut      int64
	bargeIns       int
}

func (b *Bridge) newCall(conn Conn, sessionID string) *call {
	return &call{
		b:         b,
		log:       b.logger.With(zap.String("session_id", sessionID)),
		session:   CallSession{SessionID: sessionID, Direction: session.DirectionInbound},
		phase:     PhaseResolvingSession,
		telephony: &leg{name: legTelephony, conn: conn},
		events:    make(chan legEvent, 64),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

func (c *call) resolve(ctx context.Context) (session.Record, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, c.b.cfg.LookupTimeout)
	defer cancel()

	start := time.Now()
	record, err := c.b.store.Resolve(lookupCtx, c.session.SessionID)
	outcome := "found"
	switch {
	case errors.Is(err, session.ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	c.b.metrics.ObserveSessionResolve(time.Since(start), outcome)
	if err != nil {
		c.log.Warn("session resolve failed", zap.String("outcome", outcome), zap.Error(err))
	}
	return record, err
}

// reject closes the telephony leg before any AI connection exists.
func (c *call) reject(code int, reason string, cause error) error {
	c.log.Warn("call rejected", zap.Int("code", code), zap.String("reason", reason), zap.Error(cause))
	c.b.metrics.CallEvents.WithLabelValues("rejected").Inc()
	c.phase = PhaseClosing
	c.closeLeg(c.telephony, code, reason)
	c.phase = PhaseClosed
	c.finish(code, reason)
	return &CloseError{Code: code, Reason: reason, Err: cause}
}

func (c *call) run(ctx context.Context) error {
	c.phase = PhaseConnectingAI
	c.log.Info("call bridging", zap.String("direction", string(c.session.Direction)))

	c.startReader(c.telephony.conn, evTelephonyFrame, evTelephonyClosed)
	c.supervisor = liveness.New(c.telephony.conn, c.b.cfg.PingInterval, c.onLivenessTimeout)
	c.supervisor.Start()

	dialCtx, cancel := context.WithTimeout(ctx, c.b.cfg.DialTimeout)
	c.dialCancel = cancel
	c.workers.Add(1)
	go c.dial(dialCtx)

	for {
		select {
		case <-ctx.Done():
			return c.teardown(closeGoingAway, "server shutting down", ctx.Err())
		case ev := <-c.events:
			if stop, err := c.handle(ev); stop {
				return err
			}
		}
	}
}

func (c *call) dial(ctx context.Context) {
	defer c.workers.Done()
	start := time.Now()
	conn, err := c.b.dialer.Dial(ctx)
	if err == nil {
		c.b.metrics.ObserveAIDial(time.Since(start))
	}
	select {
	case c.events <- legEvent{kind: evAIDialed, conn: conn, err: err}:
	case <-c.done:
		if conn != nil {
			_ = conn.Close()
		}
	}
}

func (c *call) startReader(conn Conn, frameKind, closedKind eventKind) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case c.events <- legEvent{kind: closedKind, err: err}:
				case <-c.done:
				}
				return
			}
			select {
			case c.events <- legEvent{kind: frameKind, data: data}:
			case <-c.done:
				return
			}
		}
	}()
}

// onLivenessTimeout runs on the supervisor goroutine. Closing the socket
// unblocks the telephony reader, which reports the closure to the call loop.
func (c *call) onLivenessTimeout() {
	c.timedOut.Store(true)
	c.log.Warn("telephony liveness timeout")
	_ = c.telephony.conn.Close()
}

// handle applies one event. It returns stop=true once the call is torn down.
func (c *call) handle(ev legEvent) (bool, error) {
	switch ev.kind {
	case evTelephonyFrame:
		c.framesIn++
		if c.handleTelephony(telephony.Decode(ev.data)) {
			return true, c.teardown(closeNormal, "stream stopped", nil)
		}
	case evTelephonyClosed:
		c.telephony.closed = true
		if c.timedOut.Load() {
			return true, c.teardown(closeGoingAway, "liveness timeout", ErrLivenessTimeout)
		}
		c.b.metrics.LegCloses.WithLabelValues(legTelephony, reliability.CloseReason(ev.err)).Inc()
		c.log.Info("telephony leg closed", zap.String("reason", reliability.CloseReason(ev.err)))
		if reliability.IsNormalClose(ev.err) {
			return true, c.teardown(closeNormal, "telephony closed", nil)
		}
		return true, c.teardown(closeNormal, "telephony closed", ev.err)
	case evAIDialed:
		if ev.err != nil {
			c.log.Error("ai connection failed", zap.Error(ev.err))
			c.b.metrics.CallEvents.WithLabelValues("ai_dial_failed").Inc()
			return true, c.teardown(closeInternalError, "ai connection failed", ev.err)
		}
		c.openAI(ev.conn)
	case evAIFrame:
		c.handleRealtime(realtime.Decode(ev.data))
	case evAIClosed:
		c.ai.closed = true
		reason := reliability.CloseReason(ev.err)
		c.b.metrics.LegCloses.WithLabelValues(legAI, reason).Inc()
		if reliability.IsNormalClose(ev.err) {
			c.log.Info("ai leg closed", zap.String("reason", reason))
			return true, c.teardown(closeNormal, "ai session ended", nil)
		}
		c.log.Warn("ai leg closed abnormally", zap.String("reason", reason), zap.Error(ev.err))
		return true, c.teardown(closeInternalError, "ai session failed", ev.err)
	}
	return false, nil
}

func (c *call) openAI(conn Conn) {
	c.ai = &leg{name: legAI, conn: conn}
	c.aiOpenedAt = time.Now()
	c.phase = PhaseAIReady
	if c.state.StreamID != "" {
		c.phase = PhaseStreaming
	}
	c.b.metrics.CallEvents.WithLabelValues("ai_connected").Inc()
	c.log.Info("ai leg open", zap.String("phase", c.phase.String()))

	c.startReader(conn, evAIFrame, evAIClosed)

	defaults := c.b.cfg.Defaults
	c.sendAI(realtime.BuildSessionConfig(c.session.Profile, defaults))
	c.sendAI(realtime.BuildInitialMessage(c.session.Profile, defaults))
	c.sendAI(realtime.RequestResponse{})
}

// handleTelephony applies one telephony event and reports whether the
// stream has ended.
func (c *call) handleTelephony(ev telephony.Event) bool {
	c.b.metrics.ObserveMessage(legTelephony, "inbound", telephonyLabel(ev))
	switch e := ev.(type) {
	case telephony.Connected:
		c.log.Debug("telephony connected")
	case telephony.Started:
		c.state.StreamID = e.StreamID
		c.state.LatestMediaTimestampMs = 0
		c.state.ResponseStartTimestampMs = nil
		c.session.CallID = e.CallID
		if c.phase == PhaseAIReady {
			c.phase = PhaseStreaming
		}
		c.log.Info("telephony stream started", zap.String("stream_id", e.StreamID), zap.String("call_id", e.CallID))
	case telephony.Media:
		c.state.LatestMediaTimestampMs = e.TimestampMs
		if !c.aiWritable() {
			c.b.metrics.DroppedFrames.WithLabelValues(legTelephony, "ai_not_open").Inc()
			c.log.Debug("dropping caller audio, ai leg not open")
			return false
		}
		c.sendAI(realtime.AppendAudio{Payload: e.Payload})
	case telephony.Mark:
		if len(c.state.PendingMarks) > 0 {
			c.state.PendingMarks = c.state.PendingMarks[1:]
		}
	case telephony.Stopped:
		c.log.Info("telephony stream stopped")
		return true
	case telephony.Unknown:
		if e.Err != nil {
			c.log.Warn("ignoring malformed telephony frame", zap.Error(e.Err))
		} else {
			c.log.Debug("ignoring telephony event", zap.String("event", e.Name))
		}
	}
	return false
}

func (c *call) handleRealtime(ev realtime.Event) {
	c.b.metrics.ObserveMessage(legAI, "inbound", realtimeLabel(ev))
	switch e := ev.(type) {
	case realtime.AudioDelta:
		c.playAudio(e)
	case realtime.SpeechStarted:
		c.bargeIn()
	case realtime.ResponseDone:
		c.state.AISpeaking = false
		c.log.Debug("ai response done", zap.String("response_id", e.ResponseID), zap.String("status", e.Status))
	case realtime.ServerError:
		c.log.Warn("ai reported error", zap.String("code", e.Code), zap.String("message", e.Message))
	case realtime.Unknown:
		if e.Err != nil {
			c.log.Warn("ignoring malformed ai frame", zap.Error(e.Err))
		} else {
			c.log.Debug("ignoring ai event", zap.String("type", e.Type))
		}
	}
}

func (c *call) playAudio(e realtime.AudioDelta) {
	if c.state.StreamID == "" {
		c.b.metrics.DroppedFrames.WithLabelValues(legAI, "no_stream").Inc()
		c.log.Debug("dropping ai audio, telephony stream not started")
		return
	}
	c.sendTelephony(telephony.PlayAudio{StreamID: c.state.StreamID, Payload: e.Delta})

	if c.state.ResponseStartTimestampMs == nil {
		start := c.state.LatestMediaTimestampMs
		c.state.ResponseStartTimestampMs = &start
	}
	if e.ItemID != "" {
		c.state.LastAssistantItemID = e.ItemID
	}
	c.state.AISpeaking = true

	c.sendTelephony(telephony.SendMark{StreamID: c.state.StreamID, Name: MarkName})
	c.state.PendingMarks = append(c.state.PendingMarks, MarkName)

	if !c.firstAudioSeen {
		c.firstAudioSeen = true
		c.b.metrics.ObserveFirstAudioLatency(time.Since(c.aiOpenedAt))
	}
}

// bargeIn truncates the in-flight assistant item at the point the caller has
// heard and flushes queued playback. It is a no-op when nothing is queued.
func (c *call) bargeIn() {
	if len(c.state.PendingMarks) == 0 || c.state.ResponseStartTimestampMs == nil {
		return
	}
	elapsed := c.state.LatestMediaTimestampMs - *c.state.ResponseStartTimestampMs
	if elapsed < 0 {
		elapsed = 0
	}
	if c.state.LastAssistantItemID != "" {
		c.sendAI(realtime.TruncateItem{
			ItemID:       c.state.LastAssistantItemID,
			ContentIndex: 0,
			AudioEndMs:   elapsed,
		})
	}
	c.sendTelephony(telephony.ClearPlayback{StreamID: c.state.StreamID})

	c.state.PendingMarks = nil
	c.state.LastAssistantItemID = ""
	c.state.ResponseStartTimestampMs = nil
	c.state.AISpeaking = false

	c.bargeIns++
	c.b.metrics.ObserveBargeIn(elapsed)
	c.log.Debug("barge-in", zap.Int64("audio_end_ms", elapsed))
}

func (c *call) aiWritable() bool {
	return c.ai != nil && !c.ai.closed && !c.ai.failed
}

func (c *call) sendAI(cmd realtime.Command) {
	if !c.aiWritable() {
		return
	}
	payload, err := realtime.Encode(cmd)
	if err != nil {
		c.log.Error("encode ai command", zap.String("type", cmd.CommandType()), zap.Error(err))
		return
	}
	c.write(c.ai, cmd.CommandType(), payload)
}

func (c *call) sendTelephony(cmd telephony.Command) {
	if c.telephony.closed || c.telephony.failed {
		return
	}
	payload, err := telephony.Encode(cmd)
	if err != nil {
		c.log.Error("encode telephony command", zap.String("event", cmd.CommandName()), zap.Error(err))
		return
	}
	if c.write(c.telephony, cmd.CommandName(), payload) && cmd.CommandName() == telephony.EventMedia {
		c.framesOut++
	}
}

// write sends one data frame. A failed write closes the socket so the leg's
// reader reports the closure and the call tears down.
func (c *call) write(l *leg, messageType string, payload []byte) bool {
	_ = l.conn.SetWriteDeadline(time.Now().Add(c.b.cfg.WriteTimeout))
	if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		l.failed = true
		c.log.Warn("leg write failed", zap.String("leg", l.name), zap.String("type", messageType), zap.Error(err))
		_ = l.conn.Close()
		return false
	}
	c.b.metrics.ObserveMessage(l.name, "outbound", messageType)
	return true
}

// teardown closes both legs, waits for the helper goroutines and records the
// call. telephonyCode is the close code sent to the telephony peer.
func (c *call) teardown(telephonyCode int, reason string, cause error) error {
	c.phase = PhaseClosing
	close(c.done)
	c.supervisor.Stop()
	if c.dialCancel != nil {
		c.dialCancel()
	}

	c.closeLeg(c.telephony, telephonyCode, reason)
	if c.ai != nil {
		c.closeLeg(c.ai, closeNormal, "call ended")
	}
	c.workers.Wait()
	c.drainEvents()
	c.phase = PhaseClosed
	c.finish(telephonyCode, reason)

	if telephonyCode == closeNormal && cause == nil {
		return nil
	}
	return &CloseError{Code: telephonyCode, Reason: reason, Err: cause}
}

// drainEvents discards events queued before teardown, releasing an AI
// connection that finished dialing too late.
func (c *call) drainEvents() {
	for {
		select {
		case ev := <-c.events:
			if ev.kind == evAIDialed && ev.conn != nil {
				_ = ev.conn.Close()
			}
		default:
			return
		}
	}
}

// closeLeg sends a close frame when the peer may still read it and then
// releases the socket.
func (c *call) closeLeg(l *leg, code int, reason string) {
	if !l.closed && !l.failed {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameTimeout))
	}
	l.closed = true
	_ = l.conn.Close()
}

func (c *call) finish(code int, reason string) {
	c.b.metrics.CallEvents.WithLabelValues("ended").Inc()
	c.log.Info("call ended",
		zap.Int("close_code", code),
		zap.String("close_reason", reason),
		zap.Int64("frames_in", c.framesIn),
		zap.Int64("frames_out", c.framesOut),
		zap.Int("barge_ins", c.bargeIns),
		zap.Duration("duration", time.Since(c.startedAt)),
	)
	if c.b.ledger == nil {
		return
	}
	record := calllog.Record{
		SessionID:   c.session.SessionID,
		CallID:      c.session.CallID,
		StreamID:    c.state.StreamID,
		Direction:   string(c.session.Direction),
		CloseCode:   code,
		CloseReason: reason,
		FramesIn:    c.framesIn,
		FramesOut:   c.framesOut,
		BargeIns:    c.bargeIns,
		StartedAt:   c.startedAt,
		EndedAt:     time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerSaveTimeout)
	defer cancel()
	if err := c.b.ledger.Save(ctx, record); err != nil {
		c.log.Warn("call ledger save failed", zap.Error(err))
	}
}

func telephonyLabel(ev telephony.Event) string {
	if _, ok := ev.(telephony.Unknown); ok {
		return "unknown"
	}
	return ev.EventName()
}

func realtimeLabel(ev realtime.Event) string {
	if _, ok := ev.(realtime.Unknown); ok {
		return "unknown"
	}
	return ev.EventType()
}
