package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/protocol/realtime"
	"github.com/ent0n29/callbridge/internal/session"
)

func greetingResolver() fakeResolver {
	return fakeResolver{records: map[string]session.Record{
		"abc-123": {Profile: session.Profile{GreetingText: "Hi Sam"}, Direction: session.DirectionOutbound},
	}}
}

func TestServeConfiguresAISessionFromProfile(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{})
	result := rig.serve("abc-123")

	waitFor(t, "session setup frames", func() bool { return rig.ai.writeCount() >= 3 })
	frames := rig.ai.frames(t)
	if got := frames[0]["type"]; got != realtime.TypeSessionUpdate {
		t.Fatalf("frame[0].type = %v, want %s", got, realtime.TypeSessionUpdate)
	}
	sess := frames[0]["session"].(map[string]any)
	if instructions, _ := sess["instructions"].(string); !strings.Contains(instructions, "Hi Sam") {
		t.Fatalf("instructions = %q, want greeting included", instructions)
	}
	if sess["input_audio_format"] != "g711_ulaw" || sess["output_audio_format"] != "g711_ulaw" {
		t.Fatalf("audio formats = %v/%v, want g711_ulaw", sess["input_audio_format"], sess["output_audio_format"])
	}
	if got := frames[1]["type"]; got != realtime.TypeConversationCreate {
		t.Fatalf("frame[1].type = %v, want %s", got, realtime.TypeConversationCreate)
	}
	content := frames[1]["item"].(map[string]any)["content"].([]any)[0].(map[string]any)
	if content["text"] != realtime.DefaultInitialUtterance {
		t.Fatalf("initial utterance = %v, want %q", content["text"], realtime.DefaultInitialUtterance)
	}
	if got := frames[2]["type"]; got != realtime.TypeResponseCreate {
		t.Fatalf("frame[2].type = %v, want %s", got, realtime.TypeResponseCreate)
	}

	rig.telephony.peerClose(websocket.CloseNormalClosure)
	if err := waitResult(t, result); err != nil {
		t.Fatalf("Serve() error = %v, want nil", err)
	}
	if !rig.ai.isClosed() {
		t.Fatalf("ai leg still open after telephony closed")
	}
	if code := rig.ai.sentCloseCode(); code != websocket.CloseNormalClosure {
		t.Fatalf("ai close code = %d, want %d", code, websocket.CloseNormalClosure)
	}

	records, err := rig.ledger.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 1 || records[0].SessionID != "abc-123" || records[0].Direction != "outbound" {
		t.Fatalf("ledger records = %+v, want one outbound abc-123 record", records)
	}
}

func TestServeRejectsUnknownSession(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{})
	err := waitResult(t, rig.serve("missing"))

	var closeErr *CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("Serve() error = %v, want CloseError 1008", err)
	}
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Serve() error = %v, want wrapping ErrNotFound", err)
	}
	if code := rig.telephony.sentCloseCode(); code != websocket.ClosePolicyViolation {
		t.Fatalf("telephony close code = %d, want %d", code, websocket.ClosePolicyViolation)
	}
	if calls := rig.dialer.calls.Load(); calls != 0 {
		t.Fatalf("dial attempts = %d, want 0", calls)
	}
}

func TestServeRejectsInvalidSessionID(t *testing.T) {
	for _, id := range []string{"", "has space", "../etc", strings.Repeat("a", 200)} {
		rig := newTestRig(t, greetingResolver(), Config{})
		err := waitResult(t, rig.serve(id))
		if !errors.Is(err, ErrInvalidSessionID) {
			t.Fatalf("Serve(%q) error = %v, want ErrInvalidSessionID", id, err)
		}
		if code := rig.telephony.sentCloseCode(); code != websocket.ClosePolicyViolation {
			t.Fatalf("Serve(%q) close code = %d, want %d", id, code, websocket.ClosePolicyViolation)
		}
	}
}

func TestServeStoreFailureClosesInternalError(t *testing.T) {
	rig := newTestRig(t, fakeResolver{err: errStoreDown}, Config{})
	err := waitResult(t, rig.serve("abc-123"))

	var closeErr *CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseInternalServerErr {
		t.Fatalf("Serve() error = %v, want CloseError 1011", err)
	}
	if calls := rig.dialer.calls.Load(); calls != 0 {
		t.Fatalf("dial attempts = %d, want 0", calls)
	}
}

func TestServeAIDialFailureClosesTelephony(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{})
	rig.dialer.err = errors.New("handshake refused")
	err := waitResult(t, rig.serve("abc-123"))

	var closeErr *CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseInternalServerErr {
		t.Fatalf("Serve() error = %v, want CloseError 1011", err)
	}
	if !rig.telephony.isClosed() {
		t.Fatalf("telephony leg still open after dial failure")
	}
}

func TestServeForwardsCallerAudioOnce(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{})
	result := rig.serve("abc-123")
	waitFor(t, "session setup frames", func() bool { return rig.ai.writeCount() >= 3 })

	rig.telephony.send(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)
	rig.telephony.send(`{"event":"media","media":{"timestamp":1000,"payload":"QUJD"}}`)
	waitFor(t, "audio append", func() bool { return rig.ai.writeCount() >= 4 })

	rig.telephony.send(`{"event":"stop"}`)
	if err := waitResult(t, result); err != nil {
		t.Fatalf("Serve() error = %v, want nil", err)
	}

	appends := 0
	for _, frame := range rig.ai.frames(t) {
		if frame["type"] == realtime.TypeAudioAppend {
			appends++
			if frame["audio"] != "QUJD" {
				t.Fatalf("append audio = %v, want QUJD", frame["audio"])
			}
		}
	}
	if appends != 1 {
		t.Fatalf("audio appends = %d, want 1", appends)
	}
	if code := rig.telephony.sentCloseCode(); code != websocket.CloseNormalClosure {
		t.Fatalf("telephony close code = %d, want %d", code, websocket.CloseNormalClosure)
	}
	if code := rig.ai.sentCloseCode(); code != websocket.CloseNormalClosure {
		t.Fatalf("ai close code = %d, want %d", code, websocket.CloseNormalClosure)
	}

	records, _ := rig.ledger.Recent(context.Background(), 1)
	if len(records) != 1 || records[0].CallID != "CA1" || records[0].StreamID != "MZ1" {
		t.Fatalf("ledger records = %+v, want call CA1 stream MZ1", records)
	}
}

func TestServeRelaysAIAudioWithMarks(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{})
	result := rig.serve("abc-123")
	waitFor(t, "session setup frames", func() bool { return rig.ai.writeCount() >= 3 })

	rig.telephony.send(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)
	rig.telephony.send(`{"event":"media","media":{"timestamp":40,"payload":"QUJD"}}`)
	waitFor(t, "stream started", func() bool { return rig.ai.writeCount() >= 4 })
	rig.ai.send(`{"type":"response.audio.delta","item_id":"item_1","delta":"AAAA"}`)
	waitFor(t, "playback frames", func() bool { return rig.telephony.writeCount() >= 2 })

	frames := rig.telephony.frames(t)
	if frames[0]["event"] != "media" || frames[0]["streamSid"] != "MZ1" {
		t.Fatalf("frame[0] = %v, want media on MZ1", frames[0])
	}
	if payload := frames[0]["media"].(map[string]any)["payload"]; payload != "AAAA" {
		t.Fatalf("payload = %v, want AAAA", payload)
	}
	if frames[1]["event"] != "mark" || frames[1]["mark"].(map[string]any)["name"] != MarkName {
		t.Fatalf("frame[1] = %v, want mark %s", frames[1], MarkName)
	}

	rig.telephony.peerClose(websocket.CloseNormalClosure)
	waitResult(t, result)
}

func TestServeAbnormalAIClosePropagates(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{})
	result := rig.serve("abc-123")
	waitFor(t, "session setup frames", func() bool { return rig.ai.writeCount() >= 3 })

	rig.ai.peerClose(websocket.CloseAbnormalClosure)
	err := waitResult(t, result)

	var closeErr *CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseInternalServerErr {
		t.Fatalf("Serve() error = %v, want CloseError 1011", err)
	}
	if code := rig.telephony.sentCloseCode(); code != websocket.CloseInternalServerErr {
		t.Fatalf("telephony close code = %d, want %d", code, websocket.CloseInternalServerErr)
	}
}

func TestServeNormalAICloseEndsCall(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{})
	result := rig.serve("abc-123")
	waitFor(t, "session setup frames", func() bool { return rig.ai.writeCount() >= 3 })

	rig.ai.peerClose(websocket.CloseNormalClosure)
	if err := waitResult(t, result); err != nil {
		t.Fatalf("Serve() error = %v, want nil", err)
	}
	if code := rig.telephony.sentCloseCode(); code != websocket.CloseNormalClosure {
		t.Fatalf("telephony close code = %d, want %d", code, websocket.CloseNormalClosure)
	}
}

func TestServeIgnoresGarbageFrames(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{})
	result := rig.serve("abc-123")
	waitFor(t, "session setup frames", func() bool { return rig.ai.writeCount() >= 3 })

	rig.telephony.send(`not json`)
	rig.telephony.send(`{"event":"dtmf","dtmf":{"digit":"1"}}`)
	rig.ai.send(`{"type":`)
	rig.ai.send(`{"type":"rate_limits.updated"}`)
	rig.telephony.send(`{"event":"media","media":{"timestamp":"20","payload":"QUJD"}}`)
	waitFor(t, "audio append after garbage", func() bool { return rig.ai.writeCount() >= 4 })

	if rig.telephony.isClosed() || rig.ai.isClosed() {
		t.Fatalf("a leg closed after malformed input")
	}
	rig.telephony.peerClose(websocket.CloseNormalClosure)
	waitResult(t, result)
}

func TestServeLivenessTimeoutClosesBothLegs(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{PingInterval: 20 * time.Millisecond})
	result := rig.serve("abc-123")

	err := waitResult(t, result)
	if !errors.Is(err, ErrLivenessTimeout) {
		t.Fatalf("Serve() error = %v, want ErrLivenessTimeout", err)
	}
	if !rig.telephony.isClosed() {
		t.Fatalf("telephony leg still open after liveness timeout")
	}
	waitFor(t, "ai leg closed", rig.ai.isClosed)
}

func TestServeKeepsCallAliveWhilePongsArrive(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{PingInterval: 10 * time.Millisecond})
	rig.telephony.autoPong = true
	result := rig.serve("abc-123")

	time.Sleep(80 * time.Millisecond)
	if rig.telephony.isClosed() {
		t.Fatalf("telephony closed while pongs were arriving")
	}
	rig.telephony.send(`{"event":"stop"}`)
	if err := waitResult(t, result); err != nil {
		t.Fatalf("Serve() error = %v, want nil", err)
	}
}

func TestServeShutdownClosesGoingAway(t *testing.T) {
	rig := newTestRig(t, greetingResolver(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- rig.bridge.Serve(ctx, rig.telephony, "abc-123") }()
	waitFor(t, "session setup frames", func() bool { return rig.ai.writeCount() >= 3 })

	cancel()
	err := waitResult(t, result)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve() error = %v, want context.Canceled", err)
	}
	if code := rig.telephony.sentCloseCode(); code != websocket.CloseGoingAway {
		t.Fatalf("telephony close code = %d, want %d", code, websocket.CloseGoingAway)
	}
}

func TestPhaseString(t *testing.T) {
	if got := PhaseStreaming.String(); got != "streaming" {
		t.Fatalf("PhaseStreaming.String() = %q, want streaming", got)
	}
	if got := Phase(42).String(); got != "phase(42)" {
		t.Fatalf("Phase(42).String() = %q", got)
	}
}
