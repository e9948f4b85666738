// Command perfcall replays synthetic phone calls against a running call
// bridge, posing as Twilio: it answers the voice webhook, opens the media
// stream, sends paced mu-law audio, echoes playback marks and reports how
// long the AI took to start speaking.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/protocol/telephony"
)

type options struct {
	baseURL           string
	from              string
	calls             int
	duration          time.Duration
	chunkMS           int
	realtime          float64
	firstAudioTimeout time.Duration
	wavPath           string
	recordPath        string
	verbose           bool
}

type callResult struct {
	CallSID      string  `json:"call_sid"`
	FirstAudioMS float64 `json:"first_audio_ms"`
	FramesSent   int     `json:"frames_sent"`
	FramesPlayed int     `json:"frames_played"`
	Marks        int     `json:"marks"`
	Clears       int     `json:"clears"`
	CloseCode    int     `json:"close_code"`
	Error        string  `json:"error,omitempty"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var durationMS, firstAudioMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:3000", "call bridge base URL")
	flag.StringVar(&cfg.from, "from", "+15550000000", "caller number sent to the voice webhook")
	flag.IntVar(&cfg.calls, "calls", 1, "number of sequential calls to replay")
	flag.IntVar(&durationMS, "duration-ms", 8000, "caller audio streamed per call in milliseconds")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 20, "media frame size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&firstAudioMS, "first-audio-timeout-ms", 15000, "timeout waiting for the first AI audio frame")
	flag.StringVar(&cfg.wavPath, "wav", "", "optional PCM16 WAV played as the caller (silence when empty)")
	flag.StringVar(&cfg.recordPath, "record", "", "optional WAV path for the AI audio of the last call")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.calls <= 0 {
		return options{}, fmt.Errorf("calls must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 1000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,1000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if durationMS < cfg.chunkMS {
		durationMS = cfg.chunkMS
	}
	if firstAudioMS < 1000 {
		firstAudioMS = 1000
	}
	cfg.duration = time.Duration(durationMS) * time.Millisecond
	cfg.firstAudioTimeout = time.Duration(firstAudioMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	clip, err := loadCallerAudio(cfg)
	if err != nil {
		return fmt.Errorf("prepare caller audio: %w", err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	results := make([]callResult, 0, cfg.calls)
	var lastPlayback []byte
	for i := 0; i < cfg.calls; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.duration+cfg.firstAudioTimeout+30*time.Second)
		res, playback := replayCall(ctx, httpClient, cfg, clip)
		cancel()
		results = append(results, res)
		lastPlayback = playback

		line, _ := json.Marshal(res)
		fmt.Println(string(line))
	}

	if cfg.recordPath != "" && len(lastPlayback) > 0 {
		pcm := audio.DecodeMuLaw(lastPlayback)
		if err := audio.WriteWAVPCM16LEFile(cfg.recordPath, pcm, audio.TelephonySampleRate); err != nil {
			return fmt.Errorf("write recording: %w", err)
		}
	}

	summary := summarize(results)
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d calls failed", summary.Failed, len(results))
	}
	return nil
}

// loadCallerAudio returns mu-law audio at 8 kHz.
func loadCallerAudio(cfg options) ([]byte, error) {
	if strings.TrimSpace(cfg.wavPath) == "" {
		silence := make([]byte, audio.TelephonySampleRate*cfg.chunkMS/1000)
		for i := range silence {
			silence[i] = audio.MuLawSilence
		}
		return silence, nil
	}
	data, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, sampleRate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return nil, err
	}
	pcm = audio.ResamplePCM16(pcm, sampleRate, audio.TelephonySampleRate)
	if len(pcm) == 0 {
		return nil, fmt.Errorf("wav %s produced no samples", cfg.wavPath)
	}
	return audio.EncodeMuLaw(pcm), nil
}

type twimlResponse struct {
	Connect struct {
		Stream struct {
			URL string `xml:"url,attr"`
		} `xml:"Stream"`
	} `xml:"Connect"`
}

// answerWebhook posts the voice webhook and returns the media-stream URL,
// rebased onto base-url so PUBLIC_HOST does not have to resolve locally.
func answerWebhook(ctx context.Context, client *http.Client, cfg options, callSID string) (string, error) {
	form := url.Values{"CallSid": {callSID}, "From": {cfg.from}, "To": {"+15550009999"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/incoming-call", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var twiml twimlResponse
	if err := xml.Unmarshal(body, &twiml); err != nil {
		return "", fmt.Errorf("parse twiml: %w", err)
	}
	return rebaseStreamURL(cfg.baseURL, twiml.Connect.Stream.URL)
}

func rebaseStreamURL(baseURL, streamURL string) (string, error) {
	stream, err := url.Parse(strings.TrimSpace(streamURL))
	if err != nil || stream.Path == "" {
		return "", fmt.Errorf("twiml stream url %q is invalid", streamURL)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(base.Scheme) {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", base.Scheme)
	}
	if strings.TrimSpace(base.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	base.Path = strings.TrimRight(base.Path, "/") + stream.Path
	base.RawQuery = stream.RawQuery
	return base.String(), nil
}

type callStats struct {
	mu         sync.Mutex
	firstAudio time.Time
	played     int
	marks      int
	clears     int
	closeCode  int
	playback   []byte
}

func replayCall(ctx context.Context, client *http.Client, cfg options, clip []byte) (callResult, []byte) {
	callSID := "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	streamSID := "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	res := callResult{CallSID: callSID}
	fail := func(err error) (callResult, []byte) {
		res.Error = err.Error()
		return res, nil
	}

	wsURL, err := answerWebhook(ctx, client, cfg, callSID)
	if err != nil {
		return fail(fmt.Errorf("voice webhook: %w", err))
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fail(fmt.Errorf("open media stream: %w", err))
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Fprintf(os.Stderr, "perfcall: call=%s stream=%s duration=%s\n", callSID, streamSID, cfg.duration)
	}

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(v)
	}

	if err := send(map[string]any{"event": telephony.EventConnected, "protocol": "Call", "version": "1.0.0"}); err != nil {
		return fail(err)
	}
	if err := send(map[string]any{
		"event":     telephony.EventStart,
		"streamSid": streamSID,
		"start":     map[string]any{"streamSid": streamSID, "callSid": callSID},
	}); err != nil {
		return fail(err)
	}

	stats := &callStats{}
	started := time.Now()
	readDone := make(chan struct{})
	go readLoop(conn, streamSID, stats, send, readDone)

	sent, err := streamAudio(ctx, send, streamSID, clip, cfg, readDone)
	res.FramesSent = sent
	if err != nil {
		res.Error = err.Error()
	}
	_ = send(map[string]any{"event": telephony.EventStop, "streamSid": streamSID})

	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		if res.Error == "" {
			res.Error = "bridge did not close the stream after stop"
		}
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	res.CloseCode = stats.closeCode
	if !stats.firstAudio.IsZero() {
		res.FirstAudioMS = float64(stats.firstAudio.Sub(started).Microseconds()) / 1000
	} else if res.Error == "" {
		res.Error = "no AI audio received"
	}
	res.FramesPlayed = stats.played
	res.Marks = stats.marks
	res.Clears = stats.clears
	return res, stats.playback
}

// streamAudio sends paced media frames until the configured duration elapses
// or the bridge closes the stream.
func streamAudio(ctx context.Context, send func(any) error, streamSID string, clip []byte, cfg options, readDone <-chan struct{}) (int, error) {
	frameBytes := audio.TelephonySampleRate * cfg.chunkMS / 1000
	frameInterval := time.Duration(float64(time.Duration(cfg.chunkMS)*time.Millisecond) / cfg.realtime)
	frames := int(cfg.duration / (time.Duration(cfg.chunkMS) * time.Millisecond))

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	off := 0
	for i := 0; i < frames; i++ {
		frame := make([]byte, frameBytes)
		for j := range frame {
			frame[j] = clip[off%len(clip)]
			off++
		}
		msg := map[string]any{
			"event":     telephony.EventMedia,
			"streamSid": streamSID,
			"media": map[string]any{
				"track":     "inbound",
				"chunk":     fmt.Sprint(i + 1),
				"timestamp": fmt.Sprint(i * cfg.chunkMS),
				"payload":   base64.StdEncoding.EncodeToString(frame),
			},
		}
		if err := send(msg); err != nil {
			return i, fmt.Errorf("send media: %w", err)
		}

		select {
		case <-ctx.Done():
			return i + 1, ctx.Err()
		case <-readDone:
			return i + 1, fmt.Errorf("bridge closed the stream early")
		case <-ticker.C:
		}
	}
	return frames, nil
}

func readLoop(conn *websocket.Conn, streamSID string, stats *callStats, send func(any) error, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			stats.mu.Lock()
			stats.closeCode = code
			stats.mu.Unlock()
			return
		}
		var env struct {
			Event string `json:"event"`
			Media struct {
				Payload string `json:"payload"`
			} `json:"media"`
			Mark struct {
				Name string `json:"name"`
			} `json:"mark"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Event {
		case telephony.EventMedia:
			chunk, _ := base64.StdEncoding.DecodeString(env.Media.Payload)
			stats.mu.Lock()
			if stats.firstAudio.IsZero() {
				stats.firstAudio = time.Now()
			}
			stats.played++
			stats.playback = append(stats.playback, chunk...)
			stats.mu.Unlock()
		case telephony.EventMark:
			stats.mu.Lock()
			stats.marks++
			stats.mu.Unlock()
			// Twilio echoes a mark once the audio queued before it has played.
			_ = send(map[string]any{"event": telephony.EventMark, "streamSid": streamSID, "mark": map[string]any{"name": env.Mark.Name}})
		case telephony.EventClear:
			stats.mu.Lock()
			stats.clears++
			stats.mu.Unlock()
		}
	}
}

type replaySummary struct {
	Calls          int     `json:"calls"`
	Failed         int     `json:"failed"`
	FirstAudioP50  float64 `json:"first_audio_p50_ms"`
	FirstAudioP95  float64 `json:"first_audio_p95_ms"`
	FirstAudioMax  float64 `json:"first_audio_max_ms"`
	TotalBargeIns  int     `json:"total_clears"`
	TotalPlayed    int     `json:"total_frames_played"`
	TotalCallerOut int     `json:"total_frames_sent"`
}

func summarize(results []callResult) replaySummary {
	s := replaySummary{Calls: len(results)}
	latencies := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Error != "" {
			s.Failed++
		}
		if r.FirstAudioMS > 0 {
			latencies = append(latencies, r.FirstAudioMS)
		}
		s.TotalBargeIns += r.Clears
		s.TotalPlayed += r.FramesPlayed
		s.TotalCallerOut += r.FramesSent
	}
	sort.Float64s(latencies)
	s.FirstAudioP50 = percentile(latencies, 0.50)
	s.FirstAudioP95 = percentile(latencies, 0.95)
	if n := len(latencies); n > 0 {
		s.FirstAudioMax = latencies[n-1]
	}
	return s
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
