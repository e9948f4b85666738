package telephony

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeStart(t *testing.T) {
	raw := []byte(`{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"k":"v"}},"streamSid":"MZ1"}`)
	ev, ok := Decode(raw).(Started)
	if !ok {
		t.Fatalf("Decode() type = %T, want Started", Decode(raw))
	}
	if ev.StreamID != "MZ1" || ev.CallID != "CA1" || ev.CustomParameters["k"] != "v" {
		t.Fatalf("unexpected start event: %+v", ev)
	}
}

func TestDecodeMediaTimestampForms(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{`{"event":"media","media":{"timestamp":1000,"payload":"QUJD"}}`, 1000},
		{`{"event":"media","media":{"timestamp":"5120","payload":"QUJD"}}`, 5120},
		{`{"event":"media","media":{"timestamp":"20.0","payload":"QUJD"}}`, 20},
	}
	for _, tc := range cases {
		ev, ok := Decode([]byte(tc.raw)).(Media)
		if !ok {
			t.Fatalf("Decode(%s) type = %T, want Media", tc.raw, Decode([]byte(tc.raw)))
		}
		if ev.TimestampMs != tc.want || ev.Payload != "QUJD" {
			t.Fatalf("Decode(%s) = %+v, want timestamp %d", tc.raw, ev, tc.want)
		}
	}
}

func TestDecodeMarkStopConnected(t *testing.T) {
	if ev, ok := Decode([]byte(`{"event":"mark","mark":{"name":"responsePart"}}`)).(Mark); !ok || ev.Token != "responsePart" {
		t.Fatalf("mark decode = %+v, ok=%v", ev, ok)
	}
	if _, ok := Decode([]byte(`{"event":"stop","stop":{}}`)).(Stopped); !ok {
		t.Fatalf("stop did not decode to Stopped")
	}
	if _, ok := Decode([]byte(`{"event":"connected","protocol":"Call"}`)).(Connected); !ok {
		t.Fatalf("connected did not decode to Connected")
	}
}

func TestDecodeUnknownAndMalformed(t *testing.T) {
	ev, ok := Decode([]byte(`{"event":"dtmf","dtmf":{"digit":"1"}}`)).(Unknown)
	if !ok {
		t.Fatalf("dtmf did not decode to Unknown")
	}
	if ev.Name != "dtmf" || ev.Err != nil {
		t.Fatalf("unexpected unknown event: %+v", ev)
	}

	for _, raw := range []string{`{not json`, `{"event":"media","media":{"payload":"QUJD"}}`, `{"event":"start","start":{}}`} {
		u, ok := Decode([]byte(raw)).(Unknown)
		if !ok {
			t.Fatalf("Decode(%s) type = %T, want Unknown", raw, Decode([]byte(raw)))
		}
		if !errors.Is(u.Err, ErrMalformed) {
			t.Fatalf("Decode(%s) err = %v, want ErrMalformed", raw, u.Err)
		}
	}
}

func TestEncodeCommands(t *testing.T) {
	cases := []struct {
		cmd  Command
		want map[string]any
	}{
		{PlayAudio{StreamID: "MZ1", Payload: "QUJD"}, map[string]any{"event": "media", "streamSid": "MZ1", "media": map[string]any{"payload": "QUJD"}}},
		{ClearPlayback{StreamID: "MZ1"}, map[string]any{"event": "clear", "streamSid": "MZ1"}},
		{SendMark{StreamID: "MZ1", Name: "responsePart"}, map[string]any{"event": "mark", "streamSid": "MZ1", "mark": map[string]any{"name": "responsePart"}}},
	}
	for _, tc := range cases {
		b, err := Encode(tc.cmd)
		if err != nil {
			t.Fatalf("Encode(%T) error = %v", tc.cmd, err)
		}
		var got map[string]any
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("Encode(%T) produced invalid json: %v", tc.cmd, err)
		}
		wantJSON, _ := json.Marshal(tc.want)
		gotJSON, _ := json.Marshal(got)
		if string(wantJSON) != string(gotJSON) {
			t.Fatalf("Encode(%T) = %s, want %s", tc.cmd, gotJSON, wantJSON)
		}
	}
}
