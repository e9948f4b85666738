package main

import (
	"testing"
)

func TestRebaseStreamURL(t *testing.T) {
	got, err := rebaseStreamURL("http://127.0.0.1:3000", "wss://bridge.example.com/media-stream/CA1?x=1")
	if err != nil {
		t.Fatalf("rebaseStreamURL() error = %v", err)
	}
	if want := "ws://127.0.0.1:3000/media-stream/CA1?x=1"; got != want {
		t.Fatalf("rebaseStreamURL() = %q, want %q", got, want)
	}

	if _, err := rebaseStreamURL("ftp://host", "wss://x/media-stream/CA1"); err == nil {
		t.Fatalf("rebaseStreamURL() error = nil for ftp base")
	}
	if _, err := rebaseStreamURL("http://host", ""); err == nil {
		t.Fatalf("rebaseStreamURL() error = nil for empty stream url")
	}
}

func TestSummarize(t *testing.T) {
	s := summarize([]callResult{
		{FirstAudioMS: 300, FramesSent: 10, FramesPlayed: 4, Clears: 1},
		{FirstAudioMS: 100, FramesSent: 10},
		{Error: "no AI audio received"},
	})
	if s.Calls != 3 || s.Failed != 1 {
		t.Fatalf("calls/failed = %d/%d, want 3/1", s.Calls, s.Failed)
	}
	if s.FirstAudioP50 != 100 || s.FirstAudioMax != 300 {
		t.Fatalf("p50/max = %v/%v, want 100/300", s.FirstAudioP50, s.FirstAudioMax)
	}
	if s.TotalCallerOut != 20 || s.TotalPlayed != 4 || s.TotalBargeIns != 1 {
		t.Fatalf("totals = %+v", s)
	}
}

func TestLoadCallerAudioDefaultsToSilence(t *testing.T) {
	clip, err := loadCallerAudio(options{chunkMS: 20})
	if err != nil {
		t.Fatalf("loadCallerAudio() error = %v", err)
	}
	if len(clip) != 160 {
		t.Fatalf("len(clip) = %d, want 160", len(clip))
	}
	for _, b := range clip {
		if b != 0xFF {
			t.Fatalf("silence byte = %x, want ff", b)
		}
	}
}
