package ircline

import (
	"strings"
	"testing"
)

func TestSegmentPrivmsgMultiline(t *testing.T) {
	got := SegmentPrivmsg("#devel", "line one\nline two")
	want := []string{"line one", "line two"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSegmentPrivmsgTruncates(t *testing.T) {
	channel := "#devel"
	text := strings.Repeat("x", 600)
	got := SegmentPrivmsg(channel, text)
	if len(got) != 1 {
		t.Fatalf("expected single segment, got %d", len(got))
	}
	if len(got[0]) != maxPrivmsgLen-len(channel) {
		t.Fatalf("segment length = %d, want %d", len(got[0]), maxPrivmsgLen-len(channel))
	}
}
