package challenge

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSubmitRejectsInvalidPayloads(t *testing.T) {
	tr := NewTracker(Options{})

	inputs := []string{"", "   ", "\n\t", string([]byte{0xff, 0xfe})}
	for i, in := range inputs {
		ch, err := tr.Submit(in)
		if ch != nil {
			t.Fatalf("input %q: expected no challenge", in)
		}
		var rej *RejectedError
		if !errors.As(err, &rej) {
			t.Fatalf("input %q: expected *RejectedError, got %v", in, err)
		}
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("input %q: error should match ErrRejected", in)
		}
		if rej.Retries != i+1 {
			t.Fatalf("input %q: retries = %d, want %d", in, rej.Retries, i+1)
		}
	}
	if tr.Current() != nil {
		t.Fatal("rejected payloads must not be cached")
	}
}

func TestSubmitAcceptsAndCaches(t *testing.T) {
	issued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := NewTracker(Options{Now: func() time.Time { return issued }})

	tr.Submit("")
	if tr.Retries() != 1 {
		t.Fatalf("Retries = %d, want 1", tr.Retries())
	}

	ch, err := tr.Submit("2@abcdef,ghijkl,mnopqr,stuvwx")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !bytes.HasPrefix(ch.PNG, []byte("\x89PNG")) {
		t.Fatalf("PNG signature missing: % x", ch.PNG[:8])
	}
	if !strings.HasPrefix(ch.DataURI, "data:image/png;base64,") {
		t.Fatalf("unexpected data URI prefix: %.40s", ch.DataURI)
	}
	if !ch.IssuedAt.Equal(issued) {
		t.Fatalf("IssuedAt = %v", ch.IssuedAt)
	}
	if tr.Retries() != 0 {
		t.Fatalf("a valid challenge must reset retries, got %d", tr.Retries())
	}

	cur := tr.Current()
	if cur == nil || cur.Raw != ch.Raw {
		t.Fatalf("Current = %+v", cur)
	}
	cur.PNG[0] = 0
	if tr.Current().PNG[0] == 0 {
		t.Fatal("Current must return a copy")
	}

	svg, err := tr.SVG(256)
	if err != nil {
		t.Fatalf("SVG: %v", err)
	}
	if !strings.HasPrefix(svg, "<svg") || !strings.HasSuffix(svg, "</svg>") {
		t.Fatalf("unexpected svg: %.60s", svg)
	}

	tr.Clear()
	if tr.Current() != nil {
		t.Fatal("Clear should drop the cached challenge")
	}
	if _, err := tr.SVG(256); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("SVG after Clear: %v", err)
	}
}

func TestSubmitPrintsToTerminal(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracker(Options{Terminal: &buf})

	if _, err := tr.Submit("hello-challenge"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.Contains(buf.String(), "Scan this QR code") {
		t.Fatalf("terminal output missing banner: %q", buf.String())
	}
}
