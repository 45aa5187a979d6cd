package progress

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBar_Counts(t *testing.T) {
	b := NewBar(nil, 3, "put")
	b.Start("a")
	b.Done(nil)
	b.Start("b")
	b.Done(errors.New("boom"))

	done, failed := b.Counts()
	if done != 2 || failed != 1 {
		t.Errorf("counts = %d/%d, want 2/1", done, failed)
	}
}

func TestBar_Render(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf, 2, "get")
	b.interval = 0

	b.Start("/scratch/out.log")
	if !strings.Contains(buf.String(), "get [>") || !strings.Contains(buf.String(), "0/2") {
		t.Errorf("initial line: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "/scratch/out.log") {
		t.Errorf("current item missing: %q", buf.String())
	}

	buf.Reset()
	b.Done(nil)
	b.Done(errors.New("x"))
	out := buf.String()
	if !strings.Contains(out, "2/2") || !strings.Contains(out, "(1 failed)") {
		t.Errorf("final line: %q", out)
	}
	if !strings.Contains(out, strings.Repeat("=", 30)) {
		t.Errorf("bar not full: %q", out)
	}

	buf.Reset()
	b.Finish()
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Errorf("finish should end the line: %q", buf.String())
	}
}

func TestBar_Throttle(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf, 10, "")
	b.interval = time.Hour

	b.Start("a")
	first := buf.Len()
	b.Start("b")
	if buf.Len() != first {
		t.Errorf("throttled render wrote output")
	}
}

func TestBar_Concurrent(t *testing.T) {
	b := NewBar(&bytes.Buffer{}, 50, "")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Start("item")
			b.Done(nil)
		}()
	}
	wg.Wait()
	if done, _ := b.Counts(); done != 50 {
		t.Errorf("done = %d, want 50", done)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		500 * time.Millisecond:  "500ms",
		1500 * time.Millisecond: "1.5s",
		90 * time.Second:        "1m30s",
	}
	for d, want := range tests {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
