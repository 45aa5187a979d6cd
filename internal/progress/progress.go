package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Bar tracks a batch of transfer items and redraws one status line.
// It is safe for concurrent use.
type Bar struct {
	mu          sync.Mutex
	total       int
	done        int
	failed      int
	current     string
	startTime   time.Time
	lastUpdate  time.Time
	interval    time.Duration
	output      io.Writer
	description string
}

// NewBar creates a bar for total items. A nil output disables rendering.
func NewBar(output io.Writer, total int, description string) *Bar {
	now := time.Now()
	return &Bar{
		total:       total,
		startTime:   now,
		lastUpdate:  now.Add(-time.Hour),
		interval:    100 * time.Millisecond,
		output:      output,
		description: description,
	}
}

// Start marks name as the item in flight.
func (b *Bar) Start(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = name
	b.render(false)
}

// Done records the end of one item; err marks it failed.
func (b *Bar) Done(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done++
	if err != nil {
		b.failed++
	}
	b.render(b.done == b.total)
}

// Counts returns completed and failed item counts.
func (b *Bar) Counts() (done, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.failed
}

// Finish draws the final line and ends it.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.output == nil {
		return
	}
	b.current = ""
	b.render(true)
	fmt.Fprint(b.output, "\n")
}

func (b *Bar) render(force bool) {
	if b.output == nil {
		return
	}
	now := time.Now()
	if !force && now.Sub(b.lastUpdate) < b.interval {
		return
	}
	b.lastUpdate = now

	const width = 30
	filled := 0
	if b.total > 0 {
		filled = width * b.done / b.total
	}
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("=", filled)
	if filled < width {
		bar += ">" + strings.Repeat("-", width-filled-1)
	}

	var sb strings.Builder
	sb.WriteString("\r")
	if b.description != "" {
		sb.WriteString(b.description + " ")
	}
	fmt.Fprintf(&sb, "[%s] %d/%d", bar, b.done, b.total)
	if b.failed > 0 {
		fmt.Fprintf(&sb, " (%d failed)", b.failed)
	}
	fmt.Fprintf(&sb, " | %s", formatDuration(now.Sub(b.startTime)))
	if b.current != "" {
		sb.WriteString(" | " + b.current)
	}
	fmt.Fprint(b.output, sb.String())
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
