package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	colorReset = "\033[0m"
	colorGreen = "\033[32m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Render redraws a progress line for label until ctx ends or the returned
// stop function is called. Terminals get an in-place line four times a
// second; anything else gets a plain line every second.
func Render(ctx context.Context, w io.Writer, label string, view func() Stats) func() {
	interval := time.Second
	isTTY := IsTTY(w)
	if isTTY {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	var renderMu sync.Mutex

	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		line := FormatLine(label, view())
		if isTTY {
			fmt.Fprintf(w, "\r\033[K%s", colorize(line, colorGreen, true))
			return
		}
		fmt.Fprintln(w, line)
	}

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			renderOnce()
			if isTTY {
				fmt.Fprintln(w)
			}
		})
	}
}

// FormatLine renders one progress line.
func FormatLine(label string, s Stats) string {
	line := fmt.Sprintf("%s %s %5.1f%%  %d/%d chunks  %s/%s  %s  ETA %s",
		label,
		renderBar(s.Percent, 20),
		s.Percent,
		s.ChunksDone, s.Chunks,
		humanize.IBytes(s.BytesDone), humanize.IBytes(s.Bytes),
		formatRate(s.RateBps),
		formatETA(s.ETA),
	)
	if s.Resumed > 0 {
		line += fmt.Sprintf("  resumed=%s", humanize.Comma(int64(s.Resumed)))
	}
	return line
}

func renderBar(percent float64, width int) string {
	percent = max(0, min(percent, 100))
	filled := min(int((percent/100)*float64(width)), width)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatRate(bps float64) string {
	if bps <= 0 {
		return "-- B/s"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
