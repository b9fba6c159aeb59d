package progress

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestFormatLine(t *testing.T) {
	line := FormatLine("upload a.bin", Stats{
		ChunksDone: 5,
		Chunks:     10,
		Resumed:    2,
		BytesDone:  5 * 1024,
		Bytes:      10 * 1024,
		RateBps:    2048,
		ETA:        65 * time.Second,
		Percent:    50,
	})
	for _, want := range []string{"upload a.bin", " 50.0%", "5/10 chunks", "5.0 KiB/10 KiB", "2.0 KiB/s", "ETA 00:01:05", "resumed=2"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestRenderBarClamps(t *testing.T) {
	if got := renderBar(-5, 4); got != "[░░░░]" {
		t.Fatalf("unexpected bar %q", got)
	}
	if got := renderBar(250, 4); got != "[████]" {
		t.Fatalf("unexpected bar %q", got)
	}
}

func TestFormatETAUnknown(t *testing.T) {
	if got := formatETA(0); got != "--:--:--" {
		t.Fatalf("expected unknown ETA, got %q", got)
	}
}

func TestRenderStopWritesFinalLine(t *testing.T) {
	var buf bytes.Buffer
	stop := Render(context.Background(), &buf, "x", func() Stats {
		return Stats{ChunksDone: 1, Chunks: 1, Percent: 100}
	})
	stop()
	stop()
	if !strings.Contains(buf.String(), "1/1 chunks") {
		t.Fatalf("expected a final line, got %q", buf.String())
	}
}
