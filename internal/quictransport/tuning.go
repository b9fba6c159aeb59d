package quictransport

import (
	"net"
	"strings"

	"github.com/quic-go/quic-go"
)

// Tuning outcomes.
const (
	StatusOK     = "ok"
	StatusNA     = "n/a"
	StatusDenied = "denied"
)

const (
	defaultInitialConnWindow = 512 * 1024
	minQuicConnWindow        = 256 * 1024
	maxQuicConnWindow        = 64 * 1024 * 1024
	minQuicStreamWindow      = 128 * 1024
	maxQuicStreamWindow      = 16 * 1024 * 1024
	minQuicMaxStreams        = 1
	maxQuicMaxStreams        = 256

	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 16 * 1024 * 1024
)

// QuicTuneResult records the flow-control values actually applied.
type QuicTuneResult struct {
	ConnWin    int
	StreamWin  int
	MaxStreams int
	Status     string
}

// BuildQuicConfig copies base and sets clamped flow-control windows on
// the copy.
func BuildQuicConfig(base *quic.Config, connWin, streamWin, maxStreams int) (*quic.Config, QuicTuneResult) {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	conn := clamp(connWin, minQuicConnWindow, maxQuicConnWindow)
	stream := clamp(streamWin, minQuicStreamWindow, maxQuicStreamWindow)
	maxStr := clamp(maxStreams, minQuicMaxStreams, maxQuicMaxStreams)
	initialConn := min(defaultInitialConnWindow, conn)

	cfg.InitialConnectionReceiveWindow = uint64(initialConn)
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.MaxIncomingStreams = int64(maxStr)

	return cfg, QuicTuneResult{
		ConnWin:    conn,
		StreamWin:  stream,
		MaxStreams: maxStr,
		Status:     StatusOK,
	}
}

// UDPTuneResult records the socket buffer sizes requested and the outcome.
type UDPTuneResult struct {
	RequestedR int
	RequestedW int
	Status     string
	Err        string
}

// ApplyUDPBuffers sets the socket buffers on a best-effort basis; the OS
// may refuse or cap them.
func ApplyUDPBuffers(conn *net.UDPConn, r, w int) UDPTuneResult {
	result := UDPTuneResult{
		RequestedR: clamp(r, minUDPBuffer, maxUDPBuffer),
		RequestedW: clamp(w, minUDPBuffer, maxUDPBuffer),
		Status:     StatusOK,
	}
	if conn == nil {
		result.Status = StatusNA
		result.Err = "no access to underlying UDPConn"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(result.RequestedR); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.RequestedW); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

func clamp(n, lo, hi int) int {
	return max(lo, min(n, hi))
}
