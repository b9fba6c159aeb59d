package quictransport

import (
	"slices"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

func TestServerConfig(t *testing.T) {
	config, err := ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if len(config.Certificates) == 0 {
		t.Fatal("ServerConfig has no certificates")
	}
	if !slices.Contains(config.NextProtos, ALPNProtocol) {
		t.Errorf("ServerConfig NextProtos does not contain %s", ALPNProtocol)
	}

	cert := config.Certificates[0]
	if cert.PrivateKey == nil {
		t.Error("Certificate has no private key")
	}
	if len(cert.Certificate) == 0 {
		t.Error("Certificate has no certificate bytes")
	}
}

func TestClientConfig(t *testing.T) {
	config := ClientConfig()
	if !config.InsecureSkipVerify {
		t.Error("ClientConfig InsecureSkipVerify should be true")
	}
	if !slices.Contains(config.NextProtos, ALPNProtocol) {
		t.Errorf("ClientConfig NextProtos does not contain %s", ALPNProtocol)
	}
}

func TestBuildQuicConfigClampsAndCopies(t *testing.T) {
	base := &quic.Config{KeepAlivePeriod: 30 * time.Second}
	cfg, res := BuildQuicConfig(base, maxQuicConnWindow+1, maxQuicStreamWindow+1, maxQuicMaxStreams+1)
	if res.ConnWin != maxQuicConnWindow {
		t.Fatalf("expected conn window clamp, got %d", res.ConnWin)
	}
	if res.StreamWin != maxQuicStreamWindow {
		t.Fatalf("expected stream window clamp, got %d", res.StreamWin)
	}
	if res.MaxStreams != maxQuicMaxStreams {
		t.Fatalf("expected max streams clamp, got %d", res.MaxStreams)
	}
	if cfg.InitialConnectionReceiveWindow != defaultInitialConnWindow {
		t.Fatalf("unexpected initial conn window %d", cfg.InitialConnectionReceiveWindow)
	}
	if cfg.MaxStreamReceiveWindow != uint64(maxQuicStreamWindow) {
		t.Fatalf("unexpected stream window in config")
	}
	if cfg.KeepAlivePeriod != base.KeepAlivePeriod {
		t.Fatalf("expected keepalive preserved from base")
	}
	if base.InitialConnectionReceiveWindow != 0 {
		t.Fatalf("expected base config untouched")
	}

	_, res = BuildQuicConfig(nil, 0, 0, 0)
	if res.ConnWin != minQuicConnWindow || res.StreamWin != minQuicStreamWindow || res.MaxStreams != minQuicMaxStreams {
		t.Fatalf("expected clamp to minimums, got %+v", res)
	}
}

func TestApplyUDPUnavailable(t *testing.T) {
	result := ApplyUDPBuffers(nil, 0, 0)
	if result.Status != StatusNA {
		t.Fatalf("expected NA status, got %s", result.Status)
	}
	if result.RequestedR != minUDPBuffer || result.RequestedW != minUDPBuffer {
		t.Fatalf("expected clamped requested buffers")
	}
}

func TestDefaultConfigs(t *testing.T) {
	if got := DefaultClientQUICConfig().MaxIncomingStreams; got != 1 {
		t.Fatalf("client should accept one stream, got %d", got)
	}
	if got := DefaultServerQUICConfig().MaxIdleTimeout; got != 30*time.Second {
		t.Fatalf("unexpected idle timeout %v", got)
	}
}
