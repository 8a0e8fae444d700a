package relayerr

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestClassifyConnectionReset(t *testing.T) {
	status, msg := Classify(fmt.Errorf("dial: %w", syscall.ECONNRESET))
	if status != 502 || msg != "Connection reset" {
		t.Fatalf("got %d %q", status, msg)
	}
}

func TestClassifyTimeout(t *testing.T) {
	status, msg := Classify(fmt.Errorf("dial: %w", syscall.ETIMEDOUT))
	if status != 504 || msg != "Connection timed out" {
		t.Fatalf("got %d %q", status, msg)
	}
}

func TestClassifyRefused(t *testing.T) {
	status, msg := Classify(fmt.Errorf("dial: %w", syscall.ECONNREFUSED))
	if status != 502 || msg != "Connection refused" {
		t.Fatalf("got %d %q", status, msg)
	}
}

func TestClassifyUnknownFallsBackTo500(t *testing.T) {
	status, _ := Classify(errors.New("something weird"))
	if status != 500 {
		t.Fatalf("got %d", status)
	}
}

func TestSSEFrameShape(t *testing.T) {
	frame := SSEFrame(502, "Connection reset", "dial tcp: reset", 1700000000)
	if !strings.HasPrefix(frame, "event: error\ndata: ") {
		t.Fatalf("unexpected frame prefix: %q", frame)
	}
	if !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("frame must end with blank line: %q", frame)
	}
	if !strings.Contains(frame, `"status":502`) {
		t.Fatalf("frame missing status: %q", frame)
	}
}
