package monitoring

import (
	"fmt"
	"testing"
)

func capture(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	restore := SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(restore)
	return &lines
}

func TestSetLogger(t *testing.T) {
	lines := capture(t)
	Logf("hello %d", 1)
	if len(*lines) != 1 || (*lines)[0] != "hello 1" {
		t.Fatalf("captured %q", *lines)
	}

	restore := SetLogger(nil)
	Logf("dropped")
	if len(*lines) != 1 {
		t.Errorf("no-op logger forwarded a message: %q", *lines)
	}
	restore()
	Logf("back")
	if len(*lines) != 2 {
		t.Errorf("restore did not reinstate the capture logger: %q", *lines)
	}
}

func TestComponent(t *testing.T) {
	ingest := Component("ingest")
	lines := capture(t)
	ingest("flushed %d events", 3)
	if len(*lines) != 1 || (*lines)[0] != "[ingest] flushed 3 events" {
		t.Errorf("captured %q", *lines)
	}
}
