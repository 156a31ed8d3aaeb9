package serialmux

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ReplayPort is a SerialPorter that plays recorded sniffer lines back at a
// fixed pace. It backs the -dev mode so the whole pipeline runs without
// hardware. Commands written to it are kept for inspection.
type ReplayPort struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}

	mu        sync.Mutex
	written   bytes.Buffer
	closeOnce sync.Once
}

// NewReplayPort starts playing lines, one every interval. When loop is
// false the port reports EOF after the last line.
func NewReplayPort(lines []string, interval time.Duration, loop bool) *ReplayPort {
	r, w := io.Pipe()
	p := &ReplayPort{r: r, w: w, done: make(chan struct{})}
	go p.play(lines, interval, loop)
	return p
}

func (p *ReplayPort) play(lines []string, interval time.Duration, loop bool) {
	defer p.w.Close()
	if len(lines) == 0 {
		return
	}
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		for _, line := range lines {
			if tick != nil {
				select {
				case <-tick:
				case <-p.done:
					return
				}
			}
			if _, err := io.WriteString(p.w, line+"\n"); err != nil {
				return
			}
		}
		if !loop {
			return
		}
	}
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *ReplayPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

// Written returns every command written to the port.
func (p *ReplayPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Close stops playback. Pending reads see EOF.
func (p *ReplayPort) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.w.Close()
	})
	return nil
}

// NewMockSerialMux creates a SerialMux replaying lines.
func NewMockSerialMux(lines []string, interval time.Duration, loop bool) *SerialMux[*ReplayPort] {
	return NewSerialMux(NewReplayPort(lines, interval, loop))
}

// LoadReplayFile reads a JSONL capture, skipping blank lines and # comments.
func LoadReplayFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 0, 4096), 64<<10)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scan.Err()
}
