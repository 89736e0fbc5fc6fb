//go:build !tinygo

package hal

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestHostLoggerAndConsoleShareStdout(t *testing.T) {
	var out bytes.Buffer
	h, err := New(HostConfig{MemoryBytes: 1 << 16, Stdout: &out, Stdin: strings.NewReader("ps\n")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Memory().Close()

	if got := h.Memory().Size(); got != 1<<16 {
		t.Fatalf("Size() = %d, want %d", got, 1<<16)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Logger().WriteLineString("log line")
		}()
		go func() {
			defer wg.Done()
			_, _ = h.Console().Write([]byte("console line\n"))
		}()
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n") {
		if line != "log line" && line != "console line" {
			t.Fatalf("interleaved output line %q", line)
		}
	}

	in, err := io.ReadAll(h.Console())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(in) != "ps\n" {
		t.Fatalf("console input = %q", in)
	}
}

func TestNewRejectsUnalignedMemory(t *testing.T) {
	if _, err := New(HostConfig{MemoryBytes: 1000}); err == nil {
		t.Fatal("expected error for unaligned memory")
	}
}
