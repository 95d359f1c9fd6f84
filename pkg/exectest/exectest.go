// Package exectest runs helper subprocesses as part of tests.
package exectest

import (
	"bytes"
	"os/exec"
	"sync"
	"testing"
)

// Background is a command running for the duration of a test.
type Background struct {
	tb      testing.TB
	Cmd     *exec.Cmd
	wg      sync.WaitGroup
	done    chan struct{}
	err     error
	errLock sync.Mutex
	// Name prefixes captured output lines in the test log.
	Name      string
	LogStdout bool
	LogStderr bool
}

// NewBackground prepares a command to run in the background of a test.
func NewBackground(tb testing.TB, cmd *exec.Cmd) *Background {
	return &Background{
		tb:   tb,
		Cmd:  cmd,
		done: make(chan struct{}, 1),
	}
}

// Start spawns the process in a goroutine.
// After calling Start, accessing the provided exec.Cmd is unsafe until Close
// returns. Can only be called once.
func (b *Background) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(b.done)
		var prefix string
		if b.Name != "" {
			prefix = b.Name + ": "
		}
		if b.LogStdout {
			b.Cmd.Stdout = &lineWriter{tb: b.tb, prefix: prefix}
		}
		if b.LogStderr {
			b.Cmd.Stderr = &lineWriter{tb: b.tb, prefix: prefix}
		}
		err := b.Cmd.Run()
		b.errLock.Lock()
		b.err = err
		b.errLock.Unlock()
	}()
}

// Close kills the process and waits for it to exit. Idempotent.
// Must be called before the test completes.
func (b *Background) Close() {
	if b.Cmd.Process != nil {
		_ = b.Cmd.Process.Kill()
	}
	b.wg.Wait()
}

// Done returns a channel that closes when the command exits.
func (b *Background) Done() <-chan struct{} {
	return b.done
}

// Err returns the process exit error, if any.
func (b *Background) Err() error {
	b.errLock.Lock()
	defer b.errLock.Unlock()
	return b.err
}

// lineWriter forwards complete output lines to the test log.
type lineWriter struct {
	tb     testing.TB
	prefix string
	buf    bytes.Buffer
}

func (w *lineWriter) Write(buf []byte) (int, error) {
	w.buf.Write(buf)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep it buffered.
			w.buf.WriteString(line)
			break
		}
		if len(line) > 1 {
			w.tb.Log(w.prefix + line[:len(line)-1])
		}
	}
	return len(buf), nil
}
