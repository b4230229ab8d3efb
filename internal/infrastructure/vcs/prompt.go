package vcs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	pwerrors "github.com/pocketwalk/pocketwalk/pkg/errors"
)

// promptReader serves cancellable line reads from a single underlying
// reader. One goroutine owns the blocking reads; a cancelled prompt
// abandons its pending line by flagging the next line read to be
// dropped. Only that one line is dropped; a line already queued on the
// channel when the cancellation lands is not.
type promptReader struct {
	lines chan string
	start sync.Once
	src   *bufio.Reader

	mu      sync.Mutex
	flushed bool
}

func newPromptReader(src io.Reader) *promptReader {
	return &promptReader{
		lines: make(chan string, 1),
		src:   bufio.NewReader(src),
	}
}

func (p *promptReader) loop() {
	for {
		line, err := p.src.ReadString('\n')
		if err != nil && line == "" {
			close(p.lines)
			return
		}
		p.mu.Lock()
		drop := p.flushed
		p.flushed = false
		p.mu.Unlock()
		if drop {
			continue
		}
		p.lines <- trimNewline(line)
	}
}

// read prints the prompt and waits for a line or cancellation. On
// cancellation any in-flight line is flagged to be dropped, mirroring
// a terminal input-buffer flush.
func (p *promptReader) read(ctx context.Context, out io.Writer, prompt string) (string, error) {
	p.start.Do(func() { go p.loop() })
	fmt.Fprint(out, prompt)
	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "\ninput cancelled...")
		p.mu.Lock()
		p.flushed = true
		p.mu.Unlock()
		return "", pwerrors.NewCancelledError(ctx.Err())
	case line, ok := <-p.lines:
		if !ok {
			return "", pwerrors.NewTickFailureError("commit message input closed", io.EOF)
		}
		return line, nil
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
