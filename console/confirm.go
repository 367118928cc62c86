// Package console asks the operator yes/no questions.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/projecteru2/core/log"
	"golang.org/x/term"
)

// Confirmer answers a yes/no question. Implementations that cannot ask
// must answer no.
type Confirmer interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Fixed answers every question the same way.
type Fixed bool

const (
	Allow Fixed = true
	Deny  Fixed = false
)

func (f Fixed) Confirm(context.Context, string) (bool, error) { return bool(f), nil }

// Prompt asks on a terminal and defaults to no when in is not one.
type Prompt struct {
	in  io.Reader
	out io.Writer
	tty bool
}

// NewPrompt creates a Prompt reading answers from in and writing questions to out.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: in, out: out, tty: IsTerminal(in)}
}

// IsTerminal reports whether v is a file attached to a terminal.
func IsTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec
}

func (p *Prompt) Confirm(ctx context.Context, question string) (bool, error) {
	if !p.tty {
		log.WithFunc("console.Confirm").Warnf(ctx, "%s: no terminal, answering no", question)
		return false, nil
	}
	if _, err := fmt.Fprintf(p.out, "%s [y/N] ", question); err != nil {
		return false, err
	}

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := readLine(p.in)
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.err != io.EOF {
			return false, fmt.Errorf("read answer: %w", a.err)
		}
		return parseAnswer(a.line), nil
	}
}

// readLine reads up to and including '\n' one byte at a time, leaving
// anything typed after the answer for the session that follows.
func readLine(r io.Reader) (string, error) {
	var (
		b   strings.Builder
		buf [1]byte
	)
	for {
		n, err := r.Read(buf[:])
		if n == 1 {
			if buf[0] == '\n' {
				return b.String(), nil
			}
			b.WriteByte(buf[0])
		}
		if err != nil {
			return b.String(), err
		}
	}
}

func parseAnswer(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
