package browser

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// Prompter blocks until an operator has completed a manual step, such as a
// bot check, in the visible browser window.
type Prompter interface {
	Prompt(ctx context.Context, source, rawURL string) error
}

// LinePrompter prints instructions to Out and waits for a line on In.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer
}

// Prompt implements Prompter.
func (p LinePrompter) Prompt(ctx context.Context, source, rawURL string) error {
	if p.Out != nil {
		fmt.Fprintf(p.Out, "[%s] complete any verification for %s in the browser window, then press Enter...\n", source, rawURL)
	}
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(p.In).ReadString('\n')
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil && err != io.EOF {
			return fmt.Errorf("read prompt input: %w", err)
		}
		return nil
	}
}
