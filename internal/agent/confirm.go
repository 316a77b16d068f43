package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
)

// TerminalConfirmer resolves require-confirmation decisions by asking
// on the terminal. Anything but an explicit yes refuses.
type TerminalConfirmer struct {
	In  io.Reader
	Out io.Writer
}

func NewTerminalConfirmer() *TerminalConfirmer {
	return &TerminalConfirmer{In: os.Stdin, Out: os.Stdout}
}

func (c *TerminalConfirmer) Confirm(ctx context.Context, inv *task.Invocation, desc tools.Descriptor) bool {
	args, _ := json.Marshal(inv.Args)
	fmt.Fprintf(c.Out, "\nConfirm %s (%s risk) with args %s? [y/N]: ", inv.Tool, desc.Risk, args)

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(c.In).ReadString('\n')
		lines <- line
	}()

	select {
	case <-ctx.Done():
		return false
	case line := <-lines:
		line = strings.ToLower(strings.TrimSpace(line))
		return line == "y" || line == "yes"
	}
}
