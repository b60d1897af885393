package privilege

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// runWithPTY runs argv on a pseudo-terminal with process stdin/stdout
// forwarded, so the elevated tool can prompt interactively. Terminal
// attributes are restored on every exit path. Returns the command's
// merged output.
func (s *Session) runWithPTY(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	master, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to allocate pty: %w", err)
	}
	defer master.Close()

	var output bytes.Buffer

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return "", fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)

		// Forward keystrokes to the master until the command exits.
		// The copy goroutine unblocks when master closes.
		go io.Copy(master, os.Stdin)
	}

	// Mirror the tool's output to the user while capturing it for the
	// fallback-indicator scan.
	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(io.MultiWriter(os.Stdout, &output), master)
	}()

	err = cmd.Wait()
	master.Close()
	<-done

	if ctx.Err() != nil {
		return output.String(), ctx.Err()
	}
	if err != nil {
		return output.String(), fmt.Errorf("elevated command failed: %w", err)
	}
	return output.String(), nil
}

// hasTTY reports whether stdin is attached to a terminal.
func hasTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readPasswordFromTTY prompts on the controlling terminal, bypassing a
// redirected stdin.
func readPasswordFromTTY() (string, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("no controlling terminal: %w", err)
	}
	defer tty.Close()

	fmt.Fprint(tty, "[sudo] password: ")
	pass, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(tty)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pass), nil
}
