package sshexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"

	"github.com/cyris-project/cyris/pkg/types"
)

// Put copies a local file to the target, preserving mtime, and verifies
// size+mtime afterwards. Existing remote files with matching size and
// mtime are skipped.
func (e *Executor) Put(ctx context.Context, t Target, local, remote string) error {
	st, err := os.Stat(local)
	if err != nil {
		return types.NewError(types.ErrSSH, "stat local", err)
	}

	client, err := e.connect(ctx, t)
	if err != nil {
		return types.NewError(types.ErrSSH, "connect", err)
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return types.NewError(types.ErrSSH, "sftp", err)
	}
	defer sc.Close()

	if rst, err := sc.Stat(remote); err == nil {
		if rst.Size() == st.Size() && rst.ModTime().Truncate(time.Second).Equal(st.ModTime().Truncate(time.Second)) {
			return nil // already in place
		}
	}

	if err := sc.MkdirAll(path.Dir(remote)); err != nil {
		return types.NewError(types.ErrSSH, "mkdir remote", err)
	}

	start := time.Now()
	src, err := os.Open(local)
	if err != nil {
		return types.NewError(types.ErrSSH, "open local", err)
	}
	defer src.Close()

	dst, err := sc.Create(remote)
	if err != nil {
		return types.NewError(types.ErrSSH, "create remote", err)
	}
	n, err := io.Copy(dst, src)
	cerr := dst.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		return types.NewError(types.ErrSSH, "copy", err)
	}

	if err := sc.Chtimes(remote, time.Now(), st.ModTime()); err != nil {
		return types.NewError(types.ErrSSH, "chtimes", err)
	}

	rst, err := sc.Stat(remote)
	if err != nil || rst.Size() != st.Size() {
		return types.NewError(types.ErrSSH, "verify",
			fmt.Errorf("remote size mismatch after transfer of %s", local))
	}

	e.reg.RecordResult(types.OpFile, rangeIDFrom(ctx), "", phaseFrom(ctx),
		fmt.Sprintf("put %s -> %s@%s:%s (%d bytes)", local, t.User, t.Host, remote, n),
		0, time.Since(start), "", "", false)
	return nil
}

// Get copies a remote file to a local path.
func (e *Executor) Get(ctx context.Context, t Target, remote, local string) error {
	client, err := e.connect(ctx, t)
	if err != nil {
		return types.NewError(types.ErrSSH, "connect", err)
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return types.NewError(types.ErrSSH, "sftp", err)
	}
	defer sc.Close()

	start := time.Now()
	src, err := sc.Open(remote)
	if err != nil {
		return types.NewError(types.ErrSSH, "open remote", err)
	}
	defer src.Close()

	dst, err := os.Create(local)
	if err != nil {
		return types.NewError(types.ErrSSH, "create local", err)
	}
	n, err := io.Copy(dst, src)
	cerr := dst.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		return types.NewError(types.ErrSSH, "copy", err)
	}

	e.reg.RecordResult(types.OpFile, rangeIDFrom(ctx), "", phaseFrom(ctx),
		fmt.Sprintf("get %s@%s:%s -> %s (%d bytes)", t.User, t.Host, remote, local, n),
		0, time.Since(start), "", "", false)
	return nil
}
