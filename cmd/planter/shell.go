package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/brianmichel/planter/internal/protocol"
)

// detachByte ends an attached shell session from the client side (Ctrl-]).
const detachByte = 0x1d

func shellCmd() *cobra.Command {
	var shellPath, cwd string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Attach an interactive shell in a sandboxed session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(shellPath, cwd)
		},
	}
	cmd.Flags().StringVar(&shellPath, "shell", "/bin/bash", "Shell to launch")
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory inside the session")
	return cmd
}

func runShell(shellPath, cwd string) error {
	cols, rows := 80, 24
	stdinFD := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFD)
	if interactive {
		if w, h, err := term.GetSize(stdinFD); err == nil {
			cols, rows = w, h
		}
	}

	opened, err := call(protocol.Request{
		Type:  protocol.ReqPtyOpen,
		Shell: shellPath,
		Cols:  uint16(cols),
		Rows:  uint16(rows),
		Cwd:   cwd,
		Env:   map[string]string{},
	})
	if err != nil {
		return err
	}
	sessionID := opened.SessionID
	fmt.Fprintf(os.Stderr, "attached session %d, detach with ctrl-]\r\n", sessionID)

	if interactive {
		oldState, err := term.MakeRaw(stdinFD)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(stdinFD, oldState)
	}

	// Input and output use separate connections: the read side sits in
	// follow waits while the input side stays responsive.
	done := make(chan struct{})
	var doneOnce sync.Once
	finish := func() { doneOnce.Do(func() { close(done) }) }
	go pumpInput(sessionID, done, finish)
	go watchResize(sessionID, stdinFD, interactive)

	defer func() {
		_, _ = call(protocol.Request{
			Type:      protocol.ReqPtyClose,
			SessionID: sessionID,
		})
	}()

	readClient, err := dial()
	if err != nil {
		finish()
		return err
	}
	defer readClient.Close()

	var offset uint64
	for {
		select {
		case <-done:
			return nil
		default:
		}

		resp, err := readClient.Call(protocol.Request{
			Type:      protocol.ReqPtyRead,
			SessionID: sessionID,
			Offset:    offset,
			MaxBytes:  64 * 1024,
			Follow:    true,
			WaitMs:    500,
		})
		if err != nil {
			finish()
			return err
		}
		if respErr := resp.Err(); respErr != nil {
			finish()
			return respErr
		}

		os.Stdout.Write(resp.Data)
		offset += uint64(len(resp.Data))
		if resp.Complete {
			finish()
			if resp.ExitCode != nil && *resp.ExitCode != 0 {
				return fmt.Errorf("shell exited with code %d", *resp.ExitCode)
			}
			return nil
		}
	}
}

// pumpInput forwards stdin bytes to the session until detach or EOF.
func pumpInput(sessionID protocol.SessionID, done chan struct{}, finish func()) {
	inputClient, err := dial()
	if err != nil {
		return
	}
	defer inputClient.Close()

	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		data := buf[:n]
		for _, b := range data {
			if b == detachByte {
				finish()
				return
			}
		}
		resp, err := inputClient.Call(protocol.Request{
			Type:      protocol.ReqPtyInput,
			SessionID: sessionID,
			Data:      data,
		})
		if err != nil || resp.Err() != nil {
			return
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

// watchResize mirrors terminal size changes into the session.
func watchResize(sessionID protocol.SessionID, stdinFD int, interactive bool) {
	if !interactive {
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)

	resizeClient, err := dial()
	if err != nil {
		return
	}
	defer resizeClient.Close()

	for range sigCh {
		w, h, err := term.GetSize(stdinFD)
		if err != nil {
			continue
		}
		_, _ = resizeClient.Call(protocol.Request{
			Type:      protocol.ReqPtyResize,
			SessionID: sessionID,
			Cols:      uint16(w),
			Rows:      uint16(h),
		})
		// Coalesce bursts of resize events.
		time.Sleep(50 * time.Millisecond)
	}
}
