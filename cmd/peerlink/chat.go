// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/chzyer/readline"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/peerlink/cmd/peerlink/cli"
	"github.com/bureau-foundation/peerlink/lib/config"
	"github.com/bureau-foundation/peerlink/transport"
)

func chatCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
	)
	return &cli.Command{
		Name:    "chat",
		Summary: "Exchange text messages with a peer over a secure pipeline",
		Description: `Build the pipeline described by a config file, connect to the peer,
and relay lines between stdin and the peer. Each line is sent as one
string message; received messages are printed as they arrive.

The session ends at end of input, on interrupt, or when the pipeline
disconnects or fails.`,
		Usage: "peerlink chat [--config FILE] [--verbose]",
		Examples: []cli.Example{
			{
				Description: "Offer through a shared directory",
				Command:     "PEERLINK_SIGNAL_PEER=bob peerlink chat --config alice.yaml",
			},
			{
				Description: "Pipe a file to the peer",
				Command:     "peerlink chat --config peer.yaml < notes.txt",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("chat", pflag.ContinueOnError)
			flagSet.StringVarP(&configPath, "config", "c", "", "config file (default: $"+config.EnvironmentVariable+")")
			flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := cli.NewLogger(verbose)

			ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			terminal := term.IsTerminal(int(os.Stdin.Fd()))
			if !terminal {
				return runChat(ctx, p, scanLines(os.Stdin), os.Stdout, newChatStyles(os.Stdout, false), logger)
			}
			prompt, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("opening prompt: %w", err)
			}
			defer prompt.Close()
			return runChat(ctx, p, prompt.Readline, prompt.Stdout(), newChatStyles(prompt.Stdout(), true), logger)
		},
	}
}

// loadConfig reads path, or PEERLINK_CONFIG when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// lineSource returns the next input line, or io.EOF at the end.
type lineSource func() (string, error)

func scanLines(r io.Reader) lineSource {
	scanner := bufio.NewScanner(r)
	return func() (string, error) {
		if scanner.Scan() {
			return scanner.Text(), nil
		}
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
}

// chatStyles renders chat output.
type chatStyles struct {
	peer   lipgloss.Style
	status lipgloss.Style
	failed lipgloss.Style
}

// newChatStyles styles output for w. Without color the renderer is
// pinned to the ASCII profile so nothing but text is written.
func newChatStyles(w io.Writer, color bool) chatStyles {
	renderer := lipgloss.NewRenderer(w, termenv.WithProfile(termenv.ANSI256))
	if !color {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return chatStyles{
		peer:   renderer.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		status: renderer.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
		failed: renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

// chatWriter serializes output from the callback dispatcher and the
// input loop.
type chatWriter struct {
	mu     sync.Mutex
	out    io.Writer
	styles chatStyles
}

// message prints a received message. Escape sequences are stripped so
// a peer cannot drive the local terminal.
func (w *chatWriter) message(message transport.Message) {
	text := ansi.Strip(message.String())
	if message.Kind() != transport.KindString {
		text = fmt.Sprintf("[%s message, %d bytes]", message.Kind(), message.Len())
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, "%s %s\n", w.styles.peer.Render("peer:"), text)
}

func (w *chatWriter) status(style lipgloss.Style, format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, style.Render("* "+fmt.Sprintf(format, args...)))
}

// runChat starts p and relays lines from input to the peer and
// messages from the peer to output until input ends, ctx is done, or
// the pipeline goes down. A failed pipeline is returned as an error.
func runChat(ctx context.Context, p *pipeline, input lineSource, output io.Writer, styles chatStyles, logger *slog.Logger) error {
	writer := &chatWriter{out: output, styles: styles}
	states := make(chan transport.StateChange, 16)
	err := p.top.Bind(transport.Callbacks{
		OnMessage: writer.message,
		OnStateChange: func(change transport.StateChange) {
			select {
			case states <- change:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	lines := make(chan string)
	inputDone := make(chan error, 1)
	go func() {
		for {
			line, err := input()
			if err != nil {
				inputDone <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	connected, inputClosed := false, false
	var pending []string
	for {
		select {
		case <-ctx.Done():
			return nil

		case change := <-states:
			switch change.Current {
			case transport.StateConnected:
				connected = true
				writer.status(styles.status, "connected as %s (local %s)", p.secure.Role(), p.fingerprint)
				for _, line := range pending {
					send(p.top, line, logger)
				}
				pending = nil
				if inputClosed {
					return nil
				}
			case transport.StateFailed:
				writer.status(styles.failed, "failed: %v", change.Err)
				return change.Err
			case transport.StateDisconnected:
				writer.status(styles.status, "disconnected")
				return nil
			}

		case line := <-lines:
			if line == "" {
				continue
			}
			if !connected {
				pending = append(pending, line)
				continue
			}
			send(p.top, line, logger)

		case err := <-inputDone:
			if err != io.EOF && err != readline.ErrInterrupt {
				return fmt.Errorf("reading input: %w", err)
			}
			// Lines typed before the handshake finished still go out.
			if connected || len(pending) == 0 {
				return nil
			}
			inputClosed = true
		}
	}
}

func send(top transport.Transport, line string, logger *slog.Logger) {
	if !top.Send(transport.StringMessage(line)) {
		logger.Warn("message refused by pipeline", "bytes", len(line))
	}
}
