package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/folio/internal/termsurface"
	"pkt.systems/folio/reader"
)

func newReadCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Page through a document in the terminal (arrows navigate, r retries, esc closes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			app, closeApp, err := env.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp()

			keys, restore, err := termsurface.ReadKeys(ctx, os.Stdin)
			if err != nil {
				if errors.Is(err, termsurface.ErrNotTerminal) {
					return fmt.Errorf("folio read needs an interactive terminal")
				}
				return err
			}
			defer restore()

			go func() {
				if err := app.Follow(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "session file not watched: %v\r\n", err)
				}
			}()

			cfg := app.Config()
			var ctrl *reader.Controller
			out := cmd.OutOrStdout()
			surface := termsurface.New(out,
				termsurface.WithTerminal(int(os.Stdout.Fd())),
				termsurface.WithSize(cfg.ViewportWidth, cfg.ViewportHeight),
				termsurface.WithStatus(func(page int) string {
					view := ctrl.View()
					return fmt.Sprintf("%s  %d/%d  ←/→ page  r retry  esc close", view.Title, page, view.PageCount)
				}),
			)
			ctrl = app.NewReader(surface)
			defer ctrl.Unmount()
			return runReader(ctx, ctrl, args[0], keys, out)
		},
	}
}

// runReader mounts documentID and feeds key events to ctrl until the viewer
// closes it, input ends or the session expires.
func runReader(ctx context.Context, ctrl *reader.Controller, documentID string, keys <-chan reader.Event, out io.Writer) error {
	if err := ctrl.Mount(ctx, documentID); err != nil {
		return readerError(err)
	}
	if view := ctrl.View(); view.Err != nil {
		statusLine(out, "page %d failed: %v (press r to retry)", view.Current, view.Err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case redirect := <-ctrl.Redirects():
			return readerError(redirect)
		case ev, ok := <-keys:
			if !ok {
				return nil
			}
			action, err := ctrl.HandleEvent(ctx, ev)
			if err != nil {
				var redirect *reader.RedirectError
				if errors.As(err, &redirect) {
					return readerError(redirect)
				}
				statusLine(out, "%v (press r to retry)", err)
				continue
			}
			if action == reader.ActionClose {
				return nil
			}
		}
	}
}

func readerError(err error) error {
	var redirect *reader.RedirectError
	if !errors.As(err, &redirect) {
		return err
	}
	switch {
	case errors.Is(redirect, reader.ErrLoginRequired):
		return fmt.Errorf("session expired: run folio login")
	case errors.Is(redirect, reader.ErrNoAccess):
		return fmt.Errorf("you do not have access to this document (see %s)", redirect.Target)
	}
	return err
}

func statusLine(out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, "\r\x1b[2K"+format, args...)
}
