package main

import (
	"errors"
	"fmt"
	"image/png"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/folio/api"
	"pkt.systems/folio/client"
	"pkt.systems/folio/internal/imaging"
	"pkt.systems/folio/internal/mask"
)

func newDocumentCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "document",
		Aliases: []string{"doc"},
		Short:   "Inspect library documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print document metadata and whether you may read it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, closeApp, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()
			data, err := app.Client().Document(cmd.Context(), args[0])
			if err != nil {
				return describeError(err)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(documentOutput(data)); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}

type documentYAML struct {
	ID        string `yaml:"id"`
	Title     string `yaml:"title"`
	Author    string `yaml:"author,omitempty"`
	Pages     int    `yaml:"pages"`
	Copyright string `yaml:"copyright,omitempty"`
	Available string `yaml:"available,omitempty"`
	Access    bool   `yaml:"access"`
	Reviewed  bool   `yaml:"reviewed,omitempty"`
}

func documentOutput(data api.DocumentData) documentYAML {
	out := documentYAML{
		ID:        data.Document.ID,
		Title:     data.Document.Title,
		Author:    data.Document.Author,
		Pages:     data.Document.TotalPages,
		Copyright: data.Document.CopyrightStatus,
		Access:    data.HasAccess,
		Reviewed:  data.HasReview,
	}
	if data.Document.TotalCopies > 0 {
		out.Available = fmt.Sprintf("%d/%d", data.Document.AvailableCopies, data.Document.TotalCopies)
	}
	return out
}

func newPreviewCommand(env *cliEnv) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "preview <id>",
		Short: "Download the cover preview of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, closeApp, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()
			masked, err := app.Client().PreviewBytes(cmd.Context(), args[0])
			if err != nil {
				return describeError(err)
			}
			data := mask.Decode(masked, app.Config().MaskKey)
			img, err := imaging.NewDecoder().Decode(data)
			if err != nil {
				return fmt.Errorf("preview of %s: %w", args[0], err)
			}
			if outPath == "" {
				outPath = args[0] + "-preview.png"
			}
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			if err := png.Encode(f, img); err != nil {
				_ = f.Close()
				return fmt.Errorf("encode preview: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			b := img.Bounds()
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%dx%d, %s received)\n", outPath, b.Dx(), b.Dy(), humanizeBytes(int64(len(masked))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (defaults to <id>-preview.png)")
	return cmd
}

// describeError turns session and entitlement failures into advice.
func describeError(err error) error {
	switch {
	case errors.Is(err, client.ErrNotAuthenticated), errors.Is(err, client.ErrSessionExpired):
		return fmt.Errorf("%w (run folio login)", err)
	case client.IsForbidden(err):
		return fmt.Errorf("access denied: %w", err)
	case client.IsNotFound(err):
		return fmt.Errorf("no such document: %w", err)
	}
	return err
}
