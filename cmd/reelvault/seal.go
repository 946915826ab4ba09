package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/ingest"
	"github.com/thebluefowl/reelvault/internal/progress"
)

var (
	sealOwner       string
	sealTitle       string
	sealContentType string
)

var sealCmd = &cobra.Command{
	Use:   "seal <file>",
	Short: "Encrypt a video and store it for an owner",
	Long: `Encrypts the file under a fresh content key, MACs the ciphertext with the
owner's key, uploads it to the blob store and records its envelope.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeal,
}

func init() {
	sealCmd.Flags().StringVar(&sealOwner, "owner", "", "account id of the owning admin (required)")
	sealCmd.Flags().StringVar(&sealTitle, "title", "", "video title (defaults to the file name)")
	sealCmd.Flags().StringVar(&sealContentType, "content-type", "", "MIME type (defaults to one guessed from the extension)")
	_ = sealCmd.MarkFlagRequired("owner")
}

// principalFor acts as the stored account, with the role it was given.
func principalFor(a *app, cmd *cobra.Command, accountID string) (identity.Principal, error) {
	st, err := a.openStore()
	if err != nil {
		return identity.Principal{}, err
	}
	acct, err := st.GetAccount(cmd.Context(), accountID)
	if err != nil {
		return identity.Principal{}, fmt.Errorf("account %s: %w", accountID, err)
	}
	return identity.Principal{UserID: acct.ID, Role: acct.Role}, nil
}

func runSeal(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]

	a, err := newApp()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	defer a.close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	keys, err := a.openKeys()
	if err != nil {
		return err
	}
	p, err := principalFor(a, cmd, sealOwner)
	if err != nil {
		return err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return err
	}

	title := sealTitle
	if title == "" {
		title = filepath.Base(path)
	}
	contentType := sealContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}

	bars := progress.NewStages(os.Stderr, fi.Size())
	sealer := ingest.NewSealer(keys, a.st, blobs, ingest.Options{MaxVideoBytes: a.cfg.Service.MaxVideoBytes, Logger: a.log})
	res, err := sealer.Seal(ctx, p, f, ingest.SealRequest{
		Title:       title,
		ContentType: contentType,
		Progress:    bars.Writer,
	})
	bars.Finish()
	if err != nil {
		color.Red("✗ Seal failed")
		return err
	}

	color.Green("✓ Sealed %s as video %s (%d bytes, %s)", filepath.Base(path), res.Video.ID, res.Video.PlaintextSize, res.Envelope.AEADAlgorithm())
	return nil
}
