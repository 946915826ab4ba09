package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/reelvault/internal/integrity"
	"github.com/thebluefowl/reelvault/internal/progress"
)

var (
	verifyDeep bool
	verifyAs   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [video-id]",
	Short: "Check stored videos for tampering",
	Long: `Recomputes the owner MAC over the stored ciphertext. With --deep the
ciphertext is also decrypted and its plaintext hash compared. Without a
video id every available video is checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyDeep, "deep", false, "decrypt and compare the plaintext hash")
	verifyCmd.Flags().StringVar(&verifyAs, "as", "", "owner account id; required with a video id")
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	defer a.close()

	keys, err := a.openKeys()
	if err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		reports, err := integrity.New(keys, st, blobs, integrity.Options{Logger: a.log}).Audit(ctx, verifyDeep)
		if err != nil {
			return err
		}
		return printReports(reports)
	}

	if verifyAs == "" {
		return fmt.Errorf("--as is required when verifying one video")
	}
	p, err := principalFor(a, cmd, verifyAs)
	if err != nil {
		return err
	}
	v, err := st.GetVideo(ctx, args[0])
	if err != nil {
		return err
	}
	bars := progress.NewStages(os.Stderr, v.PlaintextSize)
	opts := integrity.Options{Logger: a.log}
	if verifyDeep {
		opts.Progress = bars.Writer
	}
	rep, err := integrity.New(keys, st, blobs, opts).Check(ctx, p, v.ID, verifyDeep)
	bars.Finish()
	if err != nil {
		return err
	}
	return printReports([]integrity.Report{*rep})
}

func printReports(reports []integrity.Report) error {
	failed := 0
	for _, r := range reports {
		if r.OK() {
			color.Green("✓ %s %q", r.VideoID, r.Title)
			continue
		}
		failed++
		msg := r.Error
		if msg == "" && r.Authentic != nil && !r.Authentic.Valid {
			msg = r.Authentic.Message
		}
		if msg == "" && r.Content != nil {
			msg = r.Content.Message
		}
		color.Red("✗ %s %q: %s", r.VideoID, r.Title, msg)
	}
	fmt.Printf("%d checked, %d failed\n", len(reports), failed)
	if failed > 0 {
		return fmt.Errorf("%d video(s) failed verification", failed)
	}
	return nil
}
