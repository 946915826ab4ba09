package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/reelvault/internal/audit"
	"github.com/thebluefowl/reelvault/internal/models"
)

var (
	exportOut      string
	exportVideo    string
	exportConsumer string
	exportSince    time.Duration
	exportLevel    int
	exportPlain    bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Work with the access log",
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the access log as zstd-compressed JSON lines",
	Args:  cobra.NoArgs,
	RunE:  runAuditExport,
}

var auditReadCmd = &cobra.Command{
	Use:   "read <file>",
	Short: "Print an exported access log, compressed or plain",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditRead,
}

func init() {
	f := auditExportCmd.Flags()
	f.StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	f.StringVar(&exportVideo, "video", "", "only entries for this video id")
	f.StringVar(&exportConsumer, "consumer", "", "only entries for this consumer id")
	f.DurationVar(&exportSince, "since", 0, "only entries newer than this, e.g. 72h")
	f.IntVar(&exportLevel, "level", 0, "zstd level 1-19 (default 3)")
	f.BoolVar(&exportPlain, "plain", false, "write uncompressed JSON lines")

	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditReadCmd)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	defer a.close()
	st, err := a.openStore()
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if exportOut != "" {
		out, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		defer out.Close()
		w = out
	}

	filter := models.AccessLogFilter{VideoID: exportVideo, ConsumerID: exportConsumer}
	if exportSince > 0 {
		filter.Since = time.Now().Add(-exportSince)
	}
	info, err := audit.Export(cmd.Context(), st, w, audit.ExportConfig{Filter: filter, Level: exportLevel, Plain: exportPlain})
	if err != nil {
		return err
	}
	if exportOut != "" {
		color.Green("✓ Exported %d entries to %s (%d → %d bytes, %.1f%% saved)",
			info.Entries, exportOut, info.BytesIn, info.BytesOut, info.Savings*100)
	}
	return nil
}

func runAuditRead(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	entries, err := audit.ReadExport(f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return err
		}
	}
	return nil
}
