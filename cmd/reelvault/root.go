package main

import (
	"os"

	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "reelvault",
	Short: "Envelope-encrypted video vault with per-viewer key distribution",
	Long: `reelvault seals uploaded videos under per-video content keys, keeps an
access ledger of viewer grants, and hands each approved viewer the content
key re-wrapped for their own public key.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load settings from this file instead of ./.env")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(passwordCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	Execute()
}
