package main

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/reelvault/internal/keystore"
)

var toAgeIdentity string

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Change the keystore passphrase",
	Long: `Re-seals the keystore under a new passphrase. The current secret is
KEYSTORE_AGE_IDENTITY when set, otherwise a prompted passphrase. With
--age-identity the keystore is sealed to that identity instead (generated if
the file does not exist); point KEYSTORE_AGE_IDENTITY at it afterwards.`,
	Args: cobra.NoArgs,
	RunE: runPassword,
}

func init() {
	passwordCmd.Flags().StringVar(&toAgeIdentity, "age-identity", "", "seal to this age identity file instead of a passphrase")
}

func runPassword(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	from := keystore.Unlock{AgeIdentity: a.cfg.Keystore.AgeIdentity}
	if from.AgeIdentity == "" {
		color.New(color.BgWhite).Println("Current passphrase")
		if from.Passphrase, err = askPassphrase(); err != nil {
			return err
		}
	}

	var to keystore.Unlock
	if toAgeIdentity != "" {
		if err := ensureAgeIdentity(toAgeIdentity); err != nil {
			return err
		}
		to.AgeIdentity = toAgeIdentity
	} else {
		color.New(color.BgWhite).Println("New passphrase")
		if to.Passphrase, err = setupPassphrase(); err != nil {
			return err
		}
	}

	if err := keystore.Reseal(a.cfg.Keystore.Path, from, to, a.cfg.Keystore.ScryptWorkFactor); err != nil {
		return fmt.Errorf("failed to re-seal keystore: %w", err)
	}
	color.Green("✓ Keystore re-sealed")
	return nil
}

func askPassphrase() (string, error) {
	question := []*survey.Question{
		{
			Name: "password",
			Prompt: &survey.Password{
				Message: "Keystore Passphrase:",
			},
		},
	}

	var password string
	if err := survey.Ask(question, &password); err != nil {
		return "", err
	}

	return password, nil
}
