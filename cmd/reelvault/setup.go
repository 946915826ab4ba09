package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/keystore"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the server keystore",
	Long: `Generates the RSA keypair that wraps content keys and the master secret
for MAC and capability keys, and seals both under a passphrase. With
KEYSTORE_AGE_IDENTITY set they are sealed to that age identity instead; a
missing identity file is generated.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var (
	warnStyle = lipgloss.NewStyle().Width(60).Foreground(lipgloss.Color("214"))
	boxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).BorderForeground(lipgloss.Color("63"))
)

func runInit(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	path := a.cfg.Keystore.Path
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("keystore %s already exists; use `reelvault password` to change its passphrase", path)
	}

	pass := a.cfg.Keystore.Passphrase
	if id := a.cfg.Keystore.AgeIdentity; id != "" {
		if err := ensureAgeIdentity(id); err != nil {
			return err
		}
	} else {
		color.New(color.BgWhite).Println("Set up keystore passphrase")
		fmt.Println(warnStyle.Render("⚠ Forgetting the keystore passphrase makes every sealed video unrecoverable. Be sure to write it down somewhere safe."))
		fmt.Println()
		if pass == "" {
			if pass, err = setupPassphrase(); err != nil {
				return err
			}
		}
	}

	fmt.Printf("\nℹ Generating a %d-bit RSA key...\n", a.cfg.Keystore.RSAKeyBits)
	ks, err := keystore.Open(a.keystoreOptions(pass))
	if err != nil {
		return fmt.Errorf("failed to create keystore: %w", err)
	}
	if !ks.Created() {
		color.Yellow("Another process created %s first; loaded it instead.", path)
	} else {
		color.Green("✓ Keystore saved to %s", path)
	}

	pem, err := ks.PublicKeyPEM()
	if err != nil {
		return err
	}

	fmt.Println(boxStyle.Render(fmt.Sprintf("Fingerprint: %s\n\n%s", ks.Fingerprint(), pem)))
	return nil
}

// ensureAgeIdentity creates the identity file at id unless it already exists
// or id is an inline secret key.
func ensureAgeIdentity(id string) error {
	if strings.HasPrefix(id, "AGE-SECRET-KEY-") {
		return nil
	}
	if _, err := os.Stat(id); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(id), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	recipient, err := enc.WriteAgeIdentityFile(id)
	if err != nil {
		return err
	}
	color.Green("✓ Age identity written to %s", id)
	fmt.Println(warnStyle.Render("⚠ Losing this identity file makes every sealed video unrecoverable. Back it up somewhere safe. Recipient: " + recipient))
	fmt.Println()
	return nil
}

func setupPassphrase() (string, error) {
	questions := []*survey.Question{
		{
			Name: "password",
			Prompt: &survey.Password{
				Message: "Keystore Passphrase:",
			},
			Validate: survey.ComposeValidators(survey.Required, survey.MinLength(12)),
		},
		{
			Name: "confirm",
			Prompt: &survey.Password{
				Message: "Confirm Passphrase:",
			},
			Validate: survey.Required,
		},
	}

	var answers struct {
		Password string
		Confirm  string
	}

	if err := survey.Ask(questions, &answers); err != nil {
		return "", err
	}

	if answers.Password != answers.Confirm {
		color.Red("Passphrases do not match")
		return "", errors.New("passphrases do not match")
	}

	color.Green("✓ Passphrase set")
	return answers.Password, nil
}
