package root

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andrej220/goldenimage/pkg/executor"
	"github.com/andrej220/goldenimage/pkg/secrets"
)

func newSealCmd() *cobra.Command {
	var (
		dir        string
		user       string
		password   string
		keyFile    string
		recipients []string
	)
	cmd := &cobra.Command{
		Use:   "seal REF",
		Short: "Encrypt a host credential for the provisioner's secrets directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("IMAGEBUILDER_PASSWORD")
			}
			cred := executor.Credential{User: user, Password: password}
			if keyFile != "" {
				key, err := os.ReadFile(keyFile)
				if err != nil {
					return err
				}
				cred.PrivateKey = string(key)
			}
			if cred.Password == "" && cred.PrivateKey == "" {
				return errors.New("either --password (or IMAGEBUILDER_PASSWORD) or --key-file is required")
			}
			if err := secrets.Seal(dir, args[0], cred, recipients...); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "sealed %s\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "secrets", "Secrets directory")
	cmd.Flags().StringVar(&user, "user", "", "Login user")
	cmd.Flags().StringVar(&password, "password", "", "Login password")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "PEM private key file")
	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "age public key (repeatable)")
	return cmd
}
