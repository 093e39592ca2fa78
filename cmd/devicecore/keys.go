package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenDeviceCore/internal/auth"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the argon2id hash for auth.users[].password_hash",
		Long:  "Hashes the password given as argument, or the first line of stdin when omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("empty password")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// tokenEntry mirrors config.MachineTokenConfig with YAML keys.
type tokenEntry struct {
	Name        string   `yaml:"name"`
	TokenID     string   `yaml:"token_id"`
	Hash        string   `yaml:"hash"`
	Permissions []string `yaml:"permissions"`
}

func newTokenCmd() *cobra.Command {
	var (
		flagName        string
		flagPermissions []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate a machine token and its auth.machine_tokens entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range flagPermissions {
				switch auth.Permission(p) {
				case auth.PermOperator, auth.PermTechnician, auth.PermAdmin:
				default:
					return fmt.Errorf("unknown permission %q (want operator, technician or admin)", p)
				}
			}

			token, id, hash, err := auth.GenerateMachineToken()
			if err != nil {
				return err
			}

			entry, err := yaml.Marshal([]tokenEntry{{
				Name:        flagName,
				TokenID:     id,
				Hash:        hash,
				Permissions: flagPermissions,
			}})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token: %s\n\n", token)
			fmt.Fprintln(out, "# add under auth.machine_tokens:")
			fmt.Fprint(out, string(entry))
			return nil
		},
	}
	cmd.Flags().StringVar(&flagName, "name", "machine", "label for the token in logs")
	cmd.Flags().StringSliceVar(&flagPermissions, "permission", []string{string(auth.PermOperator)}, "granted permissions")
	return cmd
}
