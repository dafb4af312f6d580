package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/porthorian/openguard/pkg/policy"
)

func init() {
	rootCmd.AddCommand(newPolicyCommand())
}

func newPolicyCommand() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate OpenGuard policy files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	policyCmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a policy file and print its effective roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.Load(args[0])
			if err != nil {
				return err
			}

			cmd.Printf("Policy %s is valid.\n", args[0])
			if p.SuperRole != "" {
				cmd.Printf("super role: %s\n", p.SuperRole)
			}
			for _, role := range p.RoleNames() {
				effective := p.For(role)
				cmd.Printf("role %s: rate_limit=%d/%ds token_ttl=%s max_payload=%d permissions=%v\n",
					role,
					effective.RateLimit,
					effective.WindowSeconds,
					effective.TokenTTL(),
					effective.MaxPayloadBytes,
					effective.Permissions,
				)
			}
			return nil
		},
	})

	policyCmd.AddCommand(&cobra.Command{
		Use:   "print [file]",
		Short: "Print a policy with every default filled in",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := policy.Default()
			if len(args) == 1 {
				loaded, err := policy.Load(args[0])
				if err != nil {
					return err
				}
				p = loaded
			}

			data, err := policy.Marshal(p)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(data))
			return err
		},
	})

	return policyCmd
}
