package main

import (
	"context"
	"fmt"
	"os"

	"fedstore/pkg/config"
	"fedstore/pkg/federation"
	"fedstore/pkg/node"
	"fedstore/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func versionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect and restore the version history of a key",
	}

	list := &cobra.Command{
		Use:   "list <key>",
		Short: "List the versions of a key, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				versions, err := n.Engine().ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if len(versions) == 0 {
					fmt.Println(mutedStyle.Render("No versions"))
					return nil
				}

				t := newTable("VERSION", "CREATED", "SIZE", "BY", "COMMENT")
				for _, v := range versions {
					t.Row(v.VersionID,
						v.CreatedAt.Format("2006-01-02 15:04:05"),
						config.FormatDataSize(v.SizeBytes),
						v.CreatedBy.String(),
						v.Comment)
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}

	var output string
	get := &cobra.Command{
		Use:   "get <key> <version-id>",
		Short: "Read one version of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				data, err := n.Engine().GetVersion(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if output != "" {
					return os.WriteFile(output, data, 0o644)
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		},
	}
	get.Flags().StringVarP(&output, "output", "o", "", "write the value to a file")

	revert := &cobra.Command{
		Use:   "revert <key> <version-id>",
		Short: "Make an earlier version current",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				loc, err := n.Engine().RevertToVersion(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(loc)
			})
		},
	}

	var maxVersions int
	enable := &cobra.Command{
		Use:   "enable <key>",
		Short: "Start keeping a version history for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				if err := n.Engine().EnableVersioning(ctx, args[0], maxVersions); err != nil {
					return err
				}
				fmt.Printf("Versioning enabled for %s (keeping %d)\n", args[0], maxVersions)
				return nil
			})
		},
	}
	enable.Flags().IntVar(&maxVersions, "max-versions", federation.DefaultMaxVersions, "versions to keep")

	cmd.AddCommand(list, get, revert, enable)
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage encryption key grants",
	}

	grant := &cobra.Command{
		Use:   "grant <key> <federation>",
		Short: "Let a federation decrypt a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				keyID, err := n.Engine().KeyID(ctx, args[0])
				if err != nil {
					return err
				}
				if err := n.Engine().GrantFederationKeyAccess(ctx, types.FederationID(args[1]), keyID); err != nil {
					return err
				}
				fmt.Printf("Granted %s access to key %s\n", args[1], keyID)
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key> <federation>",
		Short: "Withdraw a federation's key grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				keyID, err := n.Engine().KeyID(ctx, args[0])
				if err != nil {
					return err
				}
				if err := n.Engine().RevokeFederationKeyAccess(ctx, types.FederationID(args[1]), keyID); err != nil {
					return err
				}
				fmt.Printf("Revoked %s access to key %s\n", args[1], keyID)
				return nil
			})
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate <key>",
		Short: "Re-encrypt a key and its versions under a new encryption key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				keyID, err := n.Engine().RotateKey(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Rotated %s to key %s\n", args[0], keyID)
				return nil
			})
		},
	}

	cmd.AddCommand(grant, revoke, rotate)
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage per-key access policies",
	}

	show := &cobra.Command{
		Use:   "show <key>",
		Short: "Print the policy of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				loc, err := n.Engine().Location(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(loc.Policy)
			})
		},
	}

	var flags policyFlags
	set := &cobra.Command{
		Use:   "set <key>",
		Short: "Replace the policy of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				loc, err := n.Engine().UpdatePolicy(ctx, args[0], flags.build(owner(ctx)))
				if err != nil {
					return err
				}
				return printJSON(loc)
			})
		},
	}
	flags.register(set)

	cmd.AddCommand(show, set)
	return cmd
}

// newTable returns a table in the CLI's style with headers
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		}).
		Headers(headers...)
}
