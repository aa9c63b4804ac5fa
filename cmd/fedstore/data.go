package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"fedstore/pkg/federation"
	"fedstore/pkg/types"

	"github.com/spf13/cobra"
)

// storage is the part of the router and of a remote federation the data
// commands use
type storage interface {
	Put(ctx context.Context, key string, value []byte, policy *federation.DataAccessPolicy) (*federation.DataLocation, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	CheckAccess(ctx context.Context, key string, access types.AccessType) (bool, error)
}

// policyFlags collects the flags that describe a DataAccessPolicy
type policyFlags struct {
	read, write, admin []string
	noEncrypt          bool
	redundancy         int
	versioned          bool
	maxVersions        int
	expires            time.Duration
}

func (p *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&p.read, "read", nil, "federations allowed to read")
	cmd.Flags().StringSliceVar(&p.write, "write", nil, "federations allowed to write")
	cmd.Flags().StringSliceVar(&p.admin, "admin", nil, "federations allowed to administer")
	cmd.Flags().BoolVar(&p.noEncrypt, "no-encrypt", false, "store the value unencrypted")
	cmd.Flags().IntVar(&p.redundancy, "redundancy", federation.DefaultRedundancyFactor, "replicas to keep")
	cmd.Flags().BoolVar(&p.versioned, "versioned", false, "keep a version history")
	cmd.Flags().IntVar(&p.maxVersions, "max-versions", federation.DefaultMaxVersions, "versions to keep")
	cmd.Flags().DurationVar(&p.expires, "expires", 0, "remove the key after this long")
}

// changed reports whether any policy flag was given
func (p *policyFlags) changed(cmd *cobra.Command) bool {
	for _, name := range []string{"read", "write", "admin", "no-encrypt", "redundancy", "versioned", "max-versions", "expires"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func federationIDs(names []string) []types.FederationID {
	ids := make([]types.FederationID, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			ids = append(ids, types.FederationID(n))
		}
	}
	return ids
}

// build returns the policy described by the flags. Unset federation lists
// default to owner.
func (p *policyFlags) build(owner types.FederationID) *federation.DataAccessPolicy {
	policy := federation.DefaultPolicy(owner)
	if len(p.read) > 0 {
		policy.ReadFederations = federation.NewFederationSet(federationIDs(p.read)...)
	}
	if len(p.write) > 0 {
		policy.WriteFederations = federation.NewFederationSet(federationIDs(p.write)...)
	}
	if len(p.admin) > 0 {
		policy.AdminFederations = federation.NewFederationSet(federationIDs(p.admin)...)
	}
	policy.EncryptionRequired = !p.noEncrypt
	policy.RedundancyFactor = p.redundancy
	policy.VersioningEnabled = p.versioned
	policy.MaxVersions = p.maxVersions
	if p.expires > 0 {
		at := time.Now().Add(p.expires)
		policy.ExpirationTime = &at
	}
	return policy
}

// owner is the federation a new policy defaults to
func owner(ctx context.Context) types.FederationID {
	fed, _ := federation.RequesterFromContext(ctx)
	return fed
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readValue returns --value, the named file, or stdin for "-"
func readValue(value string, args []string) ([]byte, error) {
	if value != "" {
		return []byte(value), nil
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("provide a value with --value, a file path, or - for stdin")
	}
	if args[1] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[1])
}

func putCmd() *cobra.Command {
	var (
		value  string
		policy policyFlags
	)

	cmd := &cobra.Command{
		Use:   "put <key> [file|-]",
		Short: "Store a value",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readValue(value, args)
			if err != nil {
				return err
			}
			return withStorage(func(ctx context.Context, s storage) error {
				var p *federation.DataAccessPolicy
				if policy.changed(cmd) {
					p = policy.build(owner(ctx))
				}
				loc, err := s.Put(ctx, args[0], data, p)
				if err != nil {
					return err
				}
				return printJSON(loc)
			})
		},
	}

	cmd.Flags().StringVar(&value, "value", "", "value to store")
	policy.register(cmd)
	return cmd
}

func getCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(ctx context.Context, s storage) error {
				data, err := s.Get(ctx, args[0])
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

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the value to a file")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key and all of its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(ctx context.Context, s storage) error {
				if err := s.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func checkCmd() *cobra.Command {
	var access string

	cmd := &cobra.Command{
		Use:   "check <key>",
		Short: "Check whether the acting federation has access to a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := types.ParseAccessType(access)
			if err != nil {
				return err
			}
			return withStorage(func(ctx context.Context, s storage) error {
				ok, err := s.CheckAccess(ctx, args[0], kind)
				if err != nil {
					return err
				}
				fmt.Printf("%s access to %s: %t\n", kind, args[0], ok)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&access, "access", "read", "access to check: read, write or admin")
	return cmd
}
