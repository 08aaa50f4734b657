package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drydock-cloud/drydock/pkg/types"
)

func newEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage environments",
	}

	cmd.AddCommand(newEnvCreateCmd())
	cmd.AddCommand(newEnvListCmd())
	cmd.AddCommand(newEnvGetCmd())
	cmd.AddCommand(newEnvStopCmd())

	return cmd
}

func newEnvCreateCmd() *cobra.Command {
	var (
		owner   string
		repo    string
		branch  string
		backend string
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request a new environment for a repo branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(gatewayAddr, authToken)

			env, err := client.CreateEnvironment(cmd.Context(), owner, repo, branch, types.BackendKind(backend))
			if err != nil {
				return err
			}

			if wait {
				env, err = waitForEnvironment(cmd, client, env.ExternalId)
				if err != nil {
					return err
				}
			}

			return printEnvironment(env)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&repo, "repo", "", "repository name")
	cmd.Flags().StringVar(&branch, "branch", "main", "branch")
	cmd.Flags().StringVar(&backend, "backend", "container", "backend kind (microvm, container, remote-sandbox)")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the environment is ready or failed")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("repo")

	return cmd
}

func waitForEnvironment(cmd *cobra.Command, client *Client, externalId string) (*types.Environment, error) {
	for {
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-time.After(2 * time.Second):
		}

		env, err := client.GetEnvironment(cmd.Context(), externalId)
		if err != nil {
			return nil, err
		}
		if env.Status == types.EnvironmentStatusReady || env.Status.Terminal() {
			return env, nil
		}
		fmt.Fprintf(os.Stderr, "status: %s\n", env.Status)
	}
}

func newEnvListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(gatewayAddr, authToken)
			envs, err := client.ListEnvironments(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(envs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tREPO\tBACKEND\tSTATUS\tADDRESS")
			for _, env := range envs {
				addr := ""
				if env.NetworkAddress != "" {
					addr = fmt.Sprintf("%s:%d", env.NetworkAddress, env.AppPort)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", env.ExternalId, env.RepoKey(), env.Backend, env.Status, addr)
			}
			return w.Flush()
		},
	}
}

func newEnvGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <environment-id>",
		Short: "Show one environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(gatewayAddr, authToken)
			env, err := client.GetEnvironment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printEnvironment(env)
		},
	}
}

func newEnvStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <environment-id>",
		Short: "Tear an environment down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(gatewayAddr, authToken)
			if err := client.TeardownEnvironment(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		},
	}
}

func newExecCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "exec <environment-id> <command>",
		Short: "Run a shell command inside a ready environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(gatewayAddr, authToken)
			result, err := client.ExecCommand(cmd.Context(), args[0], args[1], timeout)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}

			fmt.Print(result.Output)
			if result.ExitCode != nil && *result.ExitCode != 0 {
				return fmt.Errorf("command exited with code %d", *result.ExitCode)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "command timeout")
	return cmd
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage snapshots",
	}

	var (
		owner  string
		repo   string
		branch string
	)
	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Demote the ready snapshot for a repo branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(gatewayAddr, authToken)
			if err := client.InvalidateSnapshots(cmd.Context(), owner, repo, branch); err != nil {
				return err
			}
			fmt.Println("invalidated")
			return nil
		},
	}
	invalidate.Flags().StringVar(&owner, "owner", "", "repository owner")
	invalidate.Flags().StringVar(&repo, "repo", "", "repository name")
	invalidate.Flags().StringVar(&branch, "branch", "main", "branch")
	invalidate.MarkFlagRequired("owner")
	invalidate.MarkFlagRequired("repo")

	cmd.AddCommand(invalidate)
	return cmd
}

func printEnvironment(env *types.Environment) error {
	if jsonOutput {
		return printJSON(env)
	}

	fmt.Printf("id:       %s\n", env.ExternalId)
	fmt.Printf("repo:     %s\n", env.RepoKey())
	fmt.Printf("backend:  %s\n", env.Backend)
	fmt.Printf("status:   %s\n", env.Status)
	if env.NetworkAddress != "" {
		fmt.Printf("address:  %s:%d\n", env.NetworkAddress, env.AppPort)
	}
	if env.RestoredFromSnapshot {
		fmt.Printf("restored: true\n")
	}
	if env.Error != "" {
		fmt.Printf("error:    %s\n", env.Error)
	}
	return nil
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
