package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"umpired/services/umpired/internal/confdoc"
	"umpired/services/umpired/internal/registry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:           "umpire",
		Short:         "Operator CLI for the umpired factory server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("UMPIRE_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8090"
	}
	cmd.PersistentFlags().StringVar(&server, "server", defaultServer,
		"Base URL of the umpired admin API")

	client := func() *adminClient { return newAdminClient(server) }

	cmd.AddCommand(newStatusCommand(client))
	cmd.AddCommand(newDeployCommand(client))
	cmd.AddCommand(newEditCommand(client))
	cmd.AddCommand(newImportBundleCommand(client))
	cmd.AddCommand(newUpdateCommand(client))
	cmd.AddCommand(newExportPayloadCommand(client))
	cmd.AddCommand(newServiceCommand(client, "start-service",
		"Start side services from the active config", "/admin/v1/services/start", "started"))
	cmd.AddCommand(newServiceCommand(client, "stop-service",
		"Stop running side services", "/admin/v1/services/stop", "stopped"))
	cmd.AddCommand(newBundleCommand())
	return cmd
}

func newStatusCommand(client func() *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and print the active config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			c := client()

			var status struct {
				Version         string   `json:"version"`
				ActiveConfigID  string   `json:"active_config_id"`
				RunningServices []string `json:"running_services"`
			}
			if err := c.get(ctx, "/admin/v1/status", &status); err != nil {
				return err
			}
			fmt.Printf("version:       %s\n", status.Version)
			fmt.Printf("active config: %s\n", status.ActiveConfigID)
			fmt.Printf("services:      %s\n", strings.Join(status.RunningServices, ", "))

			config, err := c.getRaw(ctx, "/admin/v1/config")
			if err != nil {
				return err
			}
			fmt.Println()
			os.Stdout.Write(config)
			return nil
		},
	}
}

func newDeployCommand(client func() *adminClient) *cobra.Command {
	var (
		file string
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "deploy <config-path-or-resource-id>",
		Short: "Activate a candidate config from a local file or stored resource id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := file
			if len(args) == 1 {
				if target != "" {
					return errors.New("give either an argument or --file, not both")
				}
				target = args[0]
			}
			if target == "" {
				return errors.New("a config path or resource id is required")
			}

			ctx := cmdContext(cmd)
			c := client()

			var candidate []byte
			body := map[string]any{}
			if _, err := os.Stat(target); err == nil {
				blob, err := os.ReadFile(target)
				if err != nil {
					return err
				}
				candidate = blob
				body["config"] = base64.StdEncoding.EncodeToString(blob)
			} else {
				blob, err := c.getRaw(ctx, "/admin/v1/resources/"+url.PathEscape(target))
				if err != nil {
					return err
				}
				candidate = blob
				body["resource_id"] = target
			}

			if err := printDiff(ctx, c, candidate); err != nil {
				return err
			}
			if !yes && !confirm("Ok to deploy?") {
				return errors.New("deploy aborted")
			}
			return deploy(ctx, c, body)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Local config file to store and deploy")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func newEditCommand(client func() *adminClient) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit the active config in $EDITOR and deploy the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			c := client()

			current, err := c.getRaw(ctx, "/admin/v1/config")
			if err != nil {
				return err
			}

			tmp, err := os.CreateTemp("", "umpire-edit-*.json")
			if err != nil {
				return err
			}
			path := tmp.Name()
			defer os.Remove(path)
			if _, err := tmp.Write(current); err != nil {
				tmp.Close()
				return err
			}
			if err := tmp.Close(); err != nil {
				return err
			}

			if err := runEditor(path); err != nil {
				return err
			}
			edited, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if bytes.Equal(bytes.TrimSpace(edited), bytes.TrimSpace(current)) {
				fmt.Println("no changes, nothing to deploy")
				return nil
			}
			if err := printDiffAgainst(current, edited); err != nil {
				return err
			}
			if !yes && !confirm("Ok to deploy?") {
				return errors.New("deploy aborted")
			}
			return deploy(ctx, c, map[string]any{
				"config": base64.StdEncoding.EncodeToString(edited),
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func newImportBundleCommand(client func() *adminClient) *cobra.Command {
	var (
		id   string
		note string
	)

	cmd := &cobra.Command{
		Use:   "import-bundle <path>",
		Short: "Import a bundle directory or signed archive on the daemon host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			var resp struct {
				BundleID    string `json:"bundle_id"`
				CandidateID string `json:"candidate_id"`
			}
			err = client().post(cmdContext(cmd), "/admin/v1/bundles/import", map[string]string{
				"path": path,
				"id":   id,
				"note": note,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("imported bundle %s successfully.\n", resp.BundleID)
			fmt.Printf("candidate config: %s\n", resp.CandidateID)
			fmt.Printf("run `umpire deploy %s` to activate it\n", resp.CandidateID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Bundle id (default: generated from the import time)")
	cmd.Flags().StringVar(&note, "note", "", "Note recorded on the imported bundle")
	return cmd
}

func newUpdateCommand(client func() *adminClient) *cobra.Command {
	var (
		sourceID string
		destID   string
	)

	cmd := &cobra.Command{
		Use:   "update <type>=<path> [<type>=<path> ...]",
		Short: "Update payloads in a bundle and store the candidate config",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resources := make([]map[string]string, 0, len(args))
			for _, arg := range args {
				typeName, path, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("invalid resource %q, want <type>=<path>", arg)
				}
				abs, err := filepath.Abs(path)
				if err != nil {
					return err
				}
				resources = append(resources, map[string]string{
					"type": typeName,
					"path": abs,
				})
			}
			var resp struct {
				CandidateID string `json:"candidate_id"`
			}
			err := client().post(cmdContext(cmd), "/admin/v1/resources/update", map[string]any{
				"resources": resources,
				"source_id": sourceID,
				"dest_id":   destID,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Println("updated resources successfully.")
			fmt.Printf("candidate config: %s\n", resp.CandidateID)
			fmt.Printf("run `umpire deploy %s` to activate it\n", resp.CandidateID)
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceID, "from", "", "Bundle to update (default: the default bundle)")
	cmd.Flags().StringVar(&destID, "to", "", "Copy the source bundle under this id instead of updating in place")
	return cmd
}

func newExportPayloadCommand(client func() *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "export-payload <bundle-id> <type> <dest>",
		Short: "Export one payload file from a bundle on the daemon host",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := filepath.Abs(args[2])
			if err != nil {
				return err
			}
			var resp struct {
				Dest string `json:"dest"`
			}
			err = client().post(cmdContext(cmd), "/admin/v1/payloads/export", map[string]string{
				"bundle_id":    args[0],
				"payload_type": args[1],
				"dest_path":    dest,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("exported to %s successfully.\n", resp.Dest)
			return nil
		},
	}
}

func newServiceCommand(client func() *adminClient, use, short, path, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <service>[,<service>...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var names []string
			for _, arg := range args {
				for _, name := range strings.Split(arg, ",") {
					if name = strings.TrimSpace(name); name != "" {
						names = append(names, name)
					}
				}
			}
			err := client().post(cmdContext(cmd), path, map[string]any{
				"services": names,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s successfully.\n", verb, strings.Join(names, ", "))
			return nil
		},
	}
}

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Offline bundle archive operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newBundleBuildCommand())
	return cmd
}

func newBundleBuildCommand() *cobra.Command {
	var (
		payloadsDir string
		output      string
		board       string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed bundle archive from a payloads directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := registry.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = registry.BuildArchive(cmdContext(cmd), registry.BuildArchiveConfig{
				PayloadsDir: payloadsDir,
				Output:      output,
				Board:       board,
				Signer:      signer,
				Stdout:      os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&payloadsDir, "payloads-dir", "", "Directory containing the payload files")
	cmd.Flags().StringVar(&output, "output", "", "Destination archive file (tar.zst)")
	cmd.Flags().StringVar(&board, "board", "", "Board name recorded in the manifest")
	_ = cmd.MarkFlagRequired("payloads-dir")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// printDiff fetches the active config and prints what deploying the
// candidate would change.
func printDiff(ctx context.Context, c *adminClient, candidate []byte) error {
	active, err := c.getRaw(ctx, "/admin/v1/config")
	if err != nil {
		return err
	}
	return printDiffAgainst(active, candidate)
}

// printDiffAgainst validates the candidate and prints its changes relative
// to the active config, so the operator sees them before confirming.
func printDiffAgainst(active, candidate []byte) error {
	next, err := confdoc.Load(candidate)
	if err != nil {
		return err
	}
	prev, err := confdoc.Load(active)
	if err != nil {
		return fmt.Errorf("active config: %w", err)
	}
	diff := confdoc.Diff(prev, next)
	if len(diff) == 0 {
		fmt.Println("no changes against the active config")
		return nil
	}
	for _, line := range diff {
		fmt.Printf("  %s\n", line)
	}
	return nil
}

// deploy posts the deploy request and prints any service reconcile errors.
func deploy(ctx context.Context, c *adminClient, body map[string]any) error {
	var result struct {
		ConfigID      string   `json:"config_id"`
		ServiceErrors []string `json:"service_errors"`
	}
	if err := c.post(ctx, "/admin/v1/deploy", body, &result); err != nil {
		return err
	}
	fmt.Printf("deployed config %s successfully.\n", result.ConfigID)
	if len(result.ServiceErrors) > 0 {
		fmt.Println("service errors (config stays deployed):")
		for _, msg := range result.ServiceErrors {
			fmt.Printf("  %s\n", msg)
		}
	}
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func runEditor(path string) error {
	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}
	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
