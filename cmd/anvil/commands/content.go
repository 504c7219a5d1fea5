package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/anvil/internal/content"
	"github.com/dyluth/anvil/internal/printer"
	"github.com/dyluth/anvil/pkg/fleet"
)

var (
	contentFile     string
	contentBlob     string
	contentListJSON bool
)

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Manage stack content versions",
}

var contentSubmitCmd = &cobra.Command{
	Use:   "submit <stack-id-or-name>",
	Short: "Submit a new content version",
	Long: `Submit content for a stack, making it the current version.

Resubmitting content identical to the current version is a no-op: the
existing version is kept and no new orders are dispatched.

Examples:
  anvil content submit ingress --file ./ingress.yaml
  anvil content submit logging-agent --blob 'image: fluentd:1.16'`,
	Args: cobra.ExactArgs(1),
	RunE: runContentSubmit,
}

var contentListCmd = &cobra.Command{
	Use:   "list <stack-id-or-name>",
	Short: "List a stack's version history",
	Args:  cobra.ExactArgs(1),
	RunE:  runContentList,
}

var contentCurrentCmd = &cobra.Command{
	Use:   "current <stack-id-or-name>",
	Short: "Show a stack's current version",
	Args:  cobra.ExactArgs(1),
	RunE:  runContentCurrent,
}

func init() {
	contentSubmitCmd.Flags().StringVarP(&contentFile, "file", "f", "", "Read the content blob from a file")
	contentSubmitCmd.Flags().StringVarP(&contentBlob, "blob", "b", "", "Content blob given inline")
	contentListCmd.Flags().BoolVar(&contentListJSON, "json", false, "Output in JSON format")

	contentCmd.AddCommand(contentSubmitCmd)
	contentCmd.AddCommand(contentListCmd)
	contentCmd.AddCommand(contentCurrentCmd)
	rootCmd.AddCommand(contentCmd)
}

func runContentSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	blob := contentBlob
	if contentFile != "" {
		data, err := os.ReadFile(contentFile)
		if err != nil {
			return fmt.Errorf("failed to read content file: %w", err)
		}
		blob = string(data)
	}
	if blob == "" {
		return printer.Error(
			"no content provided",
			"Submit needs a content blob.",
			[]string{
				"Read it from a file:\n  anvil content submit <stack> --file ./manifest.yaml",
				"Or pass it inline:\n  anvil content submit <stack> --blob '...'",
			},
		)
	}

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	stack, err := resolveStack(ctx, client, args[0])
	if err != nil {
		return err
	}

	store := content.NewStore(client)
	before, beforeErr := store.Current(ctx, stack.ID)

	version, err := store.Submit(ctx, stack.ID, blob, time.Now())
	if err != nil {
		return err
	}

	if beforeErr == nil && before.ID == version.ID {
		printer.Info("Content unchanged, keeping version %s\n", version.ID)
		return nil
	}
	printer.Success("Version %s is now current for stack '%s' (checksum %s)\n", version.ID, stack.Name, version.Checksum[:12])
	return nil
}

func runContentList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	stack, err := resolveStack(ctx, client, args[0])
	if err != nil {
		return err
	}

	versions, err := content.NewStore(client).List(ctx, stack.ID)
	if err != nil {
		return err
	}

	if contentListJSON {
		data, err := json.MarshalIndent(versions, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(versions) == 0 {
		fmt.Printf("Stack '%s' has no content yet.\n", stack.Name)
		return nil
	}

	fmt.Printf("%-36s %-14s %-10s %s\n", "ID", "CHECKSUM", "KIND", "SUBMITTED")
	for _, v := range versions {
		kind := "content"
		if v.Tombstone {
			kind = "tombstone"
		}
		fmt.Printf("%-36s %-14s %-10s %s\n", v.ID, v.Checksum[:12], kind, formatVersionTime(v))
	}
	return nil
}

func runContentCurrent(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := newFleetClient()
	if err != nil {
		return err
	}
	defer client.Close()

	stack, err := resolveStack(ctx, client, args[0])
	if err != nil {
		return err
	}

	version, err := content.NewStore(client).Current(ctx, stack.ID)
	if err != nil {
		if fleet.IsNotFound(err) {
			fmt.Printf("Stack '%s' has no content yet.\n", stack.Name)
			return nil
		}
		return err
	}

	data, err := json.MarshalIndent(version, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func formatVersionTime(v *fleet.ContentVersion) string {
	return time.UnixMilli(v.SubmittedAtMs).UTC().Format(time.RFC3339)
}
