package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/relayhook/internal/webhook"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Raise domain events",
}

var raiseEventCmd = &cobra.Command{
	Use:   "raise [kind] [entity-id...]",
	Short: "Raise an event for fan-out to subscribed endpoints",
	Long: `Raise an event as if an entity had changed. Every active endpoint of the
tenant subscribed to the kind receives one delivery.

Kinds: project, issue, cycle, module, cycle_issue, module_issue, issue_comment.

Example:
  relayctl event raise issue 3f0c... --action update
  relayctl event raise cycle_issue a b c --many --action create`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("action")
		many, _ := cmd.Flags().GetBool("many")

		kind, err := webhook.ParseEventKind(args[0])
		if err != nil {
			return err
		}
		if _, err := webhook.ParseAction(action); err != nil {
			return err
		}
		ids := args[1:]
		if len(ids) > 1 && !many {
			return fmt.Errorf("%d entity ids given; pass --many for bulk events", len(ids))
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp map[string]any
		err = newClient().do(ctx, http.MethodPost, "/v1/events", map[string]any{
			"kind":       kind,
			"entity_ids": ids,
			"many":       many,
			"action":     action,
		}, &resp)
		if err != nil {
			return fmt.Errorf("failed to raise event: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Raised %s.%s for %d entit%s\n", kind, action, len(ids), plural(len(ids)))
		return nil
	},
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(raiseEventCmd)

	raiseEventCmd.Flags().String("action", "update", "create, update or delete (HTTP verbs accepted)")
	raiseEventCmd.Flags().Bool("many", false, "bulk event over several entities")
}
