package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type logEntry struct {
	ID             int64     `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	EndpointID     string    `json:"endpoint_id"`
	EventKind      string    `json:"event_kind"`
	Action         string    `json:"action"`
	ResponseStatus int       `json:"response_status"`
	ResponseBody   string    `json:"response_body"`
	RetryCount     int       `json:"retry_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// deliveryQuery builds the query string of GET /v1/deliveries.
func deliveryQuery(endpointID, from, to string, limit int) (string, error) {
	q := url.Values{}
	if endpointID != "" {
		q.Set("endpoint_id", endpointID)
	}
	fromT, err := parseTimestamp(from)
	if err != nil {
		return "", fmt.Errorf("invalid 'from' timestamp: %w", err)
	}
	toT, err := parseTimestamp(to)
	if err != nil {
		return "", fmt.Errorf("invalid 'to' timestamp: %w", err)
	}
	if !fromT.IsZero() {
		q.Set("from", fromT.UTC().Format(time.RFC3339))
	}
	if !toT.IsZero() {
		q.Set("to", toT.UTC().Format(time.RFC3339))
	}
	if limit < 0 {
		return "", fmt.Errorf("invalid limit: %d", limit)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return "", nil
	}
	return "?" + q.Encode(), nil
}

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect webhook deliveries",
	Long:  `Browse the delivery log: one entry per outbound HTTP attempt.`,
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list",
	Short: "List delivery log entries, newest first",
	Long: `List delivery log entries in the half-open window [from, to).

Example:
  relayctl delivery list --endpoint-id 6f1c... --from 2026-01-01T00:00:00Z --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		endpointID, _ := cmd.Flags().GetString("endpoint-id")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		limit, _ := cmd.Flags().GetInt("limit")

		query, err := deliveryQuery(endpointID, from, to, limit)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			Deliveries []logEntry `json:"deliveries"`
		}
		if err := newClient().do(ctx, http.MethodGet, "/v1/deliveries"+query, nil, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(out, "No deliveries found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tDELIVERY\tENDPOINT\tEVENT\tSTATUS\tRETRY")
		for _, e := range resp.Deliveries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s.%s\t%d\t%d\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.DeliveryID, e.EndpointID,
				e.EventKind, e.Action, e.ResponseStatus, e.RetryCount)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd)

	listDeliveriesCmd.Flags().String("endpoint-id", "", "only entries for this endpoint")
	listDeliveriesCmd.Flags().String("from", "", "inclusive lower bound (RFC3339)")
	listDeliveriesCmd.Flags().String("to", "", "exclusive upper bound (RFC3339)")
	listDeliveriesCmd.Flags().Int("limit", 0, "maximum entries (server default 50, max 500)")
}
