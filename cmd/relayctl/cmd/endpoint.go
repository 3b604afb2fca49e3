package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/relayhook/internal/webhook"
)

type endpoint struct {
	ID            string                `json:"id"`
	TenantID      string                `json:"tenant_id"`
	URL           string                `json:"url"`
	IsActive      bool                  `json:"is_active"`
	Signed        bool                  `json:"signed"`
	Secret        string                `json:"secret,omitempty"`
	Subscriptions webhook.Subscriptions `json:"subscriptions"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// subscribed lists the set flags in a stable order.
func (e endpoint) subscribed() string {
	var out []string
	for _, t := range []webhook.Topic{
		webhook.TopicProject, webhook.TopicIssue, webhook.TopicModule,
		webhook.TopicCycle, webhook.TopicIssueComment,
	} {
		if e.Subscriptions.Has(t) {
			out = append(out, string(t))
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}

// parseSubscriptions turns topic names into flags. "all" sets every flag.
func parseSubscriptions(topics []string) (webhook.Subscriptions, error) {
	var s webhook.Subscriptions
	for _, raw := range topics {
		switch webhook.Topic(strings.ToLower(strings.TrimSpace(raw))) {
		case "all":
			s = webhook.Subscriptions{Project: true, Issue: true, Module: true, Cycle: true, IssueComment: true}
		case webhook.TopicProject:
			s.Project = true
		case webhook.TopicIssue:
			s.Issue = true
		case webhook.TopicModule:
			s.Module = true
		case webhook.TopicCycle:
			s.Cycle = true
		case webhook.TopicIssueComment:
			s.IssueComment = true
		default:
			return s, fmt.Errorf("unknown topic %q (want project, issue, module, cycle, issue_comment or all)", raw)
		}
	}
	return s, nil
}

func printEndpoint(w io.Writer, ep endpoint) {
	fmt.Fprintf(w, "Endpoint: %s\n", ep.ID)
	fmt.Fprintf(w, "  Tenant ID: %s\n", ep.TenantID)
	fmt.Fprintf(w, "  URL: %s\n", ep.URL)
	fmt.Fprintf(w, "  Active: %t\n", ep.IsActive)
	fmt.Fprintf(w, "  Signed: %t\n", ep.Signed)
	fmt.Fprintf(w, "  Subscriptions: %s\n", ep.subscribed())
	if !ep.CreatedAt.IsZero() {
		fmt.Fprintf(w, "  Created: %s\n", ep.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
	Long:  `Create and manage webhook endpoints that will receive event deliveries.`,
}

var createEndpointCmd = &cobra.Command{
	Use:   "create [url]",
	Short: "Register a new webhook endpoint",
	Long: `Register a new webhook endpoint for the tenant in your token.

A signing secret is generated unless --secret or --no-secret is given. The
secret is printed once; it cannot be retrieved later.

Example:
  relayctl endpoint create https://example.com/hook --subscribe issue,cycle`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		noSecret, _ := cmd.Flags().GetBool("no-secret")
		topics, _ := cmd.Flags().GetStringSlice("subscribe")
		if secret != "" && noSecret {
			return fmt.Errorf("--secret and --no-secret are mutually exclusive")
		}
		if err := webhook.ValidateURL(args[0]); err != nil {
			return err
		}
		subs, err := parseSubscriptions(topics)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		var ep endpoint
		err = newClient().do(ctx, http.MethodPost, "/v1/endpoints", map[string]any{
			"url":           args[0],
			"secret":        secret,
			"no_secret":     noSecret,
			"subscriptions": subs,
		}, &ep)
		if err != nil {
			return fmt.Errorf("failed to create endpoint: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, ep)
		}
		printEndpoint(out, ep)
		if ep.Secret != "" {
			fmt.Fprintf(out, "  Secret: %s\n", ep.Secret)
			fmt.Fprintln(out, "Store the secret now; it will not be shown again.")
		}
		return nil
	},
}

var listEndpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var resp struct {
			Endpoints []endpoint `json:"endpoints"`
		}
		if err := newClient().do(ctx, http.MethodGet, "/v1/endpoints", nil, &resp); err != nil {
			return fmt.Errorf("failed to list endpoints: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		if len(resp.Endpoints) == 0 {
			fmt.Fprintln(out, "No endpoints found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tURL\tACTIVE\tSIGNED\tSUBSCRIPTIONS")
		for _, ep := range resp.Endpoints {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", ep.ID, ep.URL, ep.IsActive, ep.Signed, ep.subscribed())
		}
		return tw.Flush()
	},
}

var getEndpointCmd = &cobra.Command{
	Use:   "get [endpoint-id]",
	Short: "Show one endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var ep endpoint
		err := newClient().do(ctx, http.MethodGet, "/v1/endpoints/"+url.PathEscape(args[0]), nil, &ep)
		if isNotFound(err) {
			return fmt.Errorf("endpoint %s not found", args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to get endpoint: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), ep)
		}
		printEndpoint(cmd.OutOrStdout(), ep)
		return nil
	},
}

func setActiveCmd(use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [endpoint-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			var resp struct {
				ID       string `json:"id"`
				IsActive bool   `json:"is_active"`
			}
			err := newClient().do(ctx, http.MethodPost, "/v1/endpoints/"+url.PathEscape(args[0])+"/"+use, nil, &resp)
			if isNotFound(err) {
				return fmt.Errorf("endpoint %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to %s endpoint: %w", use, err)
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %s %s\n", resp.ID, verb)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(createEndpointCmd, listEndpointsCmd, getEndpointCmd,
		setActiveCmd("deactivate", "Stop new deliveries to an endpoint", "deactivated"),
		setActiveCmd("reactivate", "Resume deliveries to an endpoint", "reactivated"),
	)

	createEndpointCmd.Flags().String("secret", "", "signing secret (generated when omitted)")
	createEndpointCmd.Flags().Bool("no-secret", false, "register an unsigned endpoint")
	createEndpointCmd.Flags().StringSlice("subscribe", nil, "topics to subscribe to: project, issue, module, cycle, issue_comment, all")
}
