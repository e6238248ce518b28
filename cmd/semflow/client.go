package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/api"
	"github.com/c360studio/semflow/trigger"
	"github.com/c360studio/semflow/workflow"
)

const defaultServer = "http://localhost:8080"

// apiClient talks to a running semflow serve.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.RequestIDHeader, uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// parseSets turns key=value pairs into context facts. Values that decode as
// JSON scalars or arrays keep their type; anything else is a string.
func parseSets(pairs []string) (workflow.Context, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(workflow.Context, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", pair)
		}
		var v workflow.Value
		if err := v.UnmarshalJSON([]byte(raw)); err != nil || !json.Valid([]byte(raw)) {
			v = workflow.StringValue(raw)
		}
		out[key] = v
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func workflowCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Create and drive workflows on a running server",
	}
	cmd.PersistentFlags().StringVar(&server, "server", defaultServer, "semflow API base URL")
	client := func() *apiClient { return newAPIClient(server) }

	var (
		templateID, conversationID string
		sets                       []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Start a workflow from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			initial, err := parseSets(sets)
			if err != nil {
				return err
			}
			var inst workflow.Instance
			err = client().do(cmd.Context(), http.MethodPost, "/api/workflows", api.CreateRequest{
				TemplateID:     templateID,
				ConversationID: conversationID,
				Context:        initial,
			}, &inst)
			if err != nil {
				return err
			}
			return printJSON(cmd, &inst)
		},
	}
	create.Flags().StringVarP(&templateID, "template", "t", workflow.ScheduleMeetingTemplateID, "Template id")
	create.Flags().StringVar(&conversationID, "conversation", "", "Conversation id")
	create.Flags().StringArrayVar(&sets, "set", nil, "Initial fact as key=value (repeatable)")
	_ = create.MarkFlagRequired("conversation")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inst workflow.Instance
			if err := client().do(cmd.Context(), http.MethodGet, "/api/workflows/"+url.PathEscape(args[0]), nil, &inst); err != nil {
				return err
			}
			return printJSON(cmd, &inst)
		},
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if conversationID != "" {
				q.Set("conversation_id", conversationID)
			}
			var body struct {
				Workflows []workflow.Instance `json:"workflows"`
			}
			if err := client().do(cmd.Context(), http.MethodGet, "/api/workflows?"+q.Encode(), nil, &body); err != nil {
				return err
			}
			for _, w := range body.Workflows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %-20s %s\n", w.ID, w.Status, w.TemplateID, w.ConversationID)
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	list.Flags().StringVar(&conversationID, "conversation", "", "Filter by conversation id")

	var drive int
	advance := &cobra.Command{
		Use:   "advance ID",
		Short: "Run the next step, or --drive N steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/workflows/" + url.PathEscape(args[0]) + "/advance"
			if drive > 0 {
				path += fmt.Sprintf("?drive=%d", drive)
			}
			var res api.AdvanceResponse
			if err := client().do(cmd.Context(), http.MethodPost, path, nil, &res); err != nil {
				return err
			}
			return printJSON(cmd, &res)
		},
	}
	advance.Flags().IntVar(&drive, "drive", 0, "Run up to N steps")

	var inputSets []string
	input := &cobra.Command{
		Use:   "input ID",
		Short: "Merge facts into a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partial, err := parseSets(inputSets)
			if err != nil {
				return err
			}
			if len(partial) == 0 {
				return fmt.Errorf("at least one --set is required")
			}
			var inst workflow.Instance
			if err := client().do(cmd.Context(), http.MethodPatch, "/api/workflows/"+url.PathEscape(args[0])+"/context", partial, &inst); err != nil {
				return err
			}
			return printJSON(cmd, &inst)
		},
	}
	input.Flags().StringArrayVar(&inputSets, "set", nil, "Fact as key=value (repeatable)")

	cancel := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inst workflow.Instance
			if err := client().do(cmd.Context(), http.MethodPost, "/api/workflows/"+url.PathEscape(args[0])+"/cancel", nil, &inst); err != nil {
				return err
			}
			return printJSON(cmd, &inst)
		},
	}

	cmd.AddCommand(create, get, list, advance, input, cancel)
	return cmd
}

// triggerCmd publishes an advance request for the JetStream consumer.
func triggerCmd() *cobra.Command {
	var (
		natsURL  string
		subject  string
		sets     []string
		maxSteps int
	)
	cmd := &cobra.Command{
		Use:   "trigger ID",
		Short: "Publish an advance request to JetStream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partial, err := parseSets(sets)
			if err != nil {
				return err
			}
			conn, err := nats.Connect(natsURL, nats.Name(appName+"-cli"))
			if err != nil {
				return wrapNATSError(err, natsURL)
			}
			defer conn.Close()
			js, err := jetstream.New(conn)
			if err != nil {
				return fmt.Errorf("create JetStream context: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			p := workflow.AdvancePayload{
				WorkflowID: args[0],
				Context:    partial,
				MaxSteps:   maxSteps,
				RequestID:  uuid.NewString(),
			}
			if err := trigger.Send(ctx, js, subject, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "advance request %s published\n", p.RequestID)
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", workflow.AdvanceSubject, "Advance subject")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Fact as key=value (repeatable)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Step cap for this request")
	return cmd
}
