package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphummel/rocks_monitor/internal/apiclient"
)

const defaultEndpoint = "http://localhost:8000"

type options struct {
	endpoint string
	token    string
	timeout  time.Duration
	stdin    io.Reader
}

func (o *options) client() *apiclient.Client {
	c := apiclient.NewClient(o.endpoint, nil)
	c.SetToken(o.token)
	return c
}

func (o *options) requireToken() error {
	if o.token == "" {
		return errors.New("no token: pass --token or set ROCKS_TOKEN (see 'rocksctl login')")
	}
	return nil
}

// readDocument reads a JSON document from path, or from stdin when path is "-".
func (o *options) readDocument(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(o.stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("read document %s: not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

func withTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), d)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	o := &options{stdin: stdin}

	root := &cobra.Command{
		Use:           "rocksctl",
		Short:         "Command-line client for the Rocks Monitor API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	endpoint := os.Getenv("ROCKS_ENDPOINT")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	root.PersistentFlags().StringVar(&o.endpoint, "endpoint", endpoint, "server URL (env ROCKS_ENDPOINT)")
	root.PersistentFlags().StringVar(&o.token, "token", os.Getenv("ROCKS_TOKEN"), "bearer token (env ROCKS_TOKEN)")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		newHealthCmd(o),
		newRegisterCmd(o),
		newLoginCmd(o),
		newMachinesCmd(o),
		newConfigCmd(o),
		newStatusCmd(o),
		newMetricsCmd(o),
	)
	return root
}

func newHealthCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server and its database are up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd, o.timeout)
			defer cancel()
			if err := o.client().Health(ctx); err != nil {
				return fmt.Errorf("health: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newRegisterCmd(o *options) *cobra.Command {
	var password, fullName string
	cmd := &cobra.Command{
		Use:   "register EMAIL",
		Short: "Create a user account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, o.timeout)
			defer cancel()
			user, err := o.client().Register(ctx, args[0], password, fullName)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), user)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&fullName, "full-name", "", "display name")
	cmd.MarkFlagRequired("password")
	return cmd
}

func newLoginCmd(o *options) *cobra.Command {
	var req apiclient.LoginRequest
	cmd := &cobra.Command{
		Use:   "login EMAIL",
		Short: "Log in and print the session token",
		Long: `Log in and print the session token. With --mac the session is an agent
session bound to that machine, which is registered on first login.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, o.timeout)
			defer cancel()
			req.Email = args[0]
			sess, err := o.client().Login(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s session, expires %s\n", sess.Type, sess.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Password, "password", "", "account password")
	cmd.Flags().StringVar(&req.MACAddress, "mac", "", "agent machine MAC address")
	cmd.Flags().StringVar(&req.Username, "username", "", "agent machine name")
	cmd.Flags().StringVar(&req.OS, "os", "", "agent operating system")
	cmd.MarkFlagRequired("password")
	return cmd
}

func newMachinesCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machines",
		Short: "List or register machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.requireToken(); err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, o.timeout)
			defer cancel()
			machines, err := o.client().ListMachines(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), machines)
		},
	}

	var name, typ string
	add := &cobra.Command{
		Use:   "add MAC",
		Short: "Register a machine or update its name and type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.requireToken(); err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, o.timeout)
			defer cancel()
			m, created, err := o.client().RegisterMachine(ctx, args[0], name, typ)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintln(cmd.ErrOrStderr(), "updated existing machine")
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	add.Flags().StringVar(&name, "name", "", "machine name")
	add.Flags().StringVar(&typ, "type", "pc", "machine type (pc or server)")
	cmd.AddCommand(add)
	return cmd
}

func newConfigCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or store machine configuration",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return o.requireToken()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get MAC",
		Short: "Print the stored configuration of a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, o.timeout)
			defer cancel()
			cfg, err := o.client().GetConfig(ctx, args[0])
			if err != nil {
				return err
			}
			if cfg == nil {
				return fmt.Errorf("no configuration stored for %s", args[0])
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "push FILE",
		Short: "Store a configuration document (FILE may be - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := o.readDocument(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, o.timeout)
			defer cancel()
			cfg, err := o.client().PushConfig(ctx, doc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	})
	return cmd
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status FILE",
		Short: "Push a status sample (FILE may be - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.requireToken(); err != nil {
				return err
			}
			doc, err := o.readDocument(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, o.timeout)
			defer cancel()
			receipt, err := o.client().PushStatus(ctx, doc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), receipt)
		},
	}
}

func newMetricsCmd(o *options) *cobra.Command {
	var (
		start, end string
		limit      int
		keys       []string
	)
	query := func() (apiclient.Query, error) {
		q := apiclient.Query{Limit: limit, Keys: keys}
		for _, b := range []struct {
			flag string
			val  string
			dst  **time.Time
		}{{"start", start, &q.Start}, {"end", end, &q.End}} {
			if b.val == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, b.val)
			if err != nil {
				return q, fmt.Errorf("--%s: want RFC 3339, got %q", b.flag, b.val)
			}
			*b.dst = &t
		}
		return q, nil
	}

	cmd := &cobra.Command{
		Use:   "metrics MAC",
		Short: "List status samples of a machine, newest first",
		Args:  cobra.ExactArgs(1),
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return o.requireToken()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := query()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, o.timeout)
			defer cancel()
			samples, err := o.client().ListMetrics(ctx, args[0], q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), samples)
		},
	}
	cmd.PersistentFlags().StringVar(&start, "start", "", "inclusive lower bound (RFC 3339)")
	cmd.PersistentFlags().StringVar(&end, "end", "", "inclusive upper bound (RFC 3339)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum samples (server default 100)")

	aggregate := &cobra.Command{
		Use:   "aggregate MAC",
		Short: "Summarise numeric fields of a machine's samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := query()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, o.timeout)
			defer cancel()
			agg, err := o.client().Aggregate(ctx, args[0], q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agg)
		},
	}
	aggregate.Flags().StringSliceVar(&keys, "keys", nil, "metric keys to include, comma separated")
	cmd.AddCommand(aggregate)
	return cmd
}

// fieldErrors formats the per-field messages of a validation response.
func fieldErrors(err error) string {
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) || len(apiErr.Fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, field := range slices.Sorted(maps.Keys(apiErr.Fields)) {
		fmt.Fprintf(&b, "\n  %s: %s", field, apiErr.Fields[field])
	}
	return b.String()
}
