// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"axonflow/tenantdb/config"
	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/registry"
	"axonflow/tenantdb/server"
	"axonflow/tenantdb/sessions"
	"axonflow/tenantdb/tenancy"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "tenantdb",
		Short: "Tenant-isolated database access service",
		Long: `tenantdb brokers access to customer databases on behalf of authenticated
users. Every query runs on a pooled connection scoped to the caller's
organization, and the scope is removed before the connection is reused.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TENANTDB_CONFIG"), "path to a YAML config file")

	open := func(cmd *cobra.Command) (*server.App, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return server.NewApp(cmd.Context(), cfg)
	}

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(connectionsCmd(open))
	rootCmd.AddCommand(membersCmd(open))
	rootCmd.AddCommand(sessionsCmd(open))
	return rootCmd
}

type appOpener func(cmd *cobra.Command) (*server.App, error)

// withApp opens the application for one admin command and closes it after.
func withApp(open appOpener, fn func(cmd *cobra.Command, app *server.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := open(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		return fn(cmd, app, args)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(ctx)
		},
	}
}

func connectionsCmd(open appOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage registered database connections",
	}

	var in registry.Input
	var engine string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a connection; credentials are sealed before storage",
		Args:  cobra.NoArgs,
		RunE: withApp(open, func(cmd *cobra.Command, app *server.App, _ []string) error {
			in.Engine = base.Engine(engine)
			view, err := app.Registry.Create(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		}),
	}
	add.Flags().StringVar(&in.ProjectID, "project", "", "owning project id")
	add.Flags().StringVar(&engine, "engine", "", "postgres, mysql, mongodb, redis or cassandra")
	add.Flags().StringVar(&in.Host, "host", "", "backend host")
	add.Flags().IntVar(&in.Port, "port", 0, "backend port (engine default when 0)")
	add.Flags().StringVar(&in.Database, "database", "", "database, keyspace or index")
	add.Flags().StringVar(&in.Tier, "tier", "", "pool tier")
	add.Flags().StringToStringVar(&in.Options, "option", nil, "engine option key=value")
	add.Flags().StringToStringVar(&in.Credentials, "credential", nil, "credential key=value")
	_ = add.MarkFlagRequired("project")
	_ = add.MarkFlagRequired("engine")
	_ = add.MarkFlagRequired("host")

	var project string
	list := &cobra.Command{
		Use:   "list",
		Short: "List connections with masked credentials",
		Args:  cobra.NoArgs,
		RunE: withApp(open, func(cmd *cobra.Command, app *server.App, _ []string) error {
			var (
				views []registry.View
				err   error
			)
			if project != "" {
				views, err = app.Registry.List(cmd.Context(), project)
			} else {
				views, err = app.Registry.All(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, views)
		}),
	}
	list.Flags().StringVar(&project, "project", "", "only this project")

	var creds map[string]string
	rotate := &cobra.Command{
		Use:   "rotate <connection-id>",
		Short: "Replace a connection's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(open, func(cmd *cobra.Command, app *server.App, args []string) error {
			if err := app.Registry.UpdateSecret(cmd.Context(), args[0], creds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated credentials for %s\n", args[0])
			return nil
		}),
	}
	rotate.Flags().StringToStringVar(&creds, "credential", nil, "credential key=value")
	_ = rotate.MarkFlagRequired("credential")

	remove := &cobra.Command{
		Use:   "delete <connection-id>",
		Short: "Remove a connection",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(open, func(cmd *cobra.Command, app *server.App, args []string) error {
			if err := app.Registry.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}

	var all bool
	check := &cobra.Command{
		Use:   "check [connection-id]",
		Short: "Probe one connection, or every connection with --all, and record health",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(open, func(cmd *cobra.Command, app *server.App, args []string) error {
			if all {
				results, err := app.Sweeper.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, results)
			}
			if len(args) != 1 {
				return fmt.Errorf("a connection id or --all is required")
			}
			res, err := app.Manager.HealthCheck(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}),
	}
	check.Flags().BoolVar(&all, "all", false, "probe every registered connection")

	cmd.AddCommand(add, list, rotate, remove, check)
	return cmd
}

func membersCmd(open appOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Manage organization memberships",
	}

	var org, user, role, actor string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a user to an organization",
		Args:  cobra.NoArgs,
		RunE: withApp(open, func(cmd *cobra.Command, app *server.App, _ []string) error {
			if err := app.Resolver.AddMember(cmd.Context(), org, user, tenancy.Role(role)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s as %s\n", user, org, role)
			return nil
		}),
	}
	setRole := &cobra.Command{
		Use:   "set-role",
		Short: "Change a member's role on behalf of another member",
		Args:  cobra.NoArgs,
		RunE: withApp(open, func(cmd *cobra.Command, app *server.App, _ []string) error {
			if err := app.Resolver.ChangeRole(cmd.Context(), actor, org, user, tenancy.Role(role)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s in %s\n", user, role, org)
			return nil
		}),
	}
	for _, c := range []*cobra.Command{add, setRole} {
		c.Flags().StringVar(&org, "org", "", "organization id")
		c.Flags().StringVar(&user, "user", "", "member user id")
		c.Flags().StringVar(&role, "role", "", "owner, admin, billing_admin, developer or member")
		_ = c.MarkFlagRequired("org")
		_ = c.MarkFlagRequired("user")
		_ = c.MarkFlagRequired("role")
	}
	setRole.Flags().StringVar(&actor, "actor", "", "member performing the change")
	_ = setRole.MarkFlagRequired("actor")

	cmd.AddCommand(add, setRole)
	return cmd
}

func sessionsCmd(open appOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Issue and revoke session tokens",
	}

	var user string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token for a user",
		Args:  cobra.NoArgs,
		RunE: withApp(open, func(cmd *cobra.Command, app *server.App, _ []string) error {
			token, sess, err := app.Sessions.Issue(cmd.Context(), user, sessions.ClientMeta{UserAgent: "tenantdb-cli/" + version})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"token":      token,
				"user_id":    sess.UserID,
				"expires_at": sess.ExpiresAt,
			})
		}),
	}
	issue.Flags().StringVar(&user, "user", "", "user id")
	_ = issue.MarkFlagRequired("user")

	var revokeUser string
	revokeAll := &cobra.Command{
		Use:   "revoke-all",
		Short: "Revoke every live session of a user",
		Args:  cobra.NoArgs,
		RunE: withApp(open, func(cmd *cobra.Command, app *server.App, _ []string) error {
			n, err := app.Validator.RevokeAllForUser(cmd.Context(), revokeUser)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d session(s) for %s\n", n, revokeUser)
			return nil
		}),
	}
	revokeAll.Flags().StringVar(&revokeUser, "user", "", "user id")
	_ = revokeAll.MarkFlagRequired("user")

	cmd.AddCommand(issue, revokeAll)
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
