package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tapwire/tapctl/internal/client"
	"github.com/tapwire/tapctl/internal/logging"
)

type rootFlags struct {
	host   string
	config string
	target string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "tapctl",
		Short:         "Control a tapwire dynamic-instrumentation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	root.PersistentFlags().StringVar(&flags.host, "host", "", "server address (host:port)")
	root.PersistentFlags().StringVar(&flags.config, "config", "", "path to a targets TOML file")
	root.PersistentFlags().StringVar(&flags.target, "target", "", "named target from the config file")

	root.AddCommand(
		newInfoCmd(flags),
		newPsCmd(flags),
		newAppsCmd(flags),
		newSpawnCmd(flags),
		newInjectCmd(flags),
		newInjectNodeCmd(flags),
	)
	return root
}

func connect(ctx context.Context, flags *rootFlags) (*client.Connection, error) {
	host, err := resolveHost(flags.host, flags.config, flags.target)
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, client.Options{Host: host, ClientName: "tapctl"})
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newInfoCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Query server and host metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			conn, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			meta, err := conn.QueryMetadata(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:     %s\n", meta.Name)
			fmt.Fprintf(out, "arch:     %s\n", meta.Arch)
			fmt.Fprintf(out, "platform: %s\n", meta.Platform)
			fmt.Fprintf(out, "os:       %s %s\n", meta.OS.Name, meta.OS.Version)
			fmt.Fprintf(out, "access:   %s\n", meta.Access)
			return nil
		},
	}
}

func newPsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "Enumerate processes on the server host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			conn, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			procs, err := conn.EnumerateProcesses(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range procs {
				fmt.Fprintf(out, "%8d  %s\n", p.PID, p.Name)
			}
			return nil
		},
	}
}

func newAppsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "Enumerate installed applications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			conn, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			apps, err := conn.EnumerateApplications(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, app := range apps {
				if app.PID != 0 {
					fmt.Fprintf(out, "%8d  %-32s %s\n", app.PID, app.Identifier, app.Name)
					continue
				}
				fmt.Fprintf(out, "%8s  %-32s %s\n", "-", app.Identifier, app.Name)
			}
			return nil
		},
	}
}

func newSpawnCmd(flags *rootFlags) *cobra.Command {
	var scriptPath string
	cmd := &cobra.Command{
		Use:   "spawn <path> [args...]",
		Short: "Spawn a target with a script loaded before it resumes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(scriptPath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			conn, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			sess, err := conn.SpawnWithScript(ctx, args[0], args[1:], string(source))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "spawned pid %d (session %d)\n", sess.PID(), sess.ID())
			return streamMessages(ctx, cmd, sess.Script())
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "instrumentation script file")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func newInjectCmd(flags *rootFlags) *cobra.Command {
	var scriptPath string
	cmd := &cobra.Command{
		Use:   "inject <pid>",
		Short: "Attach to a process and load a script into it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			source, err := os.ReadFile(scriptPath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			conn, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			_, script, err := conn.InjectIntoProcess(ctx, pid, string(source))
			if err != nil {
				return err
			}
			return streamMessages(ctx, cmd, script)
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "instrumentation script file")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func newInjectNodeCmd(flags *rootFlags) *cobra.Command {
	var code string
	var codeFile string
	cmd := &cobra.Command{
		Use:   "inject-node <pid>",
		Short: "Run code inside a Node.js process's own context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			if code == "" && codeFile == "" {
				return fmt.Errorf("one of --code or --file is required")
			}
			if code != "" && codeFile != "" {
				return fmt.Errorf("--code and --file are mutually exclusive")
			}
			if codeFile != "" {
				raw, err := os.ReadFile(codeFile)
				if err != nil {
					return err
				}
				code = string(raw)
			}
			ctx, cancel := commandContext()
			defer cancel()
			conn, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			_, script, err := conn.InjectIntoNodeJSProcess(ctx, pid, code)
			if err != nil {
				return err
			}
			return streamMessages(ctx, cmd, script)
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "code text to run in the target")
	cmd.Flags().StringVar(&codeFile, "file", "", "file containing code to run in the target")
	return cmd
}

// streamMessages prints script messages until interrupted.
func streamMessages(ctx context.Context, cmd *cobra.Command, script *client.Script) error {
	if script == nil {
		return nil
	}
	out := cmd.OutOrStdout()
	remove := script.OnMessage(func(m client.Message) {
		switch msg := m.(type) {
		case client.SendMessage:
			fmt.Fprintf(out, "send: %s\n", msg.Payload)
		case client.LogMessage:
			fmt.Fprintf(out, "log[%s]: %s\n", msg.Level, msg.Payload)
		case client.ErrorMessage:
			fmt.Fprintf(out, "error: %s at %s:%d:%d\n%s\n",
				msg.Description, msg.FileName, msg.LineNumber, msg.ColumnNumber, msg.Stack)
		}
	})
	defer remove()
	<-ctx.Done()
	return nil
}
