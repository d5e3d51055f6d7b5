// commands.go contains the cobra command definitions. Each builder wires a
// command to its handler in handlers.go.
package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	token      string
	debug      bool
}

func buildRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "taskchat",
		Short:         "Terminal client for per-task chat rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "",
		"Path to YAML configuration file (default: taskchat.yaml if present)")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "",
		"Bearer token (overrides config and TASKCHAT_TOKEN)")
	cmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false,
		"Enable debug logging")

	cmd.AddCommand(
		buildTailCmd(flags),
		buildHistoryCmd(flags),
		buildSendCmd(flags),
		buildParticipantsCmd(flags),
		buildStatsCmd(flags),
	)
	return cmd
}

func taskIDArg(args []string) (int64, error) {
	return strconv.ParseInt(args[0], 10, 64)
}

func buildTailCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <task-id>",
		Short: "Follow a task's chat and send lines typed on stdin",
		Long: `Open a live session on the task's chat room.

Incoming messages, typing indicators and join/leave notices are printed to
the terminal. Lines typed on stdin are sent to the room; when the real-time
connection is down, sends fall back to the REST API. Exit with Ctrl-C or by
typing /quit.`,
		Example: `  taskchat tail 42
  taskchat tail 42 --debug`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := taskIDArg(args)
			if err != nil {
				return err
			}
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			return app.runTail(cmd.Context(), taskID)
		},
	}
	return cmd
}

func buildHistoryCmd(flags *rootFlags) *cobra.Command {
	var (
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Print a page of the task's message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := taskIDArg(args)
			if err != nil {
				return err
			}
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			return app.runHistory(cmd.Context(), taskID, limit, offset)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Messages per page (default from config)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of newest messages to skip")
	return cmd
}

func buildSendCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <task-id> <message>",
		Short: "Post a single message over the REST API",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := taskIDArg(args)
			if err != nil {
				return err
			}
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			return app.runSend(cmd.Context(), taskID, args[1:])
		},
	}
	return cmd
}

func buildParticipantsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participants <task-id>",
		Short: "List the users with access to the task's chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := taskIDArg(args)
			if err != nil {
				return err
			}
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			return app.runParticipants(cmd.Context(), taskID)
		},
	}
	return cmd
}

func buildStatsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <task-id>",
		Short: "Show chat statistics for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := taskIDArg(args)
			if err != nil {
				return err
			}
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			return app.runStats(cmd.Context(), taskID)
		},
	}
	return cmd
}
