package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"courier/cmd/internal/realtime"
)

// Version is set at build time.
var Version = "dev"

// NewRootCommand builds the courier CLI.
func NewRootCommand() *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:   "courier",
		Short: "Realtime conversation sync client",
		Long: `courier keeps a cable subscription to the chat backend alive, mirrors
conversations into a bounded local cache and delivers outbound actions
through a durable retry queue.

Configuration is read from COURIER_* environment variables, optionally
loaded from .env files.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFiles(cmd.ErrOrStderr(), envFiles, cmd.Flags().Changed("env-file"))
		},
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading COURIER_* variables")

	root.AddCommand(newRunCommand(), newQueueCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var conversations []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect, join conversations and sync until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			if len(conversations) > 0 {
				cfg.Conversations = conversations
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
			a, err := New(cmd.Context(), cfg, log, Options{})
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVarP(&conversations, "conversation", "c", nil, "conversation ids to join (overrides COURIER_CONVERSATIONS)")
	return cmd
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the durable retry queue",
	}

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print pending operations in delivery order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueueStore(cmd, func(cfg Config, st realtime.QueueStore) error {
				ops, err := realtime.LoadQueue(cmd.Context(), st, cfg.QueueKey)
				if err != nil {
					return err
				}
				return printQueue(cmd.OutOrStdout(), ops, asJSON)
			})
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending operation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueueStore(cmd, func(cfg Config, st realtime.QueueStore) error {
				q := realtime.NewRetryQueue(st, cfg.QueueKey)
				if err := q.Load(cmd.Context()); err != nil {
					return err
				}
				n := q.Len()
				if err := q.Clear(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cleared %d pending operation(s)\n", n)
				return err
			})
		},
	}

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

func withQueueStore(cmd *cobra.Command, fn func(Config, realtime.QueueStore) error) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	// Keep stdout for command output.
	log := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat, cfg.LogColor)

	st, pool, err := newQueueStore(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
		if pool != nil {
			pool.Close()
		}
	}()
	return fn(cfg, st)
}

func printQueue(w io.Writer, ops []realtime.PendingOperation, asJSON bool) error {
	if asJSON {
		if ops == nil {
			ops = []realtime.PendingOperation{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ops)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tRETRIES\tENQUEUED")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", op.ID, op.Action, op.RetryCount, op.EnqueuedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// loadEnvFiles overlays dotenv files onto the environment. Missing files are
// an error only when named explicitly.
func loadEnvFiles(stderr io.Writer, paths []string, explicit bool) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if explicit {
				return fmt.Errorf("env file %s: %w", path, err)
			}
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			if explicit {
				return fmt.Errorf("load env file %s: %w", path, err)
			}
			fmt.Fprintf(stderr, "warning: failed to load %s: %v\n", path, err)
		}
	}
	return nil
}
