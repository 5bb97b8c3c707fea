package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chanrelay/internal/app"
	"chanrelay/internal/channels"
	"chanrelay/internal/storage"
	"chanrelay/pkg/logx"
)

func newChannelsCmd(cfgPath *string) *cobra.Command {
	var noVerify bool
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Edit the stored watch list",
		Long: "Edit the stored watch list directly. A running relay picks the " +
			"changes up on its next resync; use the admin API for immediate effect.",
	}
	cmd.PersistentFlags().BoolVar(&noVerify, "no-verify", false, "Skip checking names against Telegram")

	open := func(cmd *cobra.Command, verify bool) (*app.Offline, error) {
		return app.OpenOffline(*cfgPath, verify && !noVerify, logx.NewWriter(cmd.ErrOrStderr(), "warn"))
	}

	cmd.AddCommand(newChannelsListCmd(open))
	cmd.AddCommand(newChannelsAddCmd(open))
	cmd.AddCommand(newChannelsRemoveCmd(open))
	cmd.AddCommand(newChannelsToggleCmd(open, "enable", "Resume watching a stored channel", false))
	cmd.AddCommand(newChannelsToggleCmd(open, "disable", "Keep a channel stored but stop watching it", true))
	return cmd
}

type openFunc func(cmd *cobra.Command, verify bool) (*app.Offline, error)

func newChannelsListCmd(open openFunc) *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer o.Close()
			recs, err := o.Channels.List(cmd.Context())
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			if len(recs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no channels")
				return nil
			}
			return writeTable(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newChannelsAddCmd(open openFunc) *cobra.Command {
	var disabled bool
	cmd := &cobra.Command{
		Use:   "add <name>...",
		Short: "Add channels to the watch list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := open(cmd, true)
			if err != nil {
				return err
			}
			defer o.Close()
			var added []storage.Channel
			for _, name := range args {
				recs, err := o.Channels.Add(cmd.Context(), channels.CreateInput{Name: name, Disabled: disabled})
				if err != nil {
					return err
				}
				added = append(added, recs...)
			}
			return writeTable(cmd.OutOrStdout(), added)
		},
	}
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Store without watching")
	return cmd
}

func newChannelsRemoveCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name|id>...",
		Short: "Remove channels from the watch list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer o.Close()
			var removed []storage.Channel
			for _, arg := range args {
				in := channels.RemoveInput{Name: arg}
				if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
					in = channels.RemoveInput{ID: id}
				}
				recs, err := o.Channels.Remove(cmd.Context(), in)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: not found\n", arg)
				}
				removed = append(removed, recs...)
			}
			if len(removed) == 0 {
				return nil
			}
			return writeTable(cmd.OutOrStdout(), removed)
		},
	}
}

func newChannelsToggleCmd(open openFunc, use, short string, disable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// enabling re-checks the name; disabling doesn't need Telegram
			o, err := open(cmd, !disable)
			if err != nil {
				return err
			}
			defer o.Close()
			rec, err := o.Channels.SetDisabled(cmd.Context(), args[0], disable)
			if err != nil {
				return err
			}
			return writeTable(cmd.OutOrStdout(), []storage.Channel{rec})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, recs []storage.Channel) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATE\tUPDATED")
	for _, r := range recs {
		state := "enabled"
		if r.Disabled {
			state = "disabled"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ID, r.Name, state, r.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
