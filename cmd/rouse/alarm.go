package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dukerupert/rouse/internal/handler"
	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/recurrence"
)

func newAlarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alarm",
		Short: "Manage alarms on the running daemon",
	}
	cmd.AddCommand(newAlarmListCmd())
	cmd.AddCommand(newAlarmAddCmd())
	cmd.AddCommand(newAlarmToggleCmd())
	cmd.AddCommand(newAlarmRmCmd())
	return cmd
}

func newAlarmListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List alarms and when they ring next",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var alarms []handler.AlarmView
			if err := newAPIClient(daemonURL()).do(cmd.Context(), "GET", "/api/alarms", nil, &alarms); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), alarms)
			}
			printAlarms(cmd.OutOrStdout(), alarms, time.Now())
			return nil
		},
	}
}

func printAlarms(w io.Writer, alarms []handler.AlarmView, now time.Time) {
	if len(alarms) == 0 {
		fmt.Fprintln(w, "No alarms.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tREPEAT\tLABEL\tMISSION\tNEXT")
	for _, a := range alarms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Time, a.RepeatDays.Describe(), a.DisplayLabel(), a.Mission, nextRing(a, now))
	}
	tw.Flush()
}

func nextRing(a handler.AlarmView, now time.Time) string {
	switch {
	case !a.Enabled:
		return "off"
	case a.NextRing == nil:
		return "not scheduled"
	default:
		return humanize.RelTime(*a.NextRing, now, "ago", "from now")
	}
}

type addOptions struct {
	days    string
	label   string
	mission string
	sound   string
	volume  float64
}

func newAlarmAddCmd() *cobra.Command {
	var opts addOptions
	cmd := &cobra.Command{
		Use:   "add HH:MM",
		Short: "Create an alarm",
		Example: `  rouse alarm add 06:30 --days MO,TU,WE,TH,FR --mission arithmetic
  rouse alarm add 09:00 --label "Dentist"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := opts.alarm(args[0])
			if err != nil {
				return err
			}
			var out handler.AlarmView
			if err := newAPIClient(daemonURL()).do(cmd.Context(), "POST", "/api/alarms", in, &out); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created alarm %s, rings %s.\n", out.ID, nextRing(out, time.Now()))
			if out.Warning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", out.Warning)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.days, "days", "", "repeat days as a BYDAY list, e.g. MO,WE,FR (default: once)")
	cmd.Flags().StringVar(&opts.label, "label", "", "alarm label")
	cmd.Flags().StringVar(&opts.mission, "mission", string(model.MissionNone), "mission: none, arithmetic, typing, quiz, distance")
	cmd.Flags().StringVar(&opts.sound, "sound", "", "sound file name, e.g. birds.mp3")
	cmd.Flags().Float64Var(&opts.volume, "volume", 1, "volume from 0 to 1")
	return cmd
}

func (o addOptions) alarm(at string) (model.Alarm, error) {
	var t recurrence.TimeOfDay
	if err := t.UnmarshalText([]byte(at)); err != nil {
		return model.Alarm{}, err
	}
	days, err := recurrence.ParseDays(o.days)
	if err != nil {
		return model.Alarm{}, err
	}
	a := model.Alarm{
		Time:       t,
		RepeatDays: days,
		Enabled:    true,
		Label:      o.label,
		Mission:    model.MissionType(o.mission),
		Sound:      model.Sound{Volume: o.volume},
	}
	if o.sound != "" {
		name, ext, _ := strings.Cut(o.sound, ".")
		a.Sound.Name, a.Sound.Ext = name, ext
	}
	return a, a.Validate()
}

func newAlarmToggleCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "toggle ID",
		Short: "Enable an alarm, or disable it with --off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out handler.AlarmView
			body := map[string]bool{"enabled": !off}
			if err := newAPIClient(daemonURL()).do(cmd.Context(), "POST", "/api/alarms/"+args[0]+"/toggle", body, &out); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Alarm %s: %s\n", out.ID, nextRing(out, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "disable the alarm")
	return cmd
}

func newAlarmRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"delete"},
		Short:   "Delete an alarm",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(daemonURL()).do(cmd.Context(), "DELETE", "/api/alarms/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted alarm %s.\n", args[0])
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
