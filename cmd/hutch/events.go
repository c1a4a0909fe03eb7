package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/types"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query or follow the event log",
	Long: `Print events from the kernel's append-only log.

Examples:
  # Last page of a tenant's events
  hutch events --tenant acme

  # Only crashes and restarts, from the beginning
  hutch events --type service_crashed --type service_restarted --since 0

  # Follow new events as they happen
  hutch events --tenant acme --follow`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().String("tenant", "", "Filter by tenant")
	eventsCmd.Flags().String("service", "", "Filter by service")
	eventsCmd.Flags().StringArray("type", nil, "Filter by event type (repeatable)")
	eventsCmd.Flags().Uint64("since", 0, "Replay events with id greater than this")
	eventsCmd.Flags().Int("limit", 0, "Maximum events to print (0 uses the server default)")
	eventsCmd.Flags().BoolP("follow", "f", false, "Stream events until interrupted")

	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	q := &types.EventQuery{}
	q.Tenant, _ = cmd.Flags().GetString("tenant")
	q.Service, _ = cmd.Flags().GetString("service")
	q.SinceID, _ = cmd.Flags().GetUint64("since")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	eventTypes, _ := cmd.Flags().GetStringArray("type")
	for _, t := range eventTypes {
		q.Types = append(q.Types, types.EventType(t))
	}

	c := apiClient(cmd)
	follow, _ := cmd.Flags().GetBool("follow")
	if !follow {
		events, lastID, err := c.Events(cmd.Context(), q)
		if err != nil {
			return err
		}
		for _, ev := range events {
			printEvent(ev)
		}
		if len(events) > 0 {
			fmt.Printf("-- %d events, resume with --since %d\n", len(events), lastID)
		}
		return nil
	}

	// Follow mode: without an explicit --since, tail from the current
	// head instead of replaying history.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		stream <-chan *types.Event
		err    error
	)
	if cmd.Flags().Changed("since") {
		stream, err = c.Watch(ctx, q)
	} else {
		stream, err = c.Tail(ctx, q)
	}
	if err != nil {
		return err
	}

	for ev := range stream {
		printEvent(ev)
	}
	return nil
}

func printEvent(ev *types.Event) {
	subject := ev.Subject.Tenant
	if ev.Subject.Service != "" {
		subject += "/" + ev.Subject.Service
	}

	line := fmt.Sprintf("#%-6d %s  %-28s %s",
		ev.ID, ev.WallClock.Format("2006-01-02T15:04:05.000Z07:00"), ev.Type, subject)
	if len(ev.Payload) > 0 {
		if payload, err := json.Marshal(ev.Payload); err == nil {
			line += "  " + string(payload)
		}
	}
	fmt.Println(line)
}
