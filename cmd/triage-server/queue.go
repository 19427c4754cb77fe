package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/triage/internal/config"
	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/events"
	"github.com/ehr/triage/internal/platform/websocket"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the dispatch queue of a running server",
	}
	cmd.PersistentFlags().String("server", envOr("TRIAGE_SERVER", "http://localhost:8000"), "Server base URL")
	cmd.PersistentFlags().String("token", os.Getenv("TRIAGE_TOKEN"), "Bearer token")

	// queue list
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show the current queue in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			colour, _ := cmd.Flags().GetString("color")

			path := "/api/priority-queue"
			if colour != "" {
				path += "?color=" + url.QueryEscape(colour)
			}
			var resp triage.QueueResponse
			if _, err := clientFrom(cmd).do(cmd.Context(), http.MethodGet, path, &resp); err != nil {
				return err
			}
			return renderQueue(cmd.OutOrStdout(), output, resp)
		},
	}
	listCmd.Flags().StringP("output", "o", "text", "Output format (text, json, yaml)")
	listCmd.Flags().String("color", "", "Only show one acuity colour")
	cmd.AddCommand(listCmd)

	// queue next
	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Dispatch the most urgent waiting patient to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entry triage.WaitEntry
			status, err := clientFrom(cmd).do(cmd.Context(), http.MethodPost, "/api/priority-queue/next", &entry)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if status == http.StatusNoContent {
				fmt.Fprintln(out, "Queue is empty.")
				return nil
			}
			fmt.Fprintf(out, "%s  %s  (%s, waited since %s)\n",
				colorLabel(entry.Acuity.Color()), entry.PatientName, entry.ID, entry.EnqueuedAt.Local().Format("15:04"))
			return nil
		},
	})

	// queue watch
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow queue events published to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			redisURL, _ := cmd.Flags().GetString("redis")
			if redisURL == "" {
				redisURL = cfg.RedisURL
			}
			if redisURL == "" {
				return fmt.Errorf("REDIS_URL or --redis is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rdb, err := events.NewRedisClient(ctx, redisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			stream, err := events.Subscribe(ctx, rdb, cfg.RedisChannel, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl-C to stop)\n", cfg.RedisChannel)
			for ev := range stream {
				printEvent(cmd.OutOrStdout(), ev)
			}
			return nil
		},
	}
	watchCmd.Flags().String("redis", "", "Redis URL (defaults to REDIS_URL)")
	cmd.AddCommand(watchCmd)

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// -- HTTP client --

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func clientFrom(cmd *cobra.Command) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return &apiClient{
		base:  strings.TrimRight(server, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// do sends a bodiless request and decodes a JSON response into out. It
// returns the status code; 204 leaves out untouched.
func (c *apiClient) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Message)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// -- Rendering --

type queueRow struct {
	Position      int     `json:"position" yaml:"position"`
	EntryID       string  `json:"entry_id" yaml:"entry_id"`
	Patient       string  `json:"patient" yaml:"patient"`
	Color         string  `json:"color" yaml:"color"`
	Status        string  `json:"status" yaml:"status"`
	WaitedMinutes int     `json:"waited_minutes" yaml:"waited_minutes"`
	Score         float64 `json:"score" yaml:"score"`
	Overdue       bool    `json:"overdue" yaml:"overdue"`
}

type queueView struct {
	Policy string     `json:"policy" yaml:"policy"`
	Total  int        `json:"total" yaml:"total"`
	Items  []queueRow `json:"items" yaml:"items"`
}

func newQueueView(resp triage.QueueResponse) queueView {
	rows := make([]queueRow, 0, len(resp.Items))
	for i, it := range resp.Items {
		rows = append(rows, queueRow{
			Position:      i + 1,
			EntryID:       it.EntryID.String(),
			Patient:       it.PatientName,
			Color:         it.ColorLabel,
			Status:        string(it.Status),
			WaitedMinutes: it.WaitedMinutes,
			Score:         it.Score,
			Overdue:       it.Overdue,
		})
	}
	return queueView{Policy: resp.Policy, Total: resp.Total, Items: rows}
}

func renderQueue(w io.Writer, format string, resp triage.QueueResponse) error {
	view := newQueueView(resp)
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return printQueueTable(w, view)
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func printQueueTable(w io.Writer, view queueView) error {
	if len(view.Items) == 0 {
		fmt.Fprintf(w, "Queue is empty (policy %s).\n", view.Policy)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCOLOR\tPATIENT\tSTATUS\tWAITED\tSCORE")
	fmt.Fprintln(tw, "-\t-----\t-------\t------\t------\t-----")
	for _, r := range view.Items {
		waited := fmt.Sprintf("%dm", r.WaitedMinutes)
		if r.Overdue {
			waited += " !"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%.1f\n",
			r.Position, colorLabel(r.Color), r.Patient, r.Status, waited, r.Score)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d patient(s), policy %s\n", view.Total, view.Policy)
	return nil
}

var colorAttrs = map[string][]color.Attribute{
	"red":    {color.FgRed, color.Bold},
	"orange": {color.FgHiRed},
	"yellow": {color.FgYellow},
	"green":  {color.FgGreen},
	"blue":   {color.FgBlue},
}

// colorLabel paints a Manchester colour name in its own colour. fatih/color
// disables escapes when stdout is not a terminal.
func colorLabel(label string) string {
	attrs, ok := colorAttrs[label]
	if !ok {
		return label
	}
	return color.New(attrs...).Sprint(label)
}

func printEvent(w io.Writer, ev websocket.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	kind := ev.Type
	switch ev.Type {
	case triage.EventOverdue:
		kind = color.RedString(kind)
	case triage.EventDispatched:
		kind = color.GreenString(kind)
	}
	fmt.Fprintf(w, "%s  %-20s %s %s\n", ts.Local().Format("15:04:05"), kind, ev.ResourceID, string(ev.Data))
}
