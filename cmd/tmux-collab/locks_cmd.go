package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
	"github.com/tchow-twistedxcom/tmux-collab/internal/statedb"
)

type locksPayload struct {
	Locks []protocol.Claim `json:"locks"`
}

type lockPayload struct {
	Lock protocol.Claim `json:"lock"`
}

type historyEvent struct {
	ID       int64     `json:"id"`
	Session  string    `json:"session"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	Action   string    `json:"action"`
	ActorID  string    `json:"actorId,omitempty"`
	At       time.Time `json:"at"`
}

type historyPayload struct {
	Events []historyEvent `json:"events"`
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List, take and release session claims",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := clientFromFlags()
		if err != nil {
			return err
		}
		var payload locksPayload
		if err := client.do(cmd.Context(), "GET", "/api/locks", nil, &payload); err != nil {
			return err
		}
		out := NewCLIOutput(cmd.OutOrStdout(), flagJSON)
		if !out.JSON() && len(payload.Locks) == 0 {
			return out.Print("No sessions are claimed.\n", payload)
		}
		return out.Table([]string{"SESSION", "USER", "SINCE", "EXPIRES"}, lockRows(payload.Locks, time.Now()), payload)
	},
}

func lockRows(locks []protocol.Claim, now time.Time) [][]string {
	rows := make([][]string, 0, len(locks))
	for _, cl := range locks {
		expires := "never"
		if cl.ExpiresAt != nil {
			expires = cl.ExpiresAt.Local().Format(time.Kitchen)
		}
		rows = append(rows, []string{cl.Session, cl.UserName, formatAge(cl.AcquiredAt, now), expires})
	}
	return rows
}

var claimCmd = &cobra.Command{
	Use:   "claim <session>",
	Short: "Take exclusive control of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromFlags()
		if err != nil {
			return err
		}
		var payload lockPayload
		if err := client.do(cmd.Context(), "POST", "/api/locks/"+url.PathEscape(args[0]), nil, &payload); err != nil {
			return err
		}
		return NewCLIOutput(cmd.OutOrStdout(), flagJSON).Print(
			fmt.Sprintf("Claimed %s as %s\n", payload.Lock.Session, payload.Lock.UserName), payload)
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <session>",
	Short: "Give up control of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromFlags()
		if err != nil {
			return err
		}
		if err := client.do(cmd.Context(), "DELETE", "/api/locks/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		return NewCLIOutput(cmd.OutOrStdout(), flagJSON).Print(
			fmt.Sprintf("Released %s\n", args[0]), map[string]any{"session": args[0], "released": true})
	},
}

var (
	flagHistorySession string
	flagHistoryLimit   int
	flagHistoryDB      string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the claim audit log",
	Long: `Show claim changes, newest first. With --db the audit database is read
directly and no coordinator needs to be running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var (
			payload historyPayload
			err     error
		)
		if flagHistoryDB != "" {
			payload, err = historyFromDB(cmd.Context(), flagHistoryDB, flagHistorySession, flagHistoryLimit)
		} else {
			payload, err = historyFromServer(cmd.Context(), flagHistorySession, flagHistoryLimit)
		}
		if err != nil {
			return err
		}

		out := NewCLIOutput(cmd.OutOrStdout(), flagJSON)
		if !out.JSON() && len(payload.Events) == 0 {
			return out.Print("No claim events recorded.\n", payload)
		}
		rows := make([][]string, 0, len(payload.Events))
		for _, ev := range payload.Events {
			actor := ev.ActorID
			if actor == "" {
				actor = "-"
			}
			rows = append(rows, []string{ev.At.Local().Format(time.DateTime), ev.Session, ev.UserName, ev.Action, actor})
		}
		return out.Table([]string{"TIME", "SESSION", "USER", "ACTION", "BY"}, rows, payload)
	},
}

func historyFromServer(ctx context.Context, session string, limit int) (historyPayload, error) {
	var payload historyPayload
	client, err := clientFromFlags()
	if err != nil {
		return payload, err
	}
	query := url.Values{}
	if session != "" {
		query.Set("session", session)
	}
	query.Set("limit", strconv.Itoa(limit))
	err = client.do(ctx, "GET", "/api/locks/history", query, &payload)
	return payload, err
}

func historyFromDB(ctx context.Context, path, session string, limit int) (historyPayload, error) {
	var payload historyPayload
	db, err := statedb.Open(path)
	if err != nil {
		return payload, err
	}
	defer db.Close()

	rows, err := db.ClaimHistory(ctx, session, limit)
	if err != nil {
		return payload, err
	}
	payload.Events = make([]historyEvent, 0, len(rows))
	for _, r := range rows {
		payload.Events = append(payload.Events, historyEvent{
			ID:       r.ID,
			Session:  r.Session,
			UserID:   r.UserID,
			UserName: r.UserName,
			Action:   r.Action,
			ActorID:  r.ActorID,
			At:       r.At,
		})
	}
	return payload, nil
}

func init() {
	historyCmd.Flags().StringVar(&flagHistorySession, "session", "", "only this session")
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", 50, "maximum events")
	historyCmd.Flags().StringVar(&flagHistoryDB, "db", "", "read this audit database instead of asking the server")
	locksCmd.AddCommand(claimCmd, releaseCmd, historyCmd)
	rootCmd.AddCommand(locksCmd)
}
