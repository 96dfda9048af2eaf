package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

type sessionsPayload struct {
	Sessions []protocol.Session `json:"sessions"`
	Claims   []protocol.Claim   `json:"claims"`
}

type scrollbackPayload struct {
	Session string `json:"session"`
	Pane    string `json:"pane"`
	Lines   int    `json:"lines"`
	Content string `json:"content"`
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [query]",
	Short: "List tmux sessions and who controls them",
	Long: `List the sessions the coordinator sees. An optional query fuzzy-matches
session names, best match first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromFlags()
		if err != nil {
			return err
		}
		query := url.Values{}
		if len(args) == 1 {
			query.Set("q", args[0])
		}
		var payload sessionsPayload
		if err := client.do(cmd.Context(), "GET", "/api/sessions", query, &payload); err != nil {
			return err
		}

		out := NewCLIOutput(cmd.OutOrStdout(), flagJSON)
		if !out.JSON() && len(payload.Sessions) == 0 {
			return out.Print("No sessions.\n", payload)
		}
		return out.Table(
			[]string{"NAME", "WINDOWS", "ATTACHED", "SIZE", "CONTROLLED BY", "CREATED"},
			sessionRows(payload, time.Now()),
			payload,
		)
	},
}

func sessionRows(payload sessionsPayload, now time.Time) [][]string {
	holders := make(map[string]string, len(payload.Claims))
	for _, cl := range payload.Claims {
		holders[cl.Session] = cl.UserName
	}
	rows := make([][]string, 0, len(payload.Sessions))
	for _, s := range payload.Sessions {
		holder := holders[s.Name]
		if holder == "" {
			holder = "-"
		}
		rows = append(rows, []string{
			s.Name,
			strconv.Itoa(s.Windows),
			strconv.Itoa(s.Attached),
			fmt.Sprintf("%dx%d", s.Width, s.Height),
			holder,
			formatAge(s.Created, now),
		})
	}
	return rows
}

var (
	flagScrollbackLines int
	flagScrollbackPane  string
)

var scrollbackCmd = &cobra.Command{
	Use:   "scrollback <session>",
	Short: "Print a pane's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromFlags()
		if err != nil {
			return err
		}
		query := url.Values{}
		query.Set("lines", strconv.Itoa(flagScrollbackLines))
		if flagScrollbackPane != "" {
			query.Set("pane", flagScrollbackPane)
		}
		var payload scrollbackPayload
		path := "/api/sessions/" + url.PathEscape(args[0]) + "/scrollback"
		if err := client.do(cmd.Context(), "GET", path, query, &payload); err != nil {
			return err
		}
		return NewCLIOutput(cmd.OutOrStdout(), flagJSON).Print(payload.Content, payload)
	},
}

func init() {
	scrollbackCmd.Flags().IntVar(&flagScrollbackLines, "lines", 1000, "history lines to include")
	scrollbackCmd.Flags().StringVar(&flagScrollbackPane, "pane", "", "pane index or id (default 0)")
	rootCmd.AddCommand(sessionsCmd, scrollbackCmd)
}
