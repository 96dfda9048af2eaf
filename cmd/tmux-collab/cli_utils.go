package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// maxCellWidth truncates wide table cells.
const maxCellWidth = 40

// CLIOutput prints either aligned tables (terminals) or JSON (pipes, --json).
type CLIOutput struct {
	w        io.Writer
	jsonMode bool
}

// NewCLIOutput picks JSON when forced or when w is not a terminal.
func NewCLIOutput(w io.Writer, forceJSON bool) *CLIOutput {
	jsonMode := forceJSON
	if f, ok := w.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		jsonMode = true
	}
	return &CLIOutput{w: w, jsonMode: jsonMode}
}

// JSON reports whether output is JSON.
func (c *CLIOutput) JSON() bool {
	return c.jsonMode
}

// Print writes human text, or data as JSON.
func (c *CLIOutput) Print(human string, data any) error {
	if c.jsonMode {
		return c.printJSON(data)
	}
	_, err := io.WriteString(c.w, human)
	return err
}

// Table writes rows under header, or data as JSON.
func (c *CLIOutput) Table(header []string, rows [][]string, data any) error {
	if c.jsonMode {
		return c.printJSON(data)
	}
	_, err := io.WriteString(c.w, renderTable(header, rows))
	return err
}

func (c *CLIOutput) printJSON(data any) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("format JSON: %w", err)
	}
	_, err = fmt.Fprintln(c.w, string(out))
	return err
}

// renderTable aligns columns by display width, so CJK and emoji session
// names line up.
func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	cell := func(s string) string {
		if runewidth.StringWidth(s) > maxCellWidth {
			return runewidth.Truncate(s, maxCellWidth, "...")
		}
		return s
	}
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i := range header {
			if i < len(row) {
				if w := runewidth.StringWidth(cell(row[i])); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}

	var b strings.Builder
	writeRow := func(row []string) {
		for i := range header {
			v := ""
			if i < len(row) {
				v = cell(row[i])
			}
			if i == len(header)-1 {
				b.WriteString(v)
				break
			}
			b.WriteString(runewidth.FillRight(v, widths[i]))
			b.WriteString("  ")
		}
		b.WriteString("\n")
	}
	writeRow(header)
	for _, row := range rows {
		writeRow(row)
	}
	return b.String()
}

// formatAge renders how long ago t was, coarsely.
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// apiClient calls a running coordinator's REST API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// apiError is the error envelope returned by the server.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// do sends a request and decodes a JSON body into out (when non-nil).
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact coordinator at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope struct {
			Error *apiError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// clientFromFlags builds an API client from --server/--token and the config.
func clientFromFlags() (*apiClient, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAPIClient(serverURL(cfg), flagToken), nil
}
