package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/harun/clawgate/internal/daemon"
	"github.com/harun/clawgate/pkg/router"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the daemon is running and the health of each provider.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type healthReport struct {
	Status    string                    `json:"status"`
	Providers []router.ProviderSnapshot `json:"providers"`
	Clients   int                       `json:"clients"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	_, cfg, err := loadConfig(zerolog.Nop())
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFile(cfg.Workspace)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	report, err := fetchHealth(clientAddr(cfg))
	if err != nil {
		fmt.Fprintf(out, "Gateway: unreachable (%v)\n", err)
		return nil
	}
	printHealth(out, report)
	return nil
}

func fetchHealth(addr string) (*healthReport, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}
	return &report, nil
}

func printHealth(out io.Writer, report *healthReport) {
	fmt.Fprintf(out, "Gateway: %s (%d clients)\n", report.Status, report.Clients)
	if len(report.Providers) == 0 {
		fmt.Fprintln(out, "Providers: none configured")
		return
	}
	fmt.Fprintln(out, "Providers:")
	for _, p := range report.Providers {
		line := fmt.Sprintf("  %-16s %-24s %s", p.ID, p.ModelName, p.Status)
		if p.Status == router.StatusBusy && !p.BusyUntil.IsZero() {
			line += " until " + p.BusyUntil.Format(time.RFC3339)
		}
		fmt.Fprintln(out, line)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
