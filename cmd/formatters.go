package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/bootstrap"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/core"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/degradation"

	"github.com/fatih/color"
)

// renderReport displays a status report as sections and tables
func renderReport(w io.Writer, rep bootstrap.Report) {
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	headerColor.Fprintf(w, "  Status Report  %s\n", formatTime(rep.GeneratedAt))
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)

	printSection(w, "Store")
	printField(w, "Address", rep.Store.Addr)
	printField(w, "Status", formatHealth(rep.Store.Status))
	printField(w, "State", string(rep.Store.State))
	if rep.Store.Healthy() {
		printField(w, "Latency", rep.Store.Latency.Round(time.Microsecond).String())
		printField(w, "Connections", fmt.Sprintf("%d total, %d idle", rep.Store.TotalConns, rep.Store.IdleConns))
	}
	if rep.Store.Error != "" {
		printField(w, "Error", rep.Store.Error)
	}
	fmt.Fprintln(w)

	printSection(w, "Degradation")
	printField(w, "Mode", formatMode(rep.Degradation.Mode))
	printField(w, "Features", strings.Join(rep.Degradation.Features, ", "))
	printField(w, "Memory Queue", fmt.Sprintf("%d", rep.Degradation.MemoryQueueSize))
	fmt.Fprintln(w)

	renderServicesTable(w, rep.Degradation.Services)
	renderFallbackTable(w, rep.Degradation.FallbackQueues)
	renderBreakersTable(w, rep.Degradation.Breakers)
	renderQueuesTable(w, rep)

	if rep.Stream.LastEntryID != "" || rep.Group.Name != "" {
		printSection(w, "Stream")
		printField(w, "Length", fmt.Sprintf("%d", rep.Stream.Length))
		printField(w, "First Entry", rep.Stream.FirstEntryID)
		printField(w, "Last Entry", rep.Stream.LastEntryID)
		printField(w, "Groups", fmt.Sprintf("%d", rep.Stream.Groups))
		printField(w, "Group", rep.Group.Name)
		printField(w, "Consumers", fmt.Sprintf("%d", rep.Group.Consumers))
		printField(w, "Pending", fmt.Sprintf("%d", rep.Group.Pending))
		printField(w, "Last Delivered", rep.Group.LastDeliveredID)
		fmt.Fprintln(w)
	}

	if len(rep.Errors) > 0 {
		errorColor.Fprintln(w, "  Errors:")
		for _, e := range rep.Errors {
			fmt.Fprintf(w, "    - %s\n", e)
		}
	}
}

func renderServicesTable(w io.Writer, services []degradation.ServiceHealth) {
	if len(services) == 0 {
		warningColor.Fprintln(w, "No services registered")
		fmt.Fprintln(w)
		return
	}

	headerColor.Fprintln(w, "SERVICES")
	headerColor.Fprintln(w, strings.Repeat("=", 90))
	fmt.Fprintf(w, "%-16s %-9s %-11s %-9s %-15s %s\n",
		"Name", "Critical", "Status", "Failures", "Last Check", "Last Error")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, s := range services {
		critical := "No"
		if s.Critical {
			critical = "Yes"
		}
		fmt.Fprintf(w, "%-16s %-9s %-11s %-9d %-15s %s\n",
			truncate(s.Name, 16), critical, s.Status, s.ConsecutiveFailures,
			formatTimeSince(s.LastCheck), truncate(s.LastError, 40))
	}
	fmt.Fprintln(w, strings.Repeat("=", 90))
	fmt.Fprintln(w)
}

func renderFallbackTable(w io.Writer, queues map[string]int) {
	if len(queues) == 0 {
		return
	}
	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Strings(names)

	headerColor.Fprintln(w, "FALLBACK QUEUES")
	headerColor.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "%-36s %s\n", "Queue", "Buffered")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, name := range names {
		count := fmt.Sprintf("%d", queues[name])
		if queues[name] > 0 {
			count = warningColor.Sprint(count)
		}
		fmt.Fprintf(w, "%-36s %s\n", truncate(name, 36), count)
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)
}

func renderBreakersTable(w io.Writer, breakers []core.BreakerSnapshot) {
	if len(breakers) == 0 {
		return
	}
	headerColor.Fprintln(w, "CIRCUIT BREAKERS")
	headerColor.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "%-24s %-12s %s\n", "Service", "State", "Failures")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, b := range breakers {
		fmt.Fprintf(w, "%-24s %-12s %d\n", truncate(b.Name, 24), b.State, b.Failures)
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)
}

func renderQueuesTable(w io.Writer, rep bootstrap.Report) {
	if len(rep.Queues) == 0 {
		return
	}
	headerColor.Fprintln(w, "QUEUES")
	headerColor.Fprintln(w, strings.Repeat("=", 90))
	fmt.Fprintf(w, "%-28s %-10s %-10s %-8s %-10s %s\n",
		"Queue", "Length", "Max", "Fill", "Pressure", "Policy")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, q := range rep.Queues {
		pressure := "ok"
		switch {
		case q.IsFull:
			pressure = "full"
		case q.IsAtPressureThreshold:
			pressure = "high"
		}
		fmt.Fprintf(w, "%-28s %-10d %-10d %-8s %-10s %s\n",
			truncate(q.QueueName, 28), q.CurrentLength, q.MaxSize,
			fmt.Sprintf("%.0f%%", q.FillRatio*100), pressure, q.OverflowPolicy)
	}
	fmt.Fprintln(w, strings.Repeat("=", 90))
	fmt.Fprintln(w)
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-25s %s\n", key+":", value)
}

func formatHealth(status string) string {
	switch status {
	case degradation.StatusHealthy:
		return color.New(color.FgGreen).Sprint(status)
	case degradation.StatusUnhealthy:
		return color.New(color.FgRed).Sprint(status)
	default:
		return status
	}
}

func formatMode(mode degradation.Mode) string {
	switch mode {
	case degradation.ModeNormal:
		return color.New(color.FgGreen).Sprint(string(mode))
	case degradation.ModeDegraded:
		return color.New(color.FgYellow).Sprint(string(mode))
	case degradation.ModeMinimal:
		return color.New(color.FgRed).Sprint(string(mode))
	default:
		return string(mode)
	}
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// formatTimeSince formats time since a timestamp
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}

	duration := time.Since(t)
	if duration < time.Minute {
		return fmt.Sprintf("%ds ago", int(duration.Seconds()))
	}
	if duration < time.Hour {
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	}
	if duration < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
