package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/mattjoyce/agentrelay/internal/archive"
	"github.com/mattjoyce/agentrelay/internal/dispatch"
)

func okMark() string   { return color.GreenString("✓") }
func failMark() string { return color.RedString("✗") }
func warnMark() string { return color.YellowString("!") }

func outcomeMark(ok bool) string {
	if ok {
		return okMark()
	}
	return failMark()
}

func roundDuration(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(100 * time.Millisecond)
}

// printOutcome prints a one-line header for o and, unless quiet, its output.
func printOutcome(o dispatch.Outcome, quiet bool) {
	prov := o.Provider
	if prov == "" {
		prov = "-"
	}
	fmt.Printf("%s [%d] %-16s %-10s %8s  %s\n",
		outcomeMark(o.Success), o.Index, o.AgentID, prov, roundDuration(o.Duration), o.TaskID)
	if !o.Success {
		kind := string(o.ErrorKind)
		if kind == "" {
			kind = "error"
		}
		fmt.Printf("    %s: %s\n", color.RedString(kind), o.Error)
		return
	}
	if quiet {
		return
	}
	if out := strings.TrimRight(o.Output(), "\n"); out != "" {
		for _, line := range strings.Split(out, "\n") {
			fmt.Printf("    %s\n", line)
		}
	}
}

func printSummary(b dispatch.Batch) {
	s := b.Summary
	head := color.New(color.Bold)
	fmt.Println()
	fmt.Printf("%s %d/%d succeeded in %s (avg %s)\n",
		head.Sprint("Summary:"), s.Successful, s.Total, roundDuration(s.TotalDuration), roundDuration(s.AverageDuration))
	if s.Fastest >= 0 && s.Total > 1 {
		fast, slow := b.Outcomes[s.Fastest], b.Outcomes[s.Slowest]
		fmt.Printf("  fastest [%d] %s %s, slowest [%d] %s %s\n",
			fast.Index, fast.AgentID, roundDuration(fast.Duration),
			slow.Index, slow.AgentID, roundDuration(slow.Duration))
	}
	if b.Truncated {
		fmt.Printf("%s batch stopped early; later requests were not run\n", warnMark())
	}
}

func printRecord(rec archive.Record) {
	fmt.Printf("Task:       %s\n", rec.ID)
	fmt.Printf("Agent:      %s\n", rec.AgentID)
	fmt.Printf("Kind:       %s\n", rec.Kind)
	fmt.Printf("Provider:   %s (requested %s)\n", rec.Provider, rec.Requested)
	fmt.Printf("Status:     %s %s\n", outcomeMark(rec.Success), rec.Status)
	fmt.Printf("Created:    %s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if !rec.CompletedAt.IsZero() {
		fmt.Printf("Completed:  %s (%s)\n", rec.CompletedAt.UTC().Format(time.RFC3339), roundDuration(rec.CompletedAt.Sub(rec.CreatedAt)))
	}
	if rec.Completions > 1 {
		fmt.Printf("%s completed %d times; last write kept\n", warnMark(), rec.Completions)
	}
	fmt.Println()
	fmt.Println("Instruction:")
	fmt.Printf("  %s\n", rec.Instruction)
	if rec.Result != "" {
		fmt.Println()
		fmt.Println("Result:")
		fmt.Printf("  %s\n", strings.ReplaceAll(strings.TrimRight(rec.Result, "\n"), "\n", "\n  "))
	}
	if len(rec.Logs) > 0 {
		fmt.Println()
		fmt.Println("Log:")
		for _, e := range rec.Logs {
			fmt.Printf("  %s\n", e.String())
		}
	}
}

func printRecordList(recs []archive.Record) {
	if len(recs) == 0 {
		fmt.Println("No archived tasks.")
		return
	}
	for _, r := range recs {
		fmt.Printf("%s %-36s %-7s %-16s %-10s %s\n",
			outcomeMark(r.Success), r.ID, r.Status, r.AgentID, r.Provider,
			r.CreatedAt.UTC().Format(time.RFC3339))
	}
}
