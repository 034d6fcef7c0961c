package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/opgate/opgate/pkg/engine"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func printOperation(op *engine.Operation) {
	fmt.Printf("Operation %s\n", op.ID)
	fmt.Printf("  %s  [%s, risk %s]\n", op, op.Classification, op.Risk)
	if op.RetryOf != "" {
		fmt.Printf("  retry of %s (ticket %s)\n", op.RetryOf, op.TicketID)
	}

	out := op.Outcome
	if out == nil {
		fmt.Println("  in flight")
		return
	}
	fmt.Printf("  outcome: %s at %s\n", out.Kind, out.Stage)
	if out.Reason != "" {
		fmt.Printf("  reason:  %s\n", out.Reason)
	}
	if out.ConfirmationID != "" {
		fmt.Printf("  confirmation: %s (%s)\n", out.ConfirmationID, out.ConfirmationStatus)
	}
	if out.TicketID != "" {
		fmt.Printf("  ticket:  %s\n", out.TicketID)
	}
	if out.Error != nil && out.Error.Code != "" {
		fmt.Printf("  error:   %s %s\n", out.Error.Code, out.Error.Message)
	}
	if res := out.Result; res != nil {
		fmt.Printf("  %s (%s)\n", res.Summary, res.Duration.Round(1e6))
		for _, item := range res.Items {
			fmt.Printf("    - %s\n", itemLine(item))
		}
		keys := make([]string, 0, len(res.Data))
		for k := range res.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %s: %v\n", k, res.Data[k])
		}
	}
}

// itemLine prefers the name of a listed resource over its full document.
func itemLine(item map[string]interface{}) string {
	for _, k := range []string{"name", "Name", "id"} {
		if v, ok := item[k]; ok {
			return fmt.Sprint(v)
		}
	}
	if meta, ok := item["metadata"].(map[string]interface{}); ok {
		if v, ok := meta["name"]; ok {
			return fmt.Sprint(v)
		}
	}
	b, _ := json.Marshal(item)
	return string(b)
}

func printTicket(t *engine.Ticket) {
	fmt.Printf("Ticket %s [%s]\n", t.ID, t.Status)
	fmt.Printf("  requires:      %s\n", t.RequiredCapability)
	fmt.Printf("  operation:     %s\n", t.OperationID)
	fmt.Printf("  justification: %s\n", t.Justification)
	if t.ClaimedBy != "" {
		fmt.Printf("  claimed by:    %s\n", t.ClaimedBy)
	}
	if t.ResolvedBy != "" {
		fmt.Printf("  resolved by:   %s\n", t.ResolvedBy)
	}
	if t.Verdict != "" {
		fmt.Printf("  verdict:       %s\n", t.Verdict)
	}
	if t.RejectReason != "" {
		fmt.Printf("  rejected:      %s\n", t.RejectReason)
	}
	for _, ev := range t.History {
		from := string(ev.From)
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("  %s  %s -> %s", ev.At.Format("2006-01-02 15:04:05"), from, ev.To)
		if ev.Actor != "" {
			line += " by " + ev.Actor
		}
		if ev.Note != "" {
			line += ": " + ev.Note
		}
		fmt.Println(line)
	}
}
