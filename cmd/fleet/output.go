package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dreamware/fleet/internal/batch"
	"github.com/dreamware/fleet/internal/cluster"
)

// printReport writes one line per node followed by a summary.
func printReport(w io.Writer, verb string, rep batch.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, res := range rep.Results {
		switch {
		case res.OK() && res.Detail != "":
			fmt.Fprintf(tw, "node %d\tok\t%s\n", res.NodeID, res.Detail)
		case res.OK():
			fmt.Fprintf(tw, "node %d\tok\t\n", res.NodeID)
		default:
			fmt.Fprintf(tw, "node %d\tFAILED\t%v\n", res.NodeID, res.Err)
		}
	}
	tw.Flush()
	fmt.Fprintf(w, "%s: %d ok, %d failed (%s)\n",
		verb, len(rep.Succeeded()), len(rep.Failed()), rep.Duration.Round(time.Millisecond))
}

// printStatus writes the status table.
func printStatus(w io.Writer, nodes []cluster.Node) {
	if len(nodes) == 0 {
		fmt.Fprintln(w, "no nodes installed")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPORT\tPID\tDIR\tERROR")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			n.ID, n.State, dash(n.Port), dash(n.PID), n.Dir, n.Error)
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprint(n)
}
