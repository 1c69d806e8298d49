package bank

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/distcodep7/lamportmesh/lamport"
)

// Print writes the histories as a table with one row per account and one
// column per time. Amounts pending for an account are shown in parentheses.
func (a AllHistory) Print(w io.Writer) error {
	n := a.Len()
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintf(w, "Full balance history for time range [0;%d]\n", max(n-1, 0))

	header := []string{"PID\\time"}
	for t := 0; t < n; t++ {
		header = append(header, fmt.Sprint(t))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t")+"\t")

	for _, h := range a {
		row := []string{fmt.Sprint(h.ID)}
		for t := 0; t < n; t++ {
			s := h.At(lamport.Timestamp(t))
			cell := fmt.Sprint(s.Balance)
			if s.PendingIn != 0 {
				cell += fmt.Sprintf(" (%d)", s.PendingIn)
			}
			row = append(row, cell)
		}
		fmt.Fprintln(tw, strings.Join(row, "\t")+"\t")
	}

	total := []string{"Total"}
	for t := 0; t < n; t++ {
		total = append(total, fmt.Sprint(a.Total(lamport.Timestamp(t))))
	}
	fmt.Fprintln(tw, strings.Join(total, "\t")+"\t")
	return tw.Flush()
}
