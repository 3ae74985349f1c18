package output

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/telekom/csvaudit/pkg/audit"
	"github.com/telekom/csvaudit/pkg/tamper"
)

// WriteResourceTable lists events with their identity and compact content.
func WriteResourceTable(w io.Writer, resources []audit.Resource) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tCONTENT")
	for _, r := range resources {
		content, err := json.Marshal(r.Content)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", r.ID, content)
	}
	return tw.Flush()
}

// WriteReportTable prints a verification report.
func WriteReportTable(w io.Writer, topic string, report tamper.Report) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TOPIC\tVALID\tROWS\tSIGNATURES\tUNSIGNED\tFAILED_LINE\tREASON")
	failed := "-"
	if report.FailedLine > 0 {
		failed = fmt.Sprint(report.FailedLine)
	}
	reason := report.Reason
	if reason == "" {
		reason = "-"
	}
	_, _ = fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%s\t%s\n",
		topic, report.Valid, report.Rows, report.Signatures, report.UnsignedRows, failed, reason)
	return tw.Flush()
}
