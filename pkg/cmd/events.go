package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/telekom/csvaudit/pkg/audit"
	"github.com/telekom/csvaudit/pkg/audit/schema"
	"github.com/telekom/csvaudit/pkg/output"
)

// ErrTamperDetected is returned by verify when a log fails verification.
var ErrTamperDetected = errors.New("audit log failed verification")

const offlineNote = `
The command opens the log directory of the configuration directly. Do not
point it at a directory a running server is writing to.`

func NewPublishCommand() *cobra.Command {
	var (
		file string
		data string
	)

	cmd := &cobra.Command{
		Use:   "publish TOPIC",
		Short: "Append an audit event to a topic log",
		Long: `Append one audit event, read as YAML or JSON from --file (or - for stdin)
or from --data. An _id is generated when the event has none.` + "\n" + offlineNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			doc, err := readEvent(cmd.InOrStdin(), file, data)
			if err != nil {
				return err
			}
			return rt.withService(cmd, func(ctx context.Context, svc *audit.Service) error {
				result, err := svc.Publish(ctx, args[0], doc)
				if err != nil {
					return err
				}
				return writeResult(rt, publishResult{Resource: result.Resource, Outcome: result.Outcome.String()}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s %s\n", result.Resource.ID, result.Outcome)
					return err
				})
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "File with the event as YAML or JSON, - for stdin")
	cmd.Flags().StringVar(&data, "data", "", "The event as inline YAML or JSON")
	cmd.MarkFlagsMutuallyExclusive("file", "data")
	cmd.MarkFlagsOneRequired("file", "data")

	return cmd
}

type publishResult struct {
	audit.Resource
	Outcome string `json:"outcome"`
}

// readEvent decodes the event of the publish command.
func readEvent(stdin io.Reader, file, data string) (audit.Document, error) {
	var raw []byte
	switch {
	case data != "":
		raw = []byte(data)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading event from stdin: %w", err)
		}
		raw = b
	default:
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading event file: %w", err)
		}
		raw = b
	}

	var doc audit.Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("event must be a YAML or JSON object: %w", err)
	}
	if doc == nil {
		return nil, errors.New("event must be a YAML or JSON object")
	}
	if _, ok := doc[schema.IDField]; !ok {
		doc[schema.IDField] = uuid.NewString()
	}
	return doc, nil
}

func NewQueryCommand() *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "query TOPIC",
		Short: "List the events of a topic log",
		Long: `List the events of a topic log in the order they were written. --filter takes a
CEL expression over the event, e.g. 'event.request.status >= 400'.` + "\n" + offlineNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			pred, err := audit.CompileFilter(filter)
			if err != nil {
				return err
			}
			return rt.withService(cmd, func(ctx context.Context, svc *audit.Service) error {
				resources, err := svc.Query(ctx, args[0], pred)
				if err != nil {
					return err
				}
				return writeResult(rt, resources, func(w io.Writer) error {
					return output.WriteResourceTable(w, resources)
				})
			})
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "CEL filter expression over event")

	return cmd
}

func NewReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read TOPIC ID",
		Short: "Show one event of a topic log",
		Long:  "Show the event of a topic log with the given _id.\n" + offlineNote,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			return rt.withService(cmd, func(ctx context.Context, svc *audit.Service) error {
				resource, err := svc.Read(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return writeResult(rt, resource, func(w io.Writer) error {
					return output.WriteResourceTable(w, []audit.Resource{resource})
				})
			})
		},
	}
}

func NewVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify TOPIC",
		Short: "Verify the tamper evidence of a topic log",
		Long: `Replay the HMAC chain and signatures of a tamper-evident topic log. The
command fails when the log was modified.` + "\n" + offlineNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			return rt.withService(cmd, func(ctx context.Context, svc *audit.Service) error {
				report, err := svc.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				if err := writeResult(rt, report, func(w io.Writer) error {
					return output.WriteReportTable(w, args[0], report)
				}); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("%w: line %d: %s", ErrTamperDetected, report.FailedLine, report.Reason)
				}
				return nil
			})
		},
	}
}

// writeResult renders obj in the selected format, using table for the table format.
func writeResult(rt *runtimeState, obj any, table func(io.Writer) error) error {
	format := rt.OutputFormat()
	if format == output.FormatTable {
		return table(rt.Writer())
	}
	return output.WriteObject(rt.Writer(), format, obj)
}
