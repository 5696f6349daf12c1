package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"ducksearch/internal/apperr"
	"ducksearch/internal/lint"
	"ducksearch/internal/registry"

	"github.com/spf13/cobra"
)

// lintFailure signals "at least one report failed lint" so main() can map it
// to exit code 1, distinct from a tool error (exit code 2, spec §6.1).
type lintFailure struct{ count int }

func (f *lintFailure) Error() string {
	return fmt.Sprintf("%d lint finding(s)", f.count)
}

func newLintCmd() *cobra.Command {
	var (
		root   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Statically validate every report under --root/reports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLint(cmd.Context(), root, format)
		},
	}

	cmd.Flags().StringVar(&root, "root", ".", "report tree root (must contain reports/)")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text | json")

	return cmd
}

func runLint(ctx context.Context, root, format string) error {
	reg, failures, err := registry.NewLenient(ctx, root, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		return fmt.Errorf("load reports: %w", err)
	}

	// A report that fails C2/C3 parsing is itself a finding (exit 1), not a
	// tool error: an illegal scan path or malformed metadata block is exactly
	// what lint exists to reject.
	var findings []lint.Finding
	for _, f := range failures {
		code := apperr.InvalidMetadataBlock
		if c, ok := apperr.CodeOf(f.Err); ok {
			code = c
		}
		findings = append(findings, lint.Finding{ReportID: f.ID, Code: code, Message: f.Err.Error()})
	}
	findings = append(findings, lint.All(reg)...)

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(findings); err != nil {
			return fmt.Errorf("encode findings: %w", err)
		}
	} else {
		fmt.Fprint(os.Stderr, lint.FormatText(findings))
	}

	if len(findings) > 0 {
		return &lintFailure{count: len(findings)}
	}
	return nil
}
