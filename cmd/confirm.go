package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/model"
)

// promptConfirmer asks on out and reads y/n from in.
type promptConfirmer struct {
	in  io.Reader
	out io.Writer
}

func (p promptConfirmer) Confirm(_ context.Context, est cost.Estimate) (bool, error) {
	printEstimate(p.out, est)
	warn := color.New(color.FgYellow, color.Bold)
	warn.Fprintf(p.out, "Estimated cost $%.4f exceeds the confirmation ceiling. Continue? [y/N] ", est.Total) //nolint:errcheck

	answer, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// autoConfirm approves every estimate, for --yes.
var autoConfirm = cost.ConfirmFunc(func(context.Context, cost.Estimate) (bool, error) { return true, nil })

func printEstimate(w io.Writer, est cost.Estimate) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "Estimate for %d documents\n", est.BatchSize) //nolint:errcheck
	fmt.Fprintf(w, "  per document: $%.5f\n", est.PerDocument)
	fmt.Fprintf(w, "  total:        $%.4f\n", est.Total)
	for _, t := range model.AllTiers() {
		if c, ok := est.Breakdown[t]; ok && c > 0 {
			fmt.Fprintf(w, "  %-13s $%.4f\n", t.String()+":", c)
		}
	}

	names := make([]string, 0, len(est.PerField))
	for name := range est.PerField {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  field %-20s $%.5f/doc\n", name, est.PerField[name])
	}
}

// statusColor picks the terminal color for a result status.
func statusColor(s model.Status) *color.Color {
	switch s {
	case model.StatusSuccess:
		return color.New(color.FgGreen)
	case model.StatusPartial:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
