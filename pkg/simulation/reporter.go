package simulation

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// Reporter prints what a simulated run would have done
type Reporter struct {
	sim *Simulator
	out io.Writer
}

// NewReporter creates a reporter writing to out
func NewReporter(sim *Simulator, out io.Writer) *Reporter {
	return &Reporter{sim: sim, out: out}
}

// PrintSummary outputs operation counts by type
func (r *Reporter) PrintSummary() {
	ops := r.sim.Operations()

	fmt.Fprintln(r.out, "\n"+r.separator())
	fmt.Fprintln(r.out, "[SIMULATION] Summary Report")
	fmt.Fprintln(r.out, r.separator())

	opTypes := make(map[string]int)
	for _, op := range ops {
		opTypes[op.Type]++
	}
	types := make([]string, 0, len(opTypes))
	for opType := range opTypes {
		types = append(types, opType)
	}
	sort.Strings(types)

	fmt.Fprintln(r.out, "\n[SIMULATION] Operations Summary:")
	for _, opType := range types {
		fmt.Fprintf(r.out, "[SIMULATION]   %-22s: %d\n", opType, opTypes[opType])
	}
	fmt.Fprintf(r.out, "[SIMULATION]   %-22s: %d\n", "Total", len(ops))

	duration := time.Since(r.sim.StartTime())
	fmt.Fprintf(r.out, "\n[SIMULATION] Simulation Duration  : %s\n", duration.Round(time.Millisecond))
	fmt.Fprintln(r.out, "\n[SIMULATION] No actual changes were made to the system.")
	fmt.Fprintln(r.out, r.separator())
}

// PrintDetailed outputs every operation in order
func (r *Reporter) PrintDetailed() {
	ops := r.sim.Operations()

	fmt.Fprintln(r.out, "\n"+r.separator())
	fmt.Fprintln(r.out, "[SIMULATION] Detailed Operation Log")
	fmt.Fprintln(r.out, r.separator())

	for i, op := range ops {
		elapsed := op.Timestamp.Sub(r.sim.StartTime())
		fmt.Fprintf(r.out, "\n[SIMULATION] [%03d] [%s] %s\n", i+1, elapsed.Round(time.Millisecond), op.Type)
		fmt.Fprintf(r.out, "[SIMULATION]       Target: %s\n", op.Target)
		if op.Details != "" {
			fmt.Fprintf(r.out, "[SIMULATION]       Details: %s\n", op.Details)
		}
		if op.Failed() {
			fmt.Fprintf(r.out, "[SIMULATION]       Result: %s\n", op.Result)
			if op.Error != "" {
				fmt.Fprintf(r.out, "[SIMULATION]       Error: %s\n", op.Error)
			}
		}
	}

	fmt.Fprintln(r.out, "\n"+r.separator())
}

func (r *Reporter) separator() string {
	return "================================================================"
}

// HasErrors returns true if any operations failed
func (r *Reporter) HasErrors() bool {
	return len(r.GetErrors()) > 0
}

// GetErrors returns all failed operations
func (r *Reporter) GetErrors() []Operation {
	errors := make([]Operation, 0)
	for _, op := range r.sim.Operations() {
		if op.Failed() {
			errors = append(errors, op)
		}
	}
	return errors
}

// PrintErrors prints all errors encountered
func (r *Reporter) PrintErrors() {
	errors := r.GetErrors()
	if len(errors) == 0 {
		return
	}

	fmt.Fprintln(r.out, "\n[SIMULATION] Errors Encountered:")
	for i, op := range errors {
		fmt.Fprintf(r.out, "[SIMULATION]   [%d] %s: %s\n", i+1, op.Type, op.Error)
		fmt.Fprintf(r.out, "[SIMULATION]       Target: %s\n", op.Target)
	}
}
