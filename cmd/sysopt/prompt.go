package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zph/sysopt/pkg/catalog"
	"github.com/zph/sysopt/pkg/optimization"
)

// ANSI color codes for terminal output
const (
	colorYellow = "\033[33m"
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
)

var errAborted = errors.New("aborted")

// confirm asks a yes/no question and returns true only for yes
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s (yes/no): ", question)
	input, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read input: %w", err)
	}

	input = strings.TrimSpace(strings.ToLower(input))
	return input == "yes" || input == "y", nil
}

// confirmApply lists what is about to change on the real system
func confirmApply(in io.Reader, out io.Writer, opts []optimization.Optimization) error {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s%sThe following optimizations will change this machine:%s\n", colorBold, colorYellow, colorReset)
	for _, opt := range opts {
		line := fmt.Sprintf("  • %s", opt.Name())
		if c, ok := opt.(*catalog.Optimization); ok {
			line += fmt.Sprintf(" (%d action(s))", len(c.Definition().Actions))
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out)

	ok, err := confirm(in, out, "Proceed?")
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, "\n  Nothing was changed.")
		return errAborted
	}
	return nil
}
