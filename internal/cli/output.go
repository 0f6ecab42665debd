package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"paper-trader/pkg/utils"
)

// Output handles formatted output for the CLI.
type Output struct {
	writer   io.Writer
	jsonMode bool

	bold  *color.Color
	dim   *color.Color
	green *color.Color
	red   *color.Color
	amber *color.Color
	cyan  *color.Color
}

// NewOutput creates an Output writing to the command's stdout. Colour is
// disabled in JSON mode and when stdout is not a terminal.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	o := &Output{
		writer:   cmd.OutOrStdout(),
		jsonMode: jsonMode,
		bold:     color.New(color.Bold),
		dim:      color.New(color.Faint),
		green:    color.New(color.FgGreen),
		red:      color.New(color.FgRed),
		amber:    color.New(color.FgYellow),
		cyan:     color.New(color.FgCyan),
	}
	if jsonMode {
		for _, c := range []*color.Color{o.bold, o.dim, o.green, o.red, o.amber, o.cyan} {
			c.DisableColor()
		}
	}
	return o
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as indented JSON.
func (o *Output) JSON(data any) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...any) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a message in green.
func (o *Output) Success(format string, args ...any) {
	o.green.Fprintf(o.writer, format+"\n", args...)
}

// Error prints a message in red.
func (o *Output) Error(format string, args ...any) {
	o.red.Fprintf(o.writer, format+"\n", args...)
}

// Warning prints a message in yellow.
func (o *Output) Warning(format string, args ...any) {
	o.amber.Fprintf(o.writer, format+"\n", args...)
}

// Info prints a message in cyan.
func (o *Output) Info(format string, args ...any) {
	o.cyan.Fprintf(o.writer, format+"\n", args...)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...any) {
	o.bold.Fprintf(o.writer, format+"\n", args...)
}

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...any) {
	o.dim.Fprintf(o.writer, format+"\n", args...)
}

// PnL formats a signed amount in green or red.
func (o *Output) PnL(v decimal.Decimal) string {
	return o.signed(v, utils.FormatPnL(v))
}

// Percent formats a signed percentage in green or red.
func (o *Output) Percent(v decimal.Decimal) string {
	return o.signed(v, utils.FormatPercent(v))
}

func (o *Output) signed(v decimal.Decimal, text string) string {
	switch {
	case v.IsPositive():
		return o.green.Sprint(text)
	case v.IsNegative():
		return o.red.Sprint(text)
	}
	return text
}

// Status colours an order status.
func (o *Output) Status(status string) string {
	switch status {
	case "EXECUTED":
		return o.green.Sprint(status)
	case "REJECTED", "CANCELLED":
		return o.red.Sprint(status)
	case "PENDING":
		return o.amber.Sprint(status)
	}
	return status
}

// Table is a simple column-aligned table.
type Table struct {
	headers []string
	rows    [][]string
	output  *Output
}

// NewTable creates a new table.
func NewTable(output *Output, headers ...string) *Table {
	return &Table{headers: headers, output: output}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render writes the table.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && visibleLen(cell) > widths[i] {
				widths[i] = visibleLen(cell)
			}
		}
	}

	t.printRow(t.headers, widths, true)
	seps := make([]string, len(widths))
	for i, w := range widths {
		seps[i] = strings.Repeat("-", w)
	}
	t.output.dim.Fprintln(t.output.writer, strings.Join(seps, "  "))
	for _, row := range t.rows {
		t.printRow(row, widths, false)
	}
}

func (t *Table) printRow(cells []string, widths []int, header bool) {
	parts := make([]string, 0, len(cells))
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		padded := cell + strings.Repeat(" ", max(0, widths[i]-visibleLen(cell)))
		if header {
			padded = t.output.bold.Sprint(padded)
		}
		parts = append(parts, padded)
	}
	t.output.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
}

// visibleLen is the printed width of s with ANSI escapes removed.
func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			n++
		}
	}
	return n
}
