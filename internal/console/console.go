// Package console prints progress to the operator and reads answers
// from them.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

const (
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorReset  = "\033[0m"
)

// Console is the operator's terminal.
type Console struct {
	in     io.Reader
	reader *bufio.Reader
	out    io.Writer
	color  bool

	// tty overrides terminal detection of in.
	tty *bool
}

// New returns a console reading from in and writing to out. Colours are
// enabled when out is a terminal.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:     in,
		reader: bufio.NewReader(in),
		out:    out,
		color:  isCharDevice(out),
	}
}

// Std returns a console on the process's standard streams.
func Std() *Console {
	return New(os.Stdin, os.Stdout)
}

// Out returns the output stream.
func (c *Console) Out() io.Writer {
	return c.out
}

func isCharDevice(v interface{}) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func (c *Console) paint(color, s string) string {
	if !c.color {
		return s
	}
	return color + s + colorReset
}

// Green colours s when colours are enabled.
func (c *Console) Green(s string) string { return c.paint(colorGreen, s) }

// Red colours s when colours are enabled.
func (c *Console) Red(s string) string { return c.paint(colorRed, s) }

// Yellow colours s when colours are enabled.
func (c *Console) Yellow(s string) string { return c.paint(colorYellow, s) }

// Printf writes a formatted line without decoration.
func (c *Console) Printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

// Println writes a line without decoration.
func (c *Console) Println(args ...interface{}) {
	fmt.Fprintln(c.out, args...)
}

// Step announces a deployment step.
func (c *Console) Step(msg string) {
	fmt.Fprintln(c.out, c.Green(msg))
}

// Success prints msg followed by an OK marker.
func (c *Console) Success(msg string) {
	fmt.Fprintf(c.out, "%-70s%s\n", msg, c.Green("[OK]"))
}

// Warn prints msg followed by a WARN marker.
func (c *Console) Warn(msg string) {
	fmt.Fprintf(c.out, "%-70s%s\n", msg, c.Yellow("[WARN]"))
}

// Fail prints msg followed by a FAIL marker.
func (c *Console) Fail(msg string) {
	fmt.Fprintf(c.out, "%-70s%s\n", msg, c.Red("[FAIL]"))
}

// Error prints err in red.
func (c *Console) Error(err error) {
	fmt.Fprintln(c.out, c.Red("Error: "+err.Error()))
}
