package console

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when input is needed but stdin is not a
// terminal.
var ErrNotInteractive = errors.New("input required but stdin is not a terminal")

// Interactive reports whether input comes from a terminal.
func (c *Console) Interactive() bool {
	if c.tty != nil {
		return *c.tty
	}
	return isCharDevice(c.in)
}

// ReadValue prompts for input with an optional default.
func (c *Console) ReadValue(prompt, defaultValue string) string {
	if defaultValue != "" {
		fmt.Fprintf(c.out, "%s [%s]: ", prompt, defaultValue)
	} else {
		fmt.Fprintf(c.out, "%s: ", prompt)
	}

	input, err := c.reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		return defaultValue
	}
	if input == "" {
		return defaultValue
	}
	return input
}

// Confirm asks a yes/no question. An empty answer picks def.
func (c *Console) Confirm(prompt string, def bool) bool {
	choices := "y/N"
	if def {
		choices = "Y/n"
	}

	for {
		answer := strings.ToLower(c.ReadValue(fmt.Sprintf("%s [%s]", prompt, choices), ""))
		switch answer {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if _, err := c.reader.Peek(1); err != nil {
			return def
		}
		fmt.Fprintln(c.out, "Please answer yes or no.")
	}
}

// Password reads a secret without echoing it. Input that is not a
// terminal is read as a plain line.
func (c *Console) Password(prompt string) (string, error) {
	fmt.Fprintf(c.out, "%s: ", prompt)

	if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(data), nil
	}

	line, err := c.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// NewPassword asks for a password twice until both entries match and
// check accepts it.
func (c *Console) NewPassword(prompt string, check func(string) (string, error)) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		first, err := c.Password(prompt)
		if err != nil {
			return "", err
		}
		password, err := check(first)
		if err != nil {
			fmt.Fprintln(c.out, c.Red(err.Error()))
			continue
		}
		second, err := c.Password("Repeat " + strings.ToLower(prompt[:1]) + prompt[1:])
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(second) != password {
			fmt.Fprintln(c.out, c.Red("Passwords do not match."))
			continue
		}
		return password, nil
	}
	return "", errors.New("no valid password entered")
}
