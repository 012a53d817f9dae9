package cmdutil

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		opts    ExecOptions
		cmd     []string
		wantErr bool
	}{
		{
			"successful command",
			ExecOptions{CombinedOutput: true},
			[]string{"echo", "hello"},
			false,
		},
		{
			"command with args",
			ExecOptions{CombinedOutput: true},
			[]string{"echo", "hello", "world"},
			false,
		},
		{
			"command that fails",
			ExecOptions{CombinedOutput: true},
			[]string{"ls", "/nonexistent/directory/path"},
			true,
		},
		{
			"empty command",
			ExecOptions{CombinedOutput: true},
			[]string{},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(ctx, tt.opts, tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Errorf("Run() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if result == nil {
					t.Fatal("Run() returned nil result for successful command")
				}
				if result.Duration == 0 {
					t.Error("Run() did not record execution duration")
				}
			}
		})
	}
}

func TestRun_ExitError(t *testing.T) {
	result, err := Run(context.Background(), ExecOptions{CombinedOutput: true}, []string{"sh", "-c", "echo boom; exit 3"})
	if err == nil {
		t.Fatal("Run() should fail for non-zero exit")
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Errorf("Run() error should wrap *exec.ExitError, got %T", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(string(result.Output), "boom") {
		t.Errorf("Output = %q, want it to contain boom", result.Output)
	}
}

func TestRun_Stdin(t *testing.T) {
	result, err := Run(context.Background(), ExecOptions{
		Stdin:          strings.NewReader("piped input"),
		CombinedOutput: true,
	}, []string{"cat"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(result.Output) != "piped input" {
		t.Errorf("Output = %q, want %q", result.Output, "piped input")
	}
}

func TestExecOptions(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	t.Run("with working directory", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{Dir: tmpDir, CombinedOutput: true}, []string{"pwd"})
		if err != nil {
			t.Fatalf("Run() with Dir option error = %v", err)
		}
		if !strings.Contains(string(result.Output), tmpDir) {
			t.Errorf("pwd = %q, want %q", result.Output, tmpDir)
		}
	})

	t.Run("with environment variables", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{
			Env:            []string{"TEST_VAR=test_value"},
			CombinedOutput: true,
		}, []string{"env"})
		if err != nil {
			t.Fatalf("Run() with Env option error = %v", err)
		}
		if !strings.Contains(string(result.Output), "TEST_VAR=test_value") {
			t.Error("Run() did not set environment variable correctly")
		}
	})

	t.Run("with timeout", func(t *testing.T) {
		_, err := Run(ctx, ExecOptions{
			Timeout:        100 * time.Millisecond,
			CombinedOutput: true,
		}, []string{"sleep", "1"})
		if err == nil {
			t.Error("Run() should timeout for long command")
		}
	})

	t.Run("separate streams", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{}, []string{"sh", "-c", "echo out; echo err >&2; exit 1"})
		if err == nil {
			t.Fatal("Run() should fail")
		}
		if strings.TrimSpace(string(result.Stdout)) != "out" {
			t.Errorf("Stdout = %q", result.Stdout)
		}
		if strings.TrimSpace(string(result.Stderr)) != "err" {
			t.Errorf("Stderr = %q", result.Stderr)
		}
	})
}

func TestParseCommandString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			"simple command",
			"./manage.py clear_cache",
			[]string{"./manage.py", "clear_cache"},
			false,
		},
		{
			"command with quoted argument",
			"git commit -m \"my message\"",
			[]string{"git", "commit", "-m", "my message"},
			false,
		},
		{
			"command with single quotes",
			"echo 'hello world'",
			[]string{"echo", "hello world"},
			false,
		},
		{
			"empty string",
			"",
			nil,
			true,
		},
		{
			"whitespace only",
			"   ",
			nil,
			true,
		},
		{
			"unterminated quote",
			"echo 'oops",
			nil,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCommandString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !equalStringSlices(got, tt.want) {
				t.Errorf("ParseCommandString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCommandList(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    []string
		wantErr bool
	}{
		{
			"string format",
			"supervisorctl restart all",
			[]string{"supervisorctl", "restart", "all"},
			false,
		},
		{
			"list format ([]interface{})",
			[]interface{}{"supervisorctl", "restart", "all"},
			[]string{"supervisorctl", "restart", "all"},
			false,
		},
		{
			"list format ([]string)",
			[]string{"touch", "reload"},
			[]string{"touch", "reload"},
			false,
		},
		{
			"empty list",
			[]string{},
			nil,
			true,
		},
		{
			"invalid type",
			123,
			nil,
			true,
		},
		{
			"list with non-string element",
			[]interface{}{"touch", 123},
			nil,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandList(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCommandList() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !equalStringSlices(got, tt.want) {
				t.Errorf("ParseCommandList() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	inputs := [][]string{
		{"rm", "-rf", "/var/www/vhosts/t-shop/abc"},
		{"echo", "it's quoted"},
		{"printf", "%s\n", "[2024-01-02 10:00] deploy success"},
		{"touch", "$(whoami)", "a;b", "`id`"},
		{"echo", ""},
	}

	for _, parts := range inputs {
		line := Join(parts...)
		got, err := ParseCommandString(line)
		if err != nil {
			t.Fatalf("ParseCommandString(%q) error = %v", line, err)
		}
		if !equalStringSlices(got, parts) {
			t.Errorf("Join(%q) = %q parses back to %q", parts, line, got)
		}
	}
}

func TestQuote_Empty(t *testing.T) {
	if got := Quote(""); got != "''" {
		t.Errorf("Quote(\"\") = %q, want ''", got)
	}
}

func TestFormatCommand(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  string
	}{
		{"simple command", []string{"git", "status"}, "git status"},
		{"empty command", []string{}, "<empty command>"},
		{"single command", []string{"ls"}, "ls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatCommand(tt.input); got != tt.want {
				t.Errorf("FormatCommand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSanitizeOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  []byte
		secrets []string
		want    string
	}{
		{
			"redact single secret",
			[]byte("MYSQL_PWD=mysecret123 mysqldump"),
			[]string{"mysecret123"},
			"MYSQL_PWD=***REDACTED*** mysqldump",
		},
		{
			"redact multiple secrets",
			[]byte("user: admin, password: secret1, token: secret2"),
			[]string{"secret1", "secret2"},
			"user: admin, password: ***REDACTED***, token: ***REDACTED***",
		},
		{
			"no secrets",
			[]byte("public information"),
			[]string{},
			"public information",
		},
		{
			"empty secret",
			[]byte("some output"),
			[]string{""},
			"some output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeOutput(tt.output, tt.secrets)
			if string(got) != tt.want {
				t.Errorf("SanitizeOutput() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

// Helper functions

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
