package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"

	"deploytool/internal/console"
	"deploytool/internal/remote"
	"deploytool/pkg/cmdutil"
)

// ErrInvalidSelection is returned for a menu answer that names no key.
var ErrInvalidSelection = errors.New("invalid selection")

// LocalKey is a public key file of the operator.
type LocalKey struct {
	File string
	Key  string
}

// Keys manages the authorized_keys file of a project account, so admins
// can log in without sharing the account's password.
type Keys struct {
	Host     *remote.Host
	User     string
	HomeRoot string
	Console  *console.Console

	// LocalDir holds the operator's *.pub files, normally ~/.ssh.
	LocalDir string
}

// AuthorizedKeys returns the path of the account's authorized_keys.
func (k *Keys) AuthorizedKeys() string {
	root := k.HomeRoot
	if root == "" {
		root = "/home"
	}
	return path.Join(root, k.User, ".ssh", "authorized_keys")
}

// LocalKeys reads every *.pub file in LocalDir, sorted by name.
func (k *Keys) LocalKeys() ([]LocalKey, error) {
	matches, err := filepath.Glob(filepath.Join(k.LocalDir, "*.pub"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var keys []LocalKey
	for _, file := range matches {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		key := strings.TrimSpace(string(data))
		if err := ValidatePublicKey(key); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		keys = append(keys, LocalKey{File: filepath.Base(file), Key: key})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no public keys found in %s", k.LocalDir)
	}
	return keys, nil
}

// ValidatePublicKey checks that key is a single authorized_keys line.
func ValidatePublicKey(key string) error {
	if strings.ContainsAny(key, "\r\n") {
		return fmt.Errorf("public key spans several lines")
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}

// Authorized returns the lines of the remote authorized_keys file.
func (k *Keys) Authorized(ctx context.Context) ([]string, error) {
	result, err := k.Host.Sudo(ctx, cmdutil.Join("cat", k.AuthorizedKeys()))
	if err != nil {
		return nil, fmt.Errorf("no authorized_keys found at %s: %w", k.AuthorizedKeys(), err)
	}

	var lines []string
	for _, line := range strings.Split(result.Output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func contains(lines []string, key string) bool {
	for _, line := range lines {
		if line == key {
			return true
		}
	}
	return false
}

// Enable appends key unless it is already authorized. It reports whether
// the key was added.
func (k *Keys) Enable(ctx context.Context, key string) (bool, error) {
	if err := ValidatePublicKey(key); err != nil {
		return false, err
	}
	authorized, err := k.Authorized(ctx)
	if err != nil {
		return false, err
	}
	if contains(authorized, key) {
		return false, nil
	}

	line := fmt.Sprintf("printf '%%s\\n' %s >> %s", cmdutil.Quote(key), cmdutil.Quote(k.AuthorizedKeys()))
	if _, err := k.Host.Sudo(ctx, line); err != nil {
		return false, fmt.Errorf("failed to authorize key: %w", err)
	}
	return true, nil
}

// DisableAll empties the authorized_keys file.
func (k *Keys) DisableAll(ctx context.Context) error {
	file := k.AuthorizedKeys()
	lines := [][]string{
		{"rm", "-f", file},
		{"touch", file},
		{"chmod", "700", file},
		{"chown", k.User + ":" + k.User, file},
	}
	for _, args := range lines {
		if _, err := k.Host.Sudo(ctx, cmdutil.Join(args...)); err != nil {
			return err
		}
	}
	return nil
}

// Interactive lists the local keys, marking those already enabled, and
// applies the operator's choice: s shows the remote keys, a enables all
// local keys, d disables all remote keys and a number enables one key.
func (k *Keys) Interactive(ctx context.Context) error {
	c := k.Console

	local, err := k.LocalKeys()
	if err != nil {
		return err
	}
	authorized, err := k.Authorized(ctx)
	if err != nil {
		return err
	}

	c.Println(c.Green("Showing local public keys in " + k.LocalDir + ":"))
	for i, key := range local {
		if contains(authorized, key.Key) {
			c.Printf("[%s] %s (already enabled)\n", c.Red(fmt.Sprint(i)), key.File)
		} else {
			c.Printf("[%s] %s\n", c.Green(fmt.Sprint(i)), key.File)
		}
	}
	c.Println()
	c.Println("[s] show all remote authorized keys")
	c.Println("[a] enable all local keys")
	c.Println("[d] disable all remote keys")

	switch selection := c.ReadValue(c.Yellow("Select option"), "s"); selection {
	case "s":
		c.Println(c.Green("Remote authorized keys:"))
		if len(authorized) == 0 {
			c.Println(c.Red("[empty]"))
		}
		for _, line := range authorized {
			c.Println(line)
		}
		return nil
	case "a":
		for _, key := range local {
			if err := k.enableReport(ctx, key); err != nil {
				return err
			}
		}
		return nil
	case "d":
		if err := k.DisableAll(ctx); err != nil {
			return err
		}
		c.Success("Disabled all keys")
		return nil
	default:
		var i int
		if _, err := fmt.Sscanf(selection, "%d", &i); err != nil || i < 0 || i >= len(local) || fmt.Sprint(i) != selection {
			return fmt.Errorf("%w: %q", ErrInvalidSelection, selection)
		}
		return k.enableReport(ctx, local[i])
	}
}

func (k *Keys) enableReport(ctx context.Context, key LocalKey) error {
	added, err := k.Enable(ctx, key.Key)
	if err != nil {
		return err
	}
	if added {
		k.Console.Success("Transferred key " + key.File)
	} else {
		k.Console.Warn(key.File + " already enabled")
	}
	return nil
}
