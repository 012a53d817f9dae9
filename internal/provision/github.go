package provision

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// NewGitHubClient creates a GitHub client, authenticated when token is set
func NewGitHubClient(ctx context.Context, token string) *github.Client {
	if token == "" {
		return github.NewClient(nil)
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// GitHubKeys returns the public SSH keys of a GitHub user.
func GitHubKeys(ctx context.Context, client *github.Client, user string) ([]string, error) {
	var keys []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		page, resp, err := client.Users.ListKeys(ctx, user, opts)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("github user %s not found", user)
			}
			return nil, fmt.Errorf("listing keys of %s: %w", user, err)
		}
		for _, key := range page {
			if k := strings.TrimSpace(key.GetKey()); k != "" {
				keys = append(keys, k)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("github user %s has no public keys", user)
	}
	return keys, nil
}

// ImportGitHub authorizes every public key of a GitHub user and returns
// the number of keys added.
func (k *Keys) ImportGitHub(ctx context.Context, client *github.Client, user string) (int, error) {
	keys, err := GitHubKeys(ctx, client, user)
	if err != nil {
		return 0, err
	}

	added := 0
	for i, key := range keys {
		ok, err := k.Enable(ctx, key)
		if err != nil {
			return added, err
		}
		if ok {
			added++
			k.Console.Success(fmt.Sprintf("Transferred key %d of github user %s", i, user))
		}
	}
	return added, nil
}

// CreateWebhook registers a push webhook for ownerRepo pointing at url,
// unless one with the same url exists.
func CreateWebhook(ctx context.Context, client *github.Client, ownerRepo, url, secret string) (bool, error) {
	owner, repo, ok := strings.Cut(ownerRepo, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return false, fmt.Errorf("invalid owner/repo format: %s", ownerRepo)
	}

	hooks, _, err := client.Repositories.ListHooks(ctx, owner, repo, nil)
	if err != nil {
		return false, fmt.Errorf("listing webhooks: %w", err)
	}

	for _, hook := range hooks {
		if hook.Config != nil {
			if existing, ok := hook.Config["url"].(string); ok && existing == url {
				return false, nil
			}
		}
	}

	hookConfig := map[string]interface{}{
		"url":          url,
		"content_type": "json",
		"secret":       secret,
		"insecure_ssl": "0",
	}

	active := true
	hookReq := &github.Hook{
		Events: []string{"push"},
		Active: &active,
		Config: hookConfig,
	}

	if _, _, err := client.Repositories.CreateHook(ctx, owner, repo, hookReq); err != nil {
		return false, fmt.Errorf("creating webhook: %w", err)
	}
	return true, nil
}
