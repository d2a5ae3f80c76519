// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"fmt"
	"net/url"
)

// Repository is the subset of GitHub's repository object the bridge
// needs.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
	Owner         User   `json:"owner"`
}

// User is a GitHub account reference.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// GetRepository retrieves repository metadata. Used to validate a
// repository exists and is reachable with the bridge's token before a
// connection is provisioned.
func (client *Client) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	var repository Repository
	path := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))
	if err := client.get(ctx, path, &repository); err != nil {
		return nil, fmt.Errorf("getting repository %s/%s: %w", owner, repo, err)
	}
	return &repository, nil
}

// CollaboratorPermission returns a user's permission level on a
// repository: "admin", "maintain", "write", "triage", "read", or
// "none".
func (client *Client) CollaboratorPermission(ctx context.Context, owner, repo, username string) (string, error) {
	var result struct {
		Permission string `json:"permission"`
	}
	path := fmt.Sprintf("/repos/%s/%s/collaborators/%s/permission",
		url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(username))
	if err := client.get(ctx, path, &result); err != nil {
		return "", fmt.Errorf("getting permission of %s on %s/%s: %w", username, owner, repo, err)
	}
	return result.Permission, nil
}

// HasWriteAccess reports whether a permission level allows pushing to
// the repository.
func HasWriteAccess(permission string) bool {
	switch permission {
	case "admin", "maintain", "write":
		return true
	}
	return false
}
