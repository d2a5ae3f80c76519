// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/grants"
	api "github.com/trestle-bridge/trestle/lib/github"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/lib/schema"
	"github.com/trestle-bridge/trestle/messaging"
)

const (
	// StateType is the canonical governing state event type.
	StateType ref.EventType = "io.trestle.github.repository"

	// legacyStateType is honored when reading state written before the
	// io.trestle namespace move.
	legacyStateType ref.EventType = "org.trestle.github.repository"

	// GrantType namespaces this connection class in grant storage keys.
	GrantType = "github.repository"

	// ServiceCategory groups the declaration for permissioning and
	// enablement.
	ServiceCategory = "github"
)

// State is the content of the governing state event.
type State struct {
	Org  string `json:"org"`
	Repo string `json:"repo"`

	// CommandPrefix overrides the category default chat prefix.
	CommandPrefix string `json:"commandPrefix,omitempty"`

	// Priority orders this connection among its room's connections.
	Priority *int `json:"priority,omitempty"`
}

// Validate checks the state for the fields a working connection needs.
func (s *State) Validate() error {
	if s.Org == "" || s.Repo == "" {
		return fmt.Errorf("github: connection state requires org and repo")
	}
	if strings.Contains(s.Org, "/") || strings.Contains(s.Repo, "/") {
		return fmt.Errorf("github: org and repo must be bare names, got %q/%q", s.Org, s.Repo)
	}
	return nil
}

// identity returns the grant identity for an org/repo pair. GitHub
// treats names case-insensitively, so the identity is lowercased to
// keep grants stable across spelling variants.
func identity(org, repo string) connection.Identity {
	return connection.CompositeIdentity(map[string]string{
		"org":  strings.ToLower(org),
		"repo": strings.ToLower(repo),
	})
}

// RepoConnection binds a room to one GitHub repository.
type RepoConnection struct {
	connection.Base

	client        *api.Client
	checker       *grants.Checker
	session       messaging.Session
	defaultPrefix string
	logger        *slog.Logger

	mu    sync.RWMutex
	state State
}

var (
	_ connection.RepoTarget     = (*RepoConnection)(nil)
	_ connection.StateUpdater   = (*RepoConnection)(nil)
	_ connection.Remover        = (*RepoConnection)(nil)
	_ connection.Migrator       = (*RepoConnection)(nil)
	_ connection.PrefixClaimer  = (*RepoConnection)(nil)
	_ connection.GrantAsserter  = (*RepoConnection)(nil)
	_ connection.Provisionable  = (*RepoConnection)(nil)
	_ connection.MessageHandler = (*RepoConnection)(nil)
)

// Repo returns the bound repository's owner and name.
func (c *RepoConnection) Repo() (owner, name string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Org, c.state.Repo
}

// HandlesIssue reports whether issue events for the given number route
// to this connection. Repository connections carry no issue-level
// filters, so every issue in the bound repository matches.
func (c *RepoConnection) HandlesIssue(int) bool { return true }

// CommandPrefix returns the chat prefix this connection claims.
func (c *RepoConnection) CommandPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.CommandPrefix != "" {
		return c.state.CommandPrefix
	}
	return c.defaultPrefix
}

// EnsureGrant asserts the sender's grant for the bound repository.
func (c *RepoConnection) EnsureGrant(ctx context.Context, sender ref.UserID) error {
	org, repo := c.Repo()
	return c.checker.AssertGranted(ctx, c.RoomID(), identity(org, repo), sender)
}

// OnStateUpdate applies a replacement of the governing state event. A
// change of the bound repository re-asserts the sender's grant for the
// new target before taking effect.
func (c *RepoConnection) OnStateUpdate(ctx context.Context, event messaging.Event) error {
	var state State
	if err := schema.DecodeContent(event.Content, &state); err != nil {
		return fmt.Errorf("github: decoding updated state: %w", err)
	}
	if err := state.Validate(); err != nil {
		return err
	}

	org, repo := c.Repo()
	if !strings.EqualFold(state.Org, org) || !strings.EqualFold(state.Repo, repo) {
		if err := c.checker.AssertGranted(ctx, c.RoomID(), identity(state.Org, state.Repo), event.Sender); err != nil {
			return err
		}
	}

	var shared schema.ConnectionState
	sharedErr := schema.DecodeContent(event.Content, &shared)
	c.mu.Lock()
	c.state = state
	if sharedErr == nil {
		c.Base = c.Base.WithPriority(shared.PriorityOrDefault())
	}
	c.mu.Unlock()
	c.logger.Info("repository connection state updated",
		"room_id", c.RoomID(), "org", state.Org, "repo", state.Repo)
	return nil
}

// OnRemove revokes the connection's grant. Revocation is sticky: the
// fact flips to false rather than being deleted, so re-binding the
// repository needs a fresh authorization decision.
func (c *RepoConnection) OnRemove(ctx context.Context) error {
	org, repo := c.Repo()
	return c.checker.Ungrant(ctx, c.RoomID(), identity(org, repo))
}

// OnMigrate rebinds the connection to the successor room and writes
// the governing state event there so the binding survives future
// resyncs of the new room.
func (c *RepoConnection) OnMigrate(ctx context.Context, newRoomID ref.RoomID) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if _, err := c.session.SendStateEvent(ctx, newRoomID, StateType, c.StateKey(), state); err != nil {
		return fmt.Errorf("github: writing state to successor room %s: %w", newRoomID, err)
	}
	c.mu.Lock()
	c.Base = c.Base.WithRoom(newRoomID)
	c.mu.Unlock()
	return nil
}

// OnMessage handles chat commands under the connection's prefix.
// Supported: "<prefix> create <title>" opens an issue in the bound
// repository.
func (c *RepoConnection) OnMessage(ctx context.Context, event messaging.Event) (bool, error) {
	body, _ := event.Content["body"].(string)
	prefix := c.CommandPrefix()
	if prefix == "" || !strings.HasPrefix(body, prefix+" ") {
		return false, nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(body, prefix))
	command, argument, _ := strings.Cut(rest, " ")
	switch command {
	case "create":
		title := strings.TrimSpace(argument)
		if title == "" {
			return true, fmt.Errorf("github: create needs a title")
		}
		org, repo := c.Repo()
		issue, err := c.client.CreateIssue(ctx, org, repo, api.CreateIssueRequest{Title: title})
		if err != nil {
			return true, err
		}
		c.logger.Info("issue created via chat command",
			"room_id", c.RoomID(), "issue", issue.Number, "org", org, "repo", repo)
		return true, nil
	default:
		return false, nil
	}
}

// ProvisionerDetails exposes the connection's configuration to the
// provisioning API.
func (c *RepoConnection) ProvisionerDetails() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prefix := c.state.CommandPrefix
	if prefix == "" {
		prefix = c.defaultPrefix
	}
	return map[string]any{
		"org":           c.state.Org,
		"repo":          c.state.Repo,
		"commandPrefix": prefix,
	}
}

// Options configures the repository connection declaration.
type Options struct {
	// Client is the forge API client shared by every repository
	// connection. Required.
	Client *api.Client

	// Checker is the grant checker for the github.repository grant
	// type. Required.
	Checker *grants.Checker

	// DefaultCommandPrefix applies when the state claims no prefix.
	DefaultCommandPrefix string

	Logger *slog.Logger
}

// NewDeclaration builds the repository connection declaration.
func NewDeclaration(options Options) (*connection.Declaration, error) {
	if options.Client == nil || options.Checker == nil {
		return nil, fmt.Errorf("github: Client and Checker are required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	build := func(factoryContext connection.FactoryContext, base connection.Base, state State) *RepoConnection {
		return &RepoConnection{
			Base:          base,
			client:        options.Client,
			checker:       options.Checker,
			session:       factoryContext.Session,
			defaultPrefix: options.DefaultCommandPrefix,
			logger:        logger,
			state:         state,
		}
	}

	return &connection.Declaration{
		EventTypes:      []ref.EventType{StateType, legacyStateType},
		ServiceCategory: ServiceCategory,
		Create: func(_ context.Context, factoryContext connection.FactoryContext, roomID ref.RoomID, event messaging.Event, isStatic bool) (connection.Connection, error) {
			var state State
			if err := schema.DecodeContent(event.Content, &state); err != nil {
				return nil, fmt.Errorf("github: decoding connection state: %w", err)
			}
			if err := state.Validate(); err != nil {
				return nil, err
			}
			return build(factoryContext, connection.BaseFromEvent(roomID, event, isStatic), state), nil
		},
		Provision: func(ctx context.Context, factoryContext connection.FactoryContext, roomID ref.RoomID, requester ref.UserID, data map[string]any) (connection.Connection, error) {
			state := State{}
			state.Org, _ = data["org"].(string)
			state.Repo, _ = data["repo"].(string)
			state.CommandPrefix, _ = data["commandPrefix"].(string)
			if err := state.Validate(); err != nil {
				return nil, err
			}
			// The repository must be reachable with the bridge's token
			// before the binding is written.
			repository, err := options.Client.GetRepository(ctx, state.Org, state.Repo)
			if err != nil {
				return nil, fmt.Errorf("github: validating %s/%s: %w", state.Org, state.Repo, err)
			}
			stateKey := strings.ToLower(state.Org + "/" + state.Repo)
			if _, err := factoryContext.Session.SendStateEvent(ctx, roomID, StateType, stateKey, state); err != nil {
				return nil, fmt.Errorf("github: writing connection state: %w", err)
			}
			logger.Info("repository connection provisioned",
				"room_id", roomID, "repository", repository.FullName, "requester", requester)
			base := connection.NewBase(roomID, StateType, stateKey, schema.DefaultPriority, false)
			return build(factoryContext, base, state), nil
		},
	}, nil
}

// GrantFallback probes a sender's current access to the repository
// named by the grant identity. The sender's Matrix ID resolves to a
// GitHub login through the configured mapping; unmapped senders are
// denied without error.
func GrantFallback(client *api.Client, userLogins map[string]string, logger *slog.Logger) grants.FallbackFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, roomID ref.RoomID, grantIdentity connection.Identity, sender ref.UserID) (bool, error) {
		org, okOrg := grantIdentity.Field("org")
		repo, okRepo := grantIdentity.Field("repo")
		if !okOrg || !okRepo {
			return false, fmt.Errorf("github: grant identity lacks org/repo fields")
		}
		login, ok := userLogins[sender.String()]
		if !ok {
			logger.Debug("sender has no configured forge login, denying",
				"sender", sender, "org", org, "repo", repo)
			return false, nil
		}
		permission, err := client.CollaboratorPermission(ctx, org, repo, login)
		if err != nil {
			if api.IsNotFound(err) {
				// Not a collaborator (or the repo is gone): a decision,
				// not a failure.
				return false, nil
			}
			return false, err
		}
		return api.HasWriteAccess(permission), nil
	}
}
