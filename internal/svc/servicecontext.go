// Package svc owns the wired component graph. Handlers and the CLI reach
// every service through one ServiceContext.
package svc

import (
	"encoding/json"
	"sync"

	"github.com/neboloop/conductor/internal/authtoken"
	"github.com/neboloop/conductor/internal/browser"
	"github.com/neboloop/conductor/internal/config"
	"github.com/neboloop/conductor/internal/db"
	"github.com/neboloop/conductor/internal/events"
	"github.com/neboloop/conductor/internal/keyring"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/neboloop"
	"github.com/neboloop/conductor/internal/port"
	"github.com/neboloop/conductor/internal/proposals"
	"github.com/neboloop/conductor/internal/questions"
	"github.com/neboloop/conductor/internal/realtime"
	"github.com/neboloop/conductor/internal/schedule"
	"github.com/neboloop/conductor/internal/skills"
)

// ServiceContext wires the conductor components together and hands them to
// handlers, the realtime feed, the MCP tools, and the CLI.
type ServiceContext struct {
	Version string

	Bus          *events.Subject
	DB           *db.Store
	Explorer     *browser.Explorer
	Resolver     *authtoken.Resolver
	Loop         *neboloop.Client
	Queue        *proposals.Queue
	Questions    *questions.Flow
	Matcher      *skills.Matcher
	Library      *skills.Library
	Channel      *port.Channel
	Orchestrator *browser.Orchestrator
	Scheduler    *schedule.Service
	Hub          *realtime.Hub
	Feed         *realtime.Feed
	Chat         *Chat

	cfgMu     sync.RWMutex
	cfg       *config.Config
	keyringOK bool
}

// NewServiceContext builds the full component graph. Pass a *db.Store to
// reuse an existing database connection, or nil to open one at the
// configured path.
func NewServiceContext(c *config.Config, database ...*db.Store) *ServiceContext {
	var store *db.Store
	if len(database) > 0 {
		store = database[0]
	}
	return newServiceContext(c, store)
}

func newServiceContext(c *config.Config, store *db.Store) *ServiceContext {
	svc := &ServiceContext{
		cfg:       c,
		Bus:       events.NewSubject(),
		Questions: questions.NewFlow(),
	}

	svc.keyringOK = keyring.Available()
	if svc.keyringOK {
		logging.Info("OS keychain available for manual token storage")
	}

	if store != nil {
		svc.DB = store
		logging.Info("Using shared database connection")
	} else {
		opened, err := db.NewSQLite(c.DBPath())
		if err != nil {
			logging.Errorf("Failed to open SQLite database: %v", err)
		} else {
			svc.DB = opened
			logging.Infof("SQLite database opened at %s", c.DBPath())
		}
	}

	svc.Explorer = browser.NewExplorer(c.Browser.DevtoolsURL)
	svc.Resolver = authtoken.NewResolver(svc.Explorer, svc.authSettings)
	svc.Loop = neboloop.NewClient(svc.Resolver, svc.loopSettings)
	logging.Infof("Workspace client targeting %s", c.Loop.BaseURL)

	svc.Chat = newChat(svc)
	svc.Queue = proposals.NewQueue(svc.Loop, svc.Chat)
	svc.Matcher = skills.NewMatcher(svc.Loop)

	svc.Library = skills.NewLibrary(c.SkillsDir())
	logging.Infof("Skill library at %s", c.SkillsDir())

	svc.Channel = port.NewChannel(c.Agent.URL, svc.Bus)
	svc.Orchestrator = browser.New(browser.Deps{
		Agent:    svc.Channel,
		Matcher:  svc.Matcher,
		Store:    svc.DB,
		Library:  svc.Library,
		Memories: svc.Loop,
		Bus:      svc.Bus,
		Provider: func() config.ProviderConfig { return svc.Config().Provider },
	})

	// Inbound agent events drive the run state machine. Approval requests
	// from the agent are surfaced to the UI only; the agent owns its own
	// decision timeout.
	svc.Channel.OnStatus(svc.Orchestrator.HandleStatus)
	svc.Channel.OnChatMessage(svc.Orchestrator.HandleChatMessage)
	svc.Channel.OnChatHistory(svc.Orchestrator.HandleChatHistory)
	svc.Channel.OnApproval(func(id string, payload json.RawMessage) {
		logging.Infof("[svc] Agent approval requested: %s", id)
		req := events.ApprovalRequest{ID: id, Kind: "agent"}
		var detail struct {
			Description string `json:"description"`
		}
		if err := json.Unmarshal(payload, &detail); err == nil {
			req.Description = detail.Description
		}
		if err := events.Emit(svc.Bus, events.TopicApprovalRequested, req); err != nil {
			logging.Debugf("[svc] approval event dropped: %v", err)
		}
	})

	if svc.DB != nil {
		svc.Scheduler = schedule.New(svc.DB, svc.Orchestrator)
	} else {
		logging.Warn("Schedules disabled: no database")
	}

	svc.Hub = realtime.NewHub()
	svc.Feed = realtime.NewFeed(svc.Hub, svc.Bus)

	return svc
}

// Config returns a copy of the current configuration.
func (svc *ServiceContext) Config() config.Config {
	svc.cfgMu.RLock()
	defer svc.cfgMu.RUnlock()
	return *svc.cfg
}

// UpdateConfig applies a settings mutation, persists it, and propagates the
// side effects: the token cache is invalidated on every explicit save, and
// switching approval to automatic clears the pending queue.
func (svc *ServiceContext) UpdateConfig(mutate func(*config.Config)) error {
	svc.cfgMu.Lock()
	wasAuto := svc.cfg.AutoApprove()
	mutate(svc.cfg)
	nowAuto := svc.cfg.AutoApprove()
	err := svc.cfg.Save()
	svc.cfgMu.Unlock()
	if err != nil {
		return err
	}

	svc.Resolver.Invalidate()
	if nowAuto && !wasAuto {
		svc.Queue.Clear()
		svc.publishQueueState()
		logging.Info("Approval switched to automatic; pending proposals cleared")
	}
	return nil
}

// PersistSession records the active session id in the config file. Unlike
// UpdateConfig it carries none of the settings-save side effects: adopting
// a session id from a done chunk must not invalidate the token cache.
func (svc *ServiceContext) PersistSession(id string) error {
	svc.cfgMu.Lock()
	defer svc.cfgMu.Unlock()
	if svc.cfg.Loop.SessionID == id {
		return nil
	}
	svc.cfg.Loop.SessionID = id
	return svc.cfg.Save()
}

// StoreManualToken saves the manual workspace token, preferring the OS
// keychain so the config file never holds it in plain text.
func (svc *ServiceContext) StoreManualToken(token string) error {
	if svc.keyringOK {
		if err := keyring.SetToken(token); err == nil {
			return svc.UpdateConfig(func(c *config.Config) {
				c.Loop.ManualToken = config.ManualTokenPlaceholder
			})
		}
		logging.Warn("Keychain write failed; storing manual token in config file")
	}
	return svc.UpdateConfig(func(c *config.Config) {
		c.Loop.ManualToken = token
	})
}

// manualToken returns the configured manual token, reading the keychain
// first when it is available.
func (svc *ServiceContext) manualToken() string {
	if svc.keyringOK {
		if tok, err := keyring.GetToken(); err == nil && tok != "" {
			return tok
		}
	}
	return svc.Config().Loop.ManualToken
}

// authSettings feeds the token resolver the latest saved settings.
func (svc *ServiceContext) authSettings() authtoken.Settings {
	c := svc.Config()
	return authtoken.Settings{
		BaseURL:     c.Loop.BaseURL,
		CookieAuth:  c.Loop.AuthMode != "manual",
		ManualToken: svc.manualToken(),
	}
}

// loopSettings feeds the workspace client the latest saved settings.
func (svc *ServiceContext) loopSettings() neboloop.Settings {
	c := svc.Config()
	return neboloop.Settings{
		BaseURL:    c.Loop.BaseURL,
		Workspace:  c.Loop.Workspace,
		CookieAuth: c.Loop.AuthMode != "manual",
	}
}

// publishQueueState pushes the queue shape to the realtime feed.
func (svc *ServiceContext) publishQueueState() {
	state := events.ProposalQueueState{Pending: svc.Queue.Len()}
	if active, idx, ok := svc.Queue.Active(); ok {
		state.ActiveID = active.ID
		state.ActiveIndex = idx
	}
	if err := events.Emit(svc.Bus, events.TopicProposalQueue, state); err != nil {
		logging.Debugf("[svc] queue event dropped: %v", err)
	}
}

// publishQuestionState pushes the active question set shape to the feed.
func (svc *ServiceContext) publishQuestionState() {
	state := events.QuestionsState{}
	if set := svc.Questions.Active(); set != nil {
		state.Active = true
		state.Context = set.Context
		state.Count = set.Len()
	}
	if err := events.Emit(svc.Bus, events.TopicQuestionsUpdated, state); err != nil {
		logging.Debugf("[svc] questions event dropped: %v", err)
	}
}

// NotifyQueueChanged pushes the current queue shape to the realtime feed.
// Handlers call it after any queue mutation they perform directly.
func (svc *ServiceContext) NotifyQueueChanged() {
	svc.publishQueueState()
}

// NotifyQuestionsChanged pushes the active question set shape to the feed.
func (svc *ServiceContext) NotifyQuestionsChanged() {
	svc.publishQuestionState()
}

// BlockingState names the interaction the UI must resolve before the
// conversation continues. Proposals take priority over questions.
func (svc *ServiceContext) BlockingState() string {
	if svc.Queue.Len() > 0 {
		return "proposals"
	}
	if svc.Questions.Active() != nil {
		return "questions"
	}
	return ""
}

// Close releases every owned resource. Safe to call once after the daemon
// context is cancelled.
func (svc *ServiceContext) Close() {
	if svc.Scheduler != nil {
		svc.Scheduler.Close()
	}
	svc.Channel.Close()
	svc.Feed.Close()
	svc.Library.Close()
	svc.Explorer.Close()
	if svc.DB != nil {
		if err := svc.DB.Close(); err != nil {
			logging.Warnf("Database close: %v", err)
		}
	}
	events.Complete(svc.Bus)
	logging.Info("Service context closed")
}
