package webrtc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-webrtc-send-receive/diag"
	"github.com/go-webrtc-send-receive/media"
	"github.com/pion/logging"
)

type AgentEvent struct {
	Reason  string
	AgentID string
}

type ManagerConfig struct {
	LoggerFactory logging.LoggerFactory
	// Dumper receives agent graphs. Without one DumpAgents fails.
	Dumper  *diag.Dumper
	Capture media.CaptureConfig
	// KeyframeRequestInterval paces the PLI or FIR a receiving video
	// session sends. Defaults to DefaultKeyframeRequestInterval.
	KeyframeRequestInterval time.Duration
}

const DefaultKeyframeRequestInterval = 2 * time.Second

// Manager owns the event loop and every transport agent created through it.
type Manager struct {
	Loop           *EventLoop
	AgentEventChan chan AgentEvent

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
	dumper        *diag.Dumper
	capture       media.CaptureConfig

	keyframeRequestInterval time.Duration

	mu     sync.RWMutex
	agents map[string]*TransportAgent

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewManager(config ManagerConfig) *Manager {
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	capture := config.Capture
	if capture.LoggerFactory == nil {
		capture.LoggerFactory = loggerFactory
	}
	keyframeRequestInterval := config.KeyframeRequestInterval
	if keyframeRequestInterval <= 0 {
		keyframeRequestInterval = DefaultKeyframeRequestInterval
	}
	return &Manager{
		Loop:           NewEventLoop(loggerFactory),
		AgentEventChan: make(chan AgentEvent, 64),
		loggerFactory:  loggerFactory,
		log:            loggerFactory.NewLogger("manager"),
		dumper:         config.Dumper,
		capture:        capture,

		keyframeRequestInterval: keyframeRequestInterval,
		agents:         make(map[string]*TransportAgent),
		done:           make(chan struct{}),
	}
}

// Public

func (manager *Manager) Start() {
	manager.startOnce.Do(func() {
		manager.wg.Add(1)
		go manager.listenAgentEvents()
	})
}

func (manager *Manager) LoggerFactory() logging.LoggerFactory {
	return manager.loggerFactory
}

func (manager *Manager) Dumper() *diag.Dumper {
	return manager.dumper
}

// NewTransportAgent creates an agent. The controlling agent is the one
// that offers when agents negotiate.
func (manager *Manager) NewTransportAgent(name string, controlling bool) *TransportAgent {
	agent := newTransportAgent(manager, name, controlling)

	manager.mu.Lock()
	manager.agents[agent.id] = agent
	manager.mu.Unlock()

	manager.log.Infof("created %s transport agent %q", roleName(controlling), name)
	return agent
}

func (manager *Manager) NewMediaSession(dtlsClientMode bool) *MediaSession {
	return newMediaSession(dtlsClientMode, manager.loggerFactory)
}

// GetCaptureSources enumerates capture sources off the loop and hands the
// result to callback on it.
func (manager *Manager) GetCaptureSources(types media.MediaType, callback func(sources []media.Source, err error)) {
	go func() {
		sources, err := media.GetCaptureSources(manager.capture, types)
		if !manager.Loop.Post(func() { callback(sources, err) }) {
			if err := media.CloseSources(sources); err != nil {
				manager.log.Warnf("closing unclaimed capture sources: %v", err)
			}
		}
	}()
}

// Agents returns the agents sorted by name.
func (manager *Manager) Agents() []*TransportAgent {
	manager.mu.RLock()
	agents := make([]*TransportAgent, 0, len(manager.agents))
	for _, agent := range manager.agents {
		agents = append(agents, agent)
	}
	manager.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool {
		if agents[i].name == agents[j].name {
			return agents[i].id < agents[j].id
		}
		return agents[i].name < agents[j].name
	})
	return agents
}

func (manager *Manager) Agent(id string) (*TransportAgent, bool) {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	agent, ok := manager.agents[id]
	return agent, ok
}

// DumpAgent writes the graph of agent under name.
func (manager *Manager) DumpAgent(agent *TransportAgent, name string) (diag.Dump, error) {
	if manager.dumper == nil {
		return diag.Dump{}, fmt.Errorf("dump %s: no dumper configured", name)
	}
	return manager.dumper.DumpDotFile(agent, name, true)
}

// DumpAgents dumps every agent as prefix-<agent name>.
func (manager *Manager) DumpAgents(prefix string) ([]diag.Dump, error) {
	var dumps []diag.Dump
	for _, agent := range manager.Agents() {
		dump, err := manager.DumpAgent(agent, prefix+"-"+agent.name)
		if err != nil {
			return dumps, err
		}
		dumps = append(dumps, dump)
	}
	return dumps, nil
}

// Close closes every agent and stops the loop.
func (manager *Manager) Close() error {
	var firstErr error
	manager.closeOnce.Do(func() {
		for _, agent := range manager.Agents() {
			if err := agent.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		manager.Loop.Quit()
		close(manager.done)
		manager.wg.Wait()
	})
	return firstErr
}

// Private

func (manager *Manager) publish(event AgentEvent) {
	select {
	case manager.AgentEventChan <- event:
	case <-manager.done:
	default:
		manager.log.Warnf("agent event dropped: %s %s", event.AgentID, event.Reason)
	}
}

func (manager *Manager) listenAgentEvents() {
	defer manager.wg.Done()
	for {
		select {
		case agentEvent := <-manager.AgentEventChan:
			manager.handleAgentEvent(agentEvent)
		case <-manager.done:
			return
		}
	}
}

func (manager *Manager) handleAgentEvent(agentEvent AgentEvent) {
	agent, ok := manager.Agent(agentEvent.AgentID)
	if !ok {
		return
	}
	manager.log.Infof("transport agent %q: %s", agent.name, agentEvent.Reason)
}

func roleName(controlling bool) string {
	if controlling {
		return "controlling"
	}
	return "controlled"
}
