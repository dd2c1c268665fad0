package rhi

import (
	"context"
	"log/slog"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/lunaengine/rhi/internal/utils"
	"github.com/lunaengine/rhi/native"
)

// contextManager owns every command context of a device and recycles finished ones per
// queue type
type contextManager struct {
	logger *slog.Logger
	device *Device

	mutex     utils.OptionalMutex
	all       [native.QueueTypeCount][]*CommandContext
	available [native.QueueTypeCount][]*CommandContext
	recording int
}

func (m *contextManager) Init(logger *slog.Logger, device *Device, useMutex bool) {
	m.logger = logger
	m.device = device
	m.mutex = utils.NewOptionalMutex(useMutex)
}

// allocate returns an idle context for queueType, creating one when none is available
func (m *contextManager) allocate(queueType native.QueueType) *CommandContext {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.recording++

	available := m.available[queueType]
	if len(available) > 0 {
		c := available[len(available)-1]
		m.available[queueType] = available[:len(available)-1]
		return c
	}

	c := newCommandContext(m.device, queueType)
	m.all[queueType] = append(m.all[queueType], c)

	m.logger.Debug("ContextManager::allocate created context",
		slog.String("queue", queueType.String()),
		slog.String("id", c.id.String()),
		slog.Int("count", len(m.all[queueType])))
	return c
}

func (m *contextManager) free(c *CommandContext) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.recording--
	m.available[c.queueType] = append(m.available[c.queueType], c)
}

func (m *contextManager) PrintJson(json *jwriter.ObjectState) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i := range m.all {
		json.Name(native.QueueType(i).String()).Int(len(m.all[i]))
	}
	json.Name("Recording").Int(m.recording)
}

// Destroy releases the command lists of every context. Contexts still recording are reported
// and their lists dropped unsubmitted.
func (m *contextManager) Destroy() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.recording > 0 {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNFINISHED CONTEXTS] command contexts were never finished",
			slog.Int("count", m.recording))
	}

	for i, contexts := range m.all {
		for _, c := range contexts {
			c.releaseHeld()
			if c.list != nil {
				c.list.Release()
			}
		}
		m.all[i] = nil
		m.available[i] = nil
	}
	m.recording = 0
}
