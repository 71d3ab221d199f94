package netio

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// -------------------------------------------------------------------------
// Interface Monitor — infrastructure link state change detection
// -------------------------------------------------------------------------

// InterfaceEvent represents an infrastructure interface state change.
// The daemon forwards these to RoutingManager.HandleInfraIfStateChanged
// so operation stops when the link goes down and resumes when it comes
// back.
type InterfaceEvent struct {
	// IfIndex is the kernel interface index.
	IfIndex int

	// Up indicates whether the interface transitioned to Up (true) or
	// Down (false). This maps to IFF_UP | IFF_RUNNING in the kernel.
	Up bool
}

// InterfaceMonitor watches the infrastructure interface and emits
// events when it goes up or down.
//
// Implementations may use NETLINK_ROUTE (Linux), kqueue (BSD), or
// polling as the underlying mechanism. The interface is kept minimal so
// the daemon wiring does not depend on a specific OS mechanism.
type InterfaceMonitor interface {
	// Run starts monitoring. It blocks until ctx is cancelled.
	// Detected events are sent to the channel returned by Events().
	// Run must be called at most once.
	Run(ctx context.Context) error

	// Events returns a read-only channel that receives interface state
	// change events. The channel is closed when Run returns.
	Events() <-chan InterfaceEvent

	// Close releases any resources held by the monitor.
	Close() error
}

// -------------------------------------------------------------------------
// PollingInterfaceMonitor
// -------------------------------------------------------------------------

// defaultPollInterval is the flag polling cadence. Link flaps shorter
// than this are not observed, which is acceptable: the Routing Manager
// re-evaluates its run state on every event, not on edges.
const defaultPollInterval = 2 * time.Second

// PollingInterfaceMonitor detects interface state changes by polling
// the kernel interface flags. A NETLINK_ROUTE subscription would be
// event-driven; polling keeps the monitor portable and dependency-free.
type PollingInterfaceMonitor struct {
	ifIndex  int
	interval time.Duration
	events   chan InterfaceEvent
	logger   *slog.Logger
}

// NewPollingInterfaceMonitor creates a monitor for the given interface
// index.
func NewPollingInterfaceMonitor(ifIndex int, logger *slog.Logger) *PollingInterfaceMonitor {
	return &PollingInterfaceMonitor{
		ifIndex:  ifIndex,
		interval: defaultPollInterval,
		events:   make(chan InterfaceEvent, 16),
		logger:   logger.With(slog.String("component", "ifmon.poll")),
	}
}

// Run polls the interface flags until ctx is cancelled, emitting an
// event on every up/down transition.
func (m *PollingInterfaceMonitor) Run(ctx context.Context) error {
	defer close(m.events)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	last := m.isUp()
	m.logger.Info("interface monitor started",
		slog.Int("ifindex", m.ifIndex),
		slog.Bool("up", last),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("interface monitor stopped")
			return nil
		case <-ticker.C:
			up := m.isUp()
			if up == last {
				continue
			}
			last = up

			m.logger.Info("interface state changed",
				slog.Int("ifindex", m.ifIndex),
				slog.Bool("up", up),
			)

			select {
			case m.events <- InterfaceEvent{IfIndex: m.ifIndex, Up: up}:
			default:
				m.logger.Warn("interface event channel full, dropping event")
			}
		}
	}
}

// isUp reads the current interface flags.
func (m *PollingInterfaceMonitor) isUp() bool {
	ifi, err := net.InterfaceByIndex(m.ifIndex)
	if err != nil {
		return false
	}
	return ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagRunning != 0
}

// Events returns the event channel.
func (m *PollingInterfaceMonitor) Events() <-chan InterfaceEvent {
	return m.events
}

// Close is a no-op for the polling monitor.
func (m *PollingInterfaceMonitor) Close() error {
	return nil
}
