package health

import (
	"fmt"
	"strings"

	"github.com/krishna-esrlabs/flux-mcf/component"
	"github.com/krishna-esrlabs/flux-mcf/record"
	"github.com/krishna-esrlabs/flux-mcf/remote"
	"github.com/krishna-esrlabs/flux-mcf/service"
)

// ComponentDetails is attached to the status of a managed component
type ComponentDetails struct {
	ID       int                      `json:"id"`
	Name     string                   `json:"name"`
	State    string                   `json:"state"`
	Handlers []component.HandlerStats `json:"handlers,omitempty"`
}

// RemoteDetails is attached to the status of a remote service
type RemoteDetails struct {
	State         string   `json:"state"`
	PingInterval  string   `json:"ping_interval"`
	SendTopics    []string `json:"send_topics"`
	ReceiveTopics []string `json:"receive_topics"`
}

// FromManager reports every managed component. A running component is
// healthy, a component that was not started or has stopped is degraded and
// a component whose goroutine exited while marked running is unhealthy.
func FromManager(m *service.ComponentManager) Status {
	entries := m.Components()
	subs := make([]Status, 0, len(entries))
	for _, e := range entries {
		var st Status
		switch {
		case e.State == component.StateRunning && e.Component.IsRunning():
			st = NewHealthy(e.InstanceName, "Running")
		case e.State == component.StateRunning:
			st = NewUnhealthy(e.InstanceName, "Component goroutine exited")
		default:
			st = NewDegraded(e.InstanceName, "Component is "+e.State.String())
		}

		details := ComponentDetails{ID: e.ID, Name: e.Name, State: e.State.String()}
		if hs, ok := e.Component.(interface{ HandlerStats() []component.HandlerStats }); ok {
			details.Handlers = hs.HandlerStats()
		}
		subs = append(subs, st.WithDetails(details))
	}
	return Aggregate("components", subs)
}

// FromRemote reports a remote service. It is healthy once the initial
// exchange is done and the link is UP, degraded while the link is being
// established and unhealthy while the link is DOWN.
func FromRemote(svc *remote.Service) Status {
	pair := svc.Pair()
	state := svc.StateString()
	name := svc.InstanceName()
	if name == "" {
		name = svc.Name()
	}

	var st Status
	switch {
	case svc.Connected():
		st = NewHealthy(name, state)
	case pair.RemoteState() == remote.StateDown:
		st = NewUnhealthy(name, state)
	default:
		st = NewDegraded(name, state)
	}
	return st.WithDetails(RemoteDetails{
		State:         state,
		PingInterval:  pair.PingInterval().String(),
		SendTopics:    svc.SendRuleTopics(),
		ReceiveTopics: svc.ReceiveRuleTopics(),
	})
}

// FromRecorder reports the recorder from its last published status. A
// recorder that dropped values or failed to write is degraded.
func FromRecorder(r *record.Recorder, last *record.Status) Status {
	switch {
	case !r.Running():
		return NewDegraded("recorder", "Not recording")
	case last == nil:
		return NewHealthy("recorder", "Recording")
	case last.ErrorFlag:
		descs := make([]string, len(last.ErrorDescs))
		for i, d := range last.ErrorDescs {
			descs[i] = sanitizeErrorMessage(d)
		}
		return NewDegraded("recorder", "Write errors: "+strings.Join(descs, "; ")).WithDetails(last)
	case last.DropFlag:
		return NewDegraded("recorder", "Dropping values, queue full").WithDetails(last)
	default:
		return NewHealthy("recorder", fmt.Sprintf("Recording at %.0f B/s", last.OutputBps)).WithDetails(last)
	}
}
