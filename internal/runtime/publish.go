package runtime

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/loqalabs/loqa-coach/internal/session"
)

// statePublisher mirrors orchestrator snapshots onto the bus. Every snapshot
// goes to the state subject; stage changes also go to the event subject.
type statePublisher struct {
	cancel func()
	done   chan struct{}
}

func startStatePublisher(orch *session.Orchestrator, client *bus.Client, logger *slog.Logger) *statePublisher {
	log := logger.With(slog.String("component", "state-publisher"))
	updates, cancel := orch.Subscribe()
	p := &statePublisher{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		var stage session.Stage
		for state := range updates {
			now := time.Now().UTC()
			msg := protocol.SessionEvent{
				SessionID: state.SessionID,
				Kind:      "state",
				Status:    state.Status,
				Timestamp: now,
				Payload:   state,
			}
			if err := client.PublishJSON(protocol.SubjectSessionState, msg); err != nil {
				log.Warn("publish session state failed", slog.String("error", err.Error()))
			}
			if state.Stage != stage {
				stage = state.Stage
				evt := protocol.SessionEvent{
					SessionID: state.SessionID,
					Kind:      string(state.Stage),
					Status:    state.Status,
					Timestamp: now,
				}
				if err := client.PublishJSON(protocol.SubjectSessionEvent, evt); err != nil {
					log.Warn("publish session event failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return p
}

func (p *statePublisher) stop() {
	p.cancel()
	<-p.done
}
