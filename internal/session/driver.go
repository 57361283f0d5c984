package session

import (
	"context"
	"fmt"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/orchestrator"
	"github.com/ashureev/questline/internal/replay"
)

// pending is everything one request will append.
type pending struct {
	current      replay.Hydrated
	events       []domain.Event
	snapshots    []domain.Snapshot
	tasksRun     int
	tasksDropped int
}

// drive applies evt and everything it causes. Derived events are applied
// before the next model task runs, and every committed event gets the next
// sequence number in the order it was applied.
func (s *Service) drive(ctx context.Context, lc *loaded, evt domain.Event) (*pending, error) {
	p := &pending{current: lc.current}
	var tasks []domain.LLMTask

	apply := func(first domain.Event) error {
		queue := []domain.Event{first}
		for len(queue) > 0 {
			e := queue[0]
			queue = queue[1:]
			e.Seq = p.current.LastSeq + 1

			res, err := lc.engine.Apply(p.current.State, e)
			if err != nil {
				return fmt.Errorf("apply %s at seq %d: %w", e.Type, e.Seq, err)
			}
			p.current = replay.Hydrated{State: res.State, LastSeq: e.Seq}
			p.events = append(p.events, e)
			if replay.ShouldSnapshot(e.Seq) {
				p.snapshots = append(p.snapshots, domain.Snapshot{
					SessionID:     e.SessionID,
					EventSequence: e.Seq,
					State:         res.State,
				})
			}
			queue = append(queue, res.DerivedEvents...)
			tasks = append(tasks, res.Tasks...)
		}
		return nil
	}

	if err := apply(evt); err != nil {
		return nil, err
	}

	call := orchestrator.Call{
		SessionID: lc.session.SessionID,
		UserID:    lc.session.UserID,
		Provider:  lc.engine.Challenge().Provider,
		Model:     lc.engine.Challenge().Model,
	}
	for len(tasks) > 0 {
		if p.tasksRun >= s.maxTasks {
			p.tasksDropped = len(tasks)
			s.logger.Warn("llm task budget exhausted",
				"session_id", call.SessionID, "dropped", len(tasks), "limit", s.maxTasks)
			break
		}
		task := tasks[0]
		tasks = tasks[1:]
		p.tasksRun++

		res, err := s.llm.Execute(ctx, call, task)
		if err != nil {
			return nil, fmt.Errorf("run %s task: %w", task.Type, err)
		}
		out, err := domain.NewEvent(call.SessionID, p.current.LastSeq+1, res.Type, s.now(), res.Payload)
		if err != nil {
			return nil, err
		}
		if err := apply(out); err != nil {
			return nil, err
		}
	}
	return p, nil
}
