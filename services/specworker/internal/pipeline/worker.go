package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"specd/pkg/bus"
	"specd/services/orchestrator"
)

// Worker consumes run dispatches from the queue group and executes them.
// JetStream redelivers a dispatch when the handler errors, so only transient
// failures are surfaced; a run that reached a terminal status acks.
type Worker struct {
	bus      *bus.Bus
	executor *Executor
	subject  string
	durable  string
	group    string
	hostname string
	logger   *log.Logger
}

// NewWorker wires a Worker over the message bus.
func NewWorker(b *bus.Bus, executor *Executor, subject, durable, group, hostname string, logger *log.Logger) (*Worker, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if subject == "" || durable == "" || group == "" {
		return nil, errors.New("subject, durable name, and queue group are required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Worker{
		bus:      b,
		executor: executor,
		subject:  subject,
		durable:  durable,
		group:    group,
		hostname: hostname,
		logger:   logger,
	}, nil
}

// Start subscribes to the dispatch subject. The subscription lives until the
// context is cancelled or the returned closer is closed.
func (w *Worker) Start(ctx context.Context) (io.Closer, error) {
	return w.bus.QueueSubscribe(ctx, w.subject, w.durable, w.group, w.handleDispatch)
}

func (w *Worker) handleDispatch(ctx context.Context, data []byte) error {
	var dispatch orchestrator.RunDispatch
	if err := json.Unmarshal(data, &dispatch); err != nil {
		// Malformed dispatches never become valid; ack and drop.
		w.logger.Printf("level=error msg=\"dropping malformed dispatch\" error=%q", err)
		return nil
	}
	runID := dispatch.RunID
	if runID == uuid.Nil {
		w.logger.Printf("level=error msg=\"dropping dispatch without run id\"")
		return nil
	}

	w.publishLifecycle(ctx, orchestrator.RunStartedSubject, runID, orchestrator.RunStatusRunning)

	status, err := w.executor.ExecuteRun(ctx, runID)
	if err != nil {
		w.logger.Printf("level=error msg=\"run execution failed\" run=%q error=%q", runID, err)
		return fmt.Errorf("execute run %s: %w", runID, err)
	}

	w.publishLifecycle(ctx, orchestrator.RunFinishedSubject, runID, status)
	return nil
}

func (w *Worker) publishLifecycle(ctx context.Context, subject string, runID uuid.UUID, status orchestrator.RunStatus) {
	event := orchestrator.RunLifecycleEvent{
		RunID:  runID,
		Status: status,
		Worker: w.hostname,
	}
	if err := w.bus.Publish(ctx, subject, event); err != nil {
		w.logger.Printf("level=warn msg=\"lifecycle publish failed\" run=%q subject=%q error=%q", runID, subject, err)
	}
}
