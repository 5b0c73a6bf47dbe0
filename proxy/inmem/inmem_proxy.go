package inmem

import (
	"context"

	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/proxy"
	"github.com/meshworks/fedsync/reconcile"
	"github.com/sirupsen/logrus"
)

// InmemProxy implements the AppProxy interface natively
type InmemProxy struct {
	handler  proxy.ProxyHandler
	submitCh chan proxy.SubmitRequest
	logger   *logrus.Logger
}

// NewInmemProxy instantiates an InmemProxy from a set of handlers.
// If no logger, a new one is created
func NewInmemProxy(handler proxy.ProxyHandler, logger *logrus.Logger) *InmemProxy {
	if logger == nil {
		logger = logrus.New()
		logger.Level = logrus.DebugLevel
	}

	return &InmemProxy{
		handler:  handler,
		submitCh: make(chan proxy.SubmitRequest),
		logger:   logger,
	}
}

// Submit is called by the App to submit a new record to the engine
func (p *InmemProxy) Submit(req proxy.SubmitRequest) {
	// have to make a copy, or the payload may be mutated by the caller while
	// it sits in the admission path
	t := make([]byte, len(req.Payload))
	copy(t, req.Payload)
	req.Payload = t

	p.submitCh <- req
}

/*******************************************************************************
* Implement AppProxy Interface                                                 *
*******************************************************************************/

// SubmitCh returns the channel of submitted records
func (p *InmemProxy) SubmitCh() chan proxy.SubmitRequest {
	return p.submitCh
}

// FoldEntities calls the FoldHandler
func (p *InmemProxy) FoldEntities(blocks []*dag.Block) (map[string][]byte, error) {
	entities, err := p.handler.FoldHandler(blocks)

	p.logger.WithFields(logrus.Fields{
		"blocks":   len(blocks),
		"entities": len(entities),
		"err":      err,
	}).Debug("InmemProxy.FoldEntities")

	return entities, err
}

// Summary calls the SummaryHandler
func (p *InmemProxy) Summary(epoch uint64) ([]byte, error) {
	summary, err := p.handler.SummaryHandler(epoch)

	p.logger.WithFields(logrus.Fields{
		"epoch": epoch,
		"err":   err,
	}).Debug("InmemProxy.Summary")

	return summary, err
}

// EntityKey calls the KeyHandler
func (p *InmemProxy) EntityKey(block *dag.Block) (string, []byte, error) {
	return p.handler.KeyHandler(block)
}

// DecideConflict calls the ConflictHandler. The context deadline bounds how
// long the engine waits for the governance process.
func (p *InmemProxy) DecideConflict(ctx context.Context, ancestorID string, ours, theirs reconcile.Delta) (string, error) {
	type result struct {
		chosen string
		err    error
	}

	resCh := make(chan result, 1)
	go func() {
		chosen, err := p.handler.ConflictHandler(ancestorID, ours, theirs)
		resCh <- result{chosen, err}
	}()

	select {
	case res := <-resCh:
		p.logger.WithFields(logrus.Fields{
			"ancestor": ancestorID,
			"chosen":   res.chosen,
			"err":      res.err,
		}).Debug("InmemProxy.DecideConflict")
		return res.chosen, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Restore calls the RestoreHandler
func (p *InmemProxy) Restore(entities map[string][]byte) error {
	err := p.handler.RestoreHandler(entities)

	p.logger.WithFields(logrus.Fields{
		"entities": len(entities),
		"err":      err,
	}).Debug("InmemProxy.Restore")

	return err
}
