// Package orchestrator owns the cluster (C8) and deployment (C9) state
// machines. One worker goroutine serializes every mutating operation on a
// given cluster ID; operations on different clusters run in parallel. Each
// worker is fed by a bounded queue (capacity 8); a full queue rejects the
// command so the caller can return 503 immediately instead of blocking.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datainfrapilot/datainfrapilot/pkg/catalog"
	"github.com/datainfrapilot/datainfrapilot/pkg/log"
	"github.com/datainfrapilot/datainfrapilot/pkg/metrics"
	"github.com/datainfrapilot/datainfrapilot/pkg/provider"
	"github.com/datainfrapilot/datainfrapilot/pkg/store"
	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

const queueCapacity = 8

// Deadlines per §5 of the operation this worker performs.
const (
	ProviderCallDeadline  = 60 * time.Second
	SSHCommandDeadline    = 300 * time.Second
	HelmInstallDeadline   = 10 * time.Minute
	K3sReadinessDeadline  = 10 * time.Minute
)

// ErrQueueFull is returned when a cluster's command queue is at capacity;
// the REST layer maps this to 503.
var ErrQueueFull = fmt.Errorf("orchestrator: cluster command queue is full")

// Command is one unit of work landing on a cluster's worker.
type Command struct {
	Kind         CommandKind
	ClusterID    string
	DeploymentID string
	done         chan error
}

type CommandKind string

const (
	CommandCreateCluster     CommandKind = "create_cluster"
	CommandDeleteCluster     CommandKind = "delete_cluster"
	CommandCreateDeployment  CommandKind = "create_deployment"
	CommandUpdateDeployment  CommandKind = "update_deployment"
	CommandDeleteDeployment  CommandKind = "delete_deployment"
)

// worker serializes commands for one cluster.
type worker struct {
	clusterID string
	queue     chan Command
	stopCh    chan struct{}
}

// Orchestrator dispatches commands to per-cluster workers and holds every
// dependency a state machine step needs.
type Orchestrator struct {
	store      store.Store
	providers  *provider.Registry
	catalog    *catalog.Catalog
	clients    ClusterClientFactory

	mu      sync.Mutex
	workers map[string]*worker
}

func New(s store.Store, providers *provider.Registry, cat *catalog.Catalog, clients ClusterClientFactory) *Orchestrator {
	return &Orchestrator{
		store:     s,
		providers: providers,
		catalog:   cat,
		clients:   clients,
		workers:   make(map[string]*worker),
	}
}

func (o *Orchestrator) workerFor(clusterID string) *worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[clusterID]
	if !ok {
		w = &worker{clusterID: clusterID, queue: make(chan Command, queueCapacity), stopCh: make(chan struct{})}
		o.workers[clusterID] = w
		go o.run(w)
	}
	return w
}

// dropWorker removes a cluster's worker once its row is gone, so a later
// cluster reusing the ID (unlikely but not forbidden) starts clean.
func (o *Orchestrator) dropWorker(clusterID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w, ok := o.workers[clusterID]; ok {
		close(w.stopCh)
		delete(o.workers, clusterID)
	}
}

func (o *Orchestrator) run(w *worker) {
	logger := log.WithClusterID(w.clusterID)
	for {
		select {
		case cmd := <-w.queue:
			metrics.OrchestratorQueueDepth.WithLabelValues(w.clusterID).Set(float64(len(w.queue)))
			err := o.dispatch(cmd)
			if cmd.done != nil {
				cmd.done <- err
			}
			if err != nil {
				logger.Error().Err(err).Str("command", string(cmd.Kind)).Msg("orchestrator step failed")
			}
		case <-w.stopCh:
			return
		}
	}
}

func (o *Orchestrator) dispatch(cmd Command) error {
	ctx := context.Background()
	switch cmd.Kind {
	case CommandCreateCluster:
		return o.runCreateCluster(ctx, cmd.ClusterID)
	case CommandDeleteCluster:
		return o.runDeleteCluster(ctx, cmd.ClusterID)
	case CommandCreateDeployment:
		return o.runInstallDeployment(ctx, cmd.ClusterID, cmd.DeploymentID, false)
	case CommandUpdateDeployment:
		return o.runInstallDeployment(ctx, cmd.ClusterID, cmd.DeploymentID, true)
	case CommandDeleteDeployment:
		return o.runDeleteDeployment(ctx, cmd.ClusterID, cmd.DeploymentID)
	default:
		return fmt.Errorf("orchestrator: unknown command kind %q", cmd.Kind)
	}
}

// enqueue submits a command to the cluster's worker, failing fast with
// ErrQueueFull instead of blocking if the queue is saturated.
func (o *Orchestrator) enqueue(cmd Command) error {
	w := o.workerFor(cmd.ClusterID)
	select {
	case w.queue <- cmd:
		metrics.OrchestratorQueueDepth.WithLabelValues(cmd.ClusterID).Set(float64(len(w.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitCreateCluster enqueues cluster creation; it returns as soon as the
// command is accepted, not when provisioning finishes.
func (o *Orchestrator) SubmitCreateCluster(clusterID string) error {
	return o.enqueue(Command{Kind: CommandCreateCluster, ClusterID: clusterID})
}

func (o *Orchestrator) SubmitDeleteCluster(clusterID string) error {
	return o.enqueue(Command{Kind: CommandDeleteCluster, ClusterID: clusterID})
}

func (o *Orchestrator) SubmitCreateDeployment(clusterID, deploymentID string) error {
	return o.enqueue(Command{Kind: CommandCreateDeployment, ClusterID: clusterID, DeploymentID: deploymentID})
}

func (o *Orchestrator) SubmitUpdateDeployment(clusterID, deploymentID string) error {
	return o.enqueue(Command{Kind: CommandUpdateDeployment, ClusterID: clusterID, DeploymentID: deploymentID})
}

func (o *Orchestrator) SubmitDeleteDeployment(clusterID, deploymentID string) error {
	return o.enqueue(Command{Kind: CommandDeleteDeployment, ClusterID: clusterID, DeploymentID: deploymentID})
}

// failCluster records the failing step and underlying error on a cluster row and
// returns the same error to the caller, matching §7's propagation policy:
// the orchestrator never lets an error escape the state machine.
func (o *Orchestrator) failCluster(ctx context.Context, clusterID, step string, err error) error {
	msg := fmt.Sprintf("%s: %v", step, err)
	if uerr := o.store.UpdateClusterStatus(ctx, clusterID, types.StatusFailed, msg); uerr != nil {
		log.Error(fmt.Sprintf("orchestrator: failed to persist failure state for cluster %s: %v", clusterID, uerr))
	}
	return fmt.Errorf("%s: %w", step, err)
}

func (o *Orchestrator) failDeployment(ctx context.Context, deploymentID, step string, err error) error {
	msg := fmt.Sprintf("%s: %v", step, err)
	if uerr := o.store.UpdateDeploymentStatus(ctx, deploymentID, types.StatusFailed, msg); uerr != nil {
		log.Error(fmt.Sprintf("orchestrator: failed to persist failure state for deployment %s: %v", deploymentID, uerr))
	}
	return fmt.Errorf("%s: %w", step, err)
}
