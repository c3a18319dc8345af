package cluster

import (
	"context"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/evalgo/actiondrive/artifact"
	"github.com/evalgo/actiondrive/audit"
	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/guard"
	"github.com/evalgo/actiondrive/orchestrator"
	"github.com/evalgo/actiondrive/quota"
)

const lagSampleCap = 80

func fdCount() int {
	for _, path := range []string{"/proc/self/fd", "/dev/fd"} {
		if entries, err := os.ReadDir(path); err == nil {
			return len(entries)
		}
	}
	return -1
}

func rssMB() float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	// Linux reports ru_maxrss in KB.
	return float64(ru.Maxrss) / 1024.0
}

func p95(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	ordered := make([]float64, len(values))
	copy(ordered, values)
	sort.Float64s(ordered)
	idx := int(float64(len(ordered)-1)*0.95 + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx > len(ordered)-1 {
		idx = len(ordered) - 1
	}
	return ordered[idx]
}

// EngineExecutionNode adapts an *orchestrator.Orchestrator to the
// ExecutionNode interface, adding an admission-control monitor: a
// background loop that periodically samples this node's own dispatch lag,
// open file descriptors, and RSS alongside the orchestrator's session and
// circuit-breaker health, and uses those readings to decide whether the
// node is healthy enough to keep admitting work.
type EngineExecutionNode struct {
	nodeID          int
	engine          *orchestrator.Orchestrator
	slo             NodeAdmissionSLO
	monitorInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}

	mu         sync.Mutex
	inflight   int
	lagSamples []float64
	snapshot   NodeSnapshot
}

// NewEngineExecutionNode wraps engine as shard nodeID, enforcing slo.
func NewEngineExecutionNode(nodeID int, engine *orchestrator.Orchestrator, slo NodeAdmissionSLO, monitorInterval time.Duration) *EngineExecutionNode {
	if monitorInterval < 50*time.Millisecond {
		monitorInterval = 50 * time.Millisecond
	}
	return &EngineExecutionNode{
		nodeID:          nodeID,
		engine:          engine,
		slo:             slo,
		monitorInterval: monitorInterval,
		snapshot: NodeSnapshot{
			NodeID:  nodeID,
			Admit:   true,
			FDCount: fdCount(),
			RSSMB:   rssMB(),
			Status:  "initializing",
		},
	}
}

// NodeID identifies this shard.
func (n *EngineExecutionNode) NodeID() int { return n.nodeID }

// Initialize starts the background admission monitor.
func (n *EngineExecutionNode) Initialize(ctx context.Context) error {
	n.stopCh = make(chan struct{})
	n.doneCh = make(chan struct{})
	go n.monitor()
	return nil
}

// Close stops the admission monitor. It does not close the orchestrator's
// open browser sessions.
func (n *EngineExecutionNode) Close(ctx context.Context) error {
	if n.stopCh != nil {
		close(n.stopCh)
		<-n.doneCh
	}
	return nil
}

func (n *EngineExecutionNode) monitor() {
	defer close(n.doneCh)
	nextTick := time.Now().Add(n.monitorInterval)
	for {
		select {
		case <-n.stopCh:
			return
		case <-time.After(n.monitorInterval):
		}
		now := time.Now()
		lagMS := now.Sub(nextTick).Seconds() * 1000.0
		if lagMS < 0 {
			lagMS = 0
		}
		nextTick = now.Add(n.monitorInterval)

		n.mu.Lock()
		n.lagSamples = append(n.lagSamples, lagMS)
		if len(n.lagSamples) > lagSampleCap {
			n.lagSamples = n.lagSamples[len(n.lagSamples)-lagSampleCap:]
		}
		n.mu.Unlock()

		n.updateSnapshot()
	}
}

func (n *EngineExecutionNode) updateSnapshot() {
	health := n.engine.GetHealth()
	totalCircuits := len(health.Circuits)
	breakerRatio := 0.0
	if totalCircuits > 0 {
		breakerRatio = float64(health.OpenCircuits) / float64(totalCircuits)
	}

	n.mu.Lock()
	lagP95 := p95(n.lagSamples)
	inflight := n.inflight
	n.mu.Unlock()

	fds := fdCount()
	rss := rssMB()

	var reasons []string
	if inflight >= n.slo.MaxInflightActions {
		reasons = append(reasons, "inflight_limit")
	}
	if health.ActiveSessions > n.slo.MaxActiveSessions {
		reasons = append(reasons, "active_sessions")
	}
	if lagP95 > n.slo.MaxLoopLagP95Ms {
		reasons = append(reasons, "loop_lag")
	}
	if fds >= 0 && fds > n.slo.MaxFDCount {
		reasons = append(reasons, "fd_count")
	}
	if rss > n.slo.MaxRSSMB {
		reasons = append(reasons, "rss_mb")
	}
	if breakerRatio > n.slo.MaxBreakerOpenRatio {
		reasons = append(reasons, "breaker_open_ratio")
	}

	drain := len(reasons) > 0

	n.mu.Lock()
	n.snapshot = NodeSnapshot{
		NodeID:           n.nodeID,
		Admit:            !drain,
		DrainMode:        drain,
		Reasons:          reasons,
		InflightActions:  inflight,
		ActiveSessions:   health.ActiveSessions,
		OpenCircuits:     health.OpenCircuits,
		BreakerOpenRatio: breakerRatio,
		LoopLagP95Ms:     lagP95,
		FDCount:          fds,
		RSSMB:            rss,
		Status:           health.Status,
	}
	n.mu.Unlock()
}

// CanAdmit reports whether the node's latest snapshot allows new work.
func (n *EngineExecutionNode) CanAdmit() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshot.Admit
}

// AdmissionLimit bounds how many actions may be inflight on this node at
// once.
func (n *EngineExecutionNode) AdmissionLimit() int {
	if n.slo.MaxInflightActions < 1 {
		return 1
	}
	return n.slo.MaxInflightActions
}

// Snapshot returns the node's latest admission-control reading.
func (n *EngineExecutionNode) Snapshot() NodeSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshot
}

// ExecuteContract runs one action against this node's orchestrator,
// tracking the node's inflight count around the call.
func (n *EngineExecutionNode) ExecuteContract(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy, c contract.ActionContract) (*contract.ActionExecutionResult, error) {
	n.mu.Lock()
	n.inflight++
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		if n.inflight > 0 {
			n.inflight--
		}
		n.mu.Unlock()
		n.updateSnapshot()
	}()

	return n.engine.ExecuteContract(ctx, tenantID, workflowID, policy, c)
}

// CloseWorkflowSession tears down workflowID's session on this node.
func (n *EngineExecutionNode) CloseWorkflowSession(ctx context.Context, workflowID string) {
	n.engine.CloseWorkflowSession(ctx, workflowID)
}

// VerifyAuditChain replays and verifies workflowID's audit chain.
func (n *EngineExecutionNode) VerifyAuditChain(tenantID, workflowID string) (bool, string, error) {
	return n.engine.VerifyAuditChain(tenantID, workflowID)
}

// GetReplayTrace returns workflowID's full audit trail.
func (n *EngineExecutionNode) GetReplayTrace(tenantID, workflowID string) ([]audit.Record, error) {
	return n.engine.GetReplayTrace(tenantID, workflowID)
}

// OpenTab opens a new tab in workflowID's session.
func (n *EngineExecutionNode) OpenTab(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy, rawURL string) (string, error) {
	return n.engine.OpenTab(ctx, tenantID, workflowID, policy, rawURL)
}

// SwitchTab activates tabID in workflowID's session.
func (n *EngineExecutionNode) SwitchTab(ctx context.Context, workflowID, tabID string) error {
	return n.engine.SwitchTab(ctx, workflowID, tabID)
}

// ListTabs lists workflowID's open tabs.
func (n *EngineExecutionNode) ListTabs(ctx context.Context, workflowID string) []interface{} {
	return n.engine.ListTabs(ctx, workflowID)
}

// RegisterUploadArtifact registers sourcePath as an upload artifact.
func (n *EngineExecutionNode) RegisterUploadArtifact(ctx context.Context, tenantID, workflowID, actionID, sourcePath string) (artifact.Record, error) {
	return n.engine.RegisterUploadArtifact(ctx, tenantID, workflowID, actionID, sourcePath)
}

// SetTenantQuota overrides tenantID's quota on this node.
func (n *EngineExecutionNode) SetTenantQuota(tenantID string, q quota.TenantQuota) error {
	return n.engine.SetTenantQuota(tenantID, q)
}
