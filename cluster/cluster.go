// Package cluster fans a tenant's workflow traffic out across a fixed set
// of execution shards: each workflow is pinned by a stable hash of its
// tenant and workflow id to one shard for its lifetime, and each shard runs
// its own weighted light/heavy fair-queue scheduler with per-tenant
// round-robin so one noisy tenant cannot starve another on the same shard.
// Grounded on the original predator_v2 module's PredatorShardedCluster:
// asyncio's single-threaded cooperative dispatch loop is replaced here with
// a goroutine, a mutex-guarded queue set, and a wake channel.
package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/evalgo/actiondrive/artifact"
	"github.com/evalgo/actiondrive/audit"
	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/guard"
	"github.com/evalgo/actiondrive/quota"
)

// WorkClass buckets an action by how much it is expected to cost: HEAVY
// actions (navigation, upload, download, restricted JS) get a smaller
// share of a shard's fair-queue cycle than LIGHT ones.
type WorkClass string

const (
	WorkClassLight WorkClass = "light"
	WorkClassHeavy WorkClass = "heavy"
)

// ClassifyWorkClass returns c's work class: an explicit "work_class" key in
// c.Metadata wins, otherwise navigate/upload/download_trigger/
// custom_js_restricted actions are HEAVY and everything else is LIGHT.
func ClassifyWorkClass(c contract.ActionContract) WorkClass {
	if explicit, ok := c.Metadata["work_class"].(string); ok {
		switch WorkClass(explicit) {
		case WorkClassLight, WorkClassHeavy:
			return WorkClass(explicit)
		}
	}
	switch c.ActionSpec.ActionType {
	case contract.ActionNavigate, contract.ActionUpload, contract.ActionDownloadTrigger, contract.ActionCustomJSRestricted:
		return WorkClassHeavy
	default:
		return WorkClassLight
	}
}

// NodeAdmissionSLO bounds the resource and latency envelope a shard must
// stay within to keep admitting new work; breaching any of them puts the
// shard into drain mode until it recovers.
type NodeAdmissionSLO struct {
	MaxActiveSessions    int
	MaxInflightActions   int
	MaxLoopLagP95Ms      float64
	MaxFDCount           int
	MaxRSSMB             float64
	MaxBreakerOpenRatio  float64
}

// DefaultNodeAdmissionSLO mirrors the original dataclass's field defaults.
func DefaultNodeAdmissionSLO() NodeAdmissionSLO {
	return NodeAdmissionSLO{
		MaxActiveSessions:   120,
		MaxInflightActions:  120,
		MaxLoopLagP95Ms:     1_200.0,
		MaxFDCount:          1_024,
		MaxRSSMB:            1_024.0,
		MaxBreakerOpenRatio: 0.50,
	}
}

// SchedulerConfig sizes the cluster: how many shards, how often the
// dispatch loop and each node's admission monitor run, and the weighted
// light:heavy ratio each shard's fair-queue cycle uses.
type SchedulerConfig struct {
	ShardCount       int
	DispatchInterval time.Duration
	MonitorInterval  time.Duration
	LightWeight      int
	HeavyWeight      int
}

// DefaultSchedulerConfig mirrors the original dataclass's field defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ShardCount:       3,
		DispatchInterval: 20 * time.Millisecond,
		MonitorInterval:  250 * time.Millisecond,
		LightWeight:      3,
		HeavyWeight:      1,
	}
}

// NodeSnapshot is one shard's latest admission-control reading.
type NodeSnapshot struct {
	NodeID           int      `json:"node_id"`
	Admit            bool     `json:"admit"`
	DrainMode        bool     `json:"drain_mode"`
	Reasons          []string `json:"reasons"`
	InflightActions  int      `json:"inflight_actions"`
	ActiveSessions   int      `json:"active_sessions"`
	OpenCircuits     int      `json:"open_circuits"`
	BreakerOpenRatio float64  `json:"breaker_open_ratio"`
	LoopLagP95Ms     float64  `json:"loop_lag_p95_ms"`
	FDCount          int      `json:"fd_count"`
	RSSMB            float64  `json:"rss_mb"`
	Status           string   `json:"status"`
}

// ExecutionNode is one shard's admission-controlled execution surface —
// normally an *EngineExecutionNode wrapping an *orchestrator.Orchestrator,
// but satisfied by anything with the same surface for testing.
type ExecutionNode interface {
	NodeID() int
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
	CanAdmit() bool
	AdmissionLimit() int
	Snapshot() NodeSnapshot
	ExecuteContract(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy, c contract.ActionContract) (*contract.ActionExecutionResult, error)
	CloseWorkflowSession(ctx context.Context, workflowID string)
	VerifyAuditChain(tenantID, workflowID string) (bool, string, error)
	GetReplayTrace(tenantID, workflowID string) ([]audit.Record, error)
	OpenTab(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy, rawURL string) (string, error)
	SwitchTab(ctx context.Context, workflowID, tabID string) error
	ListTabs(ctx context.Context, workflowID string) []interface{}
	RegisterUploadArtifact(ctx context.Context, tenantID, workflowID, actionID, sourcePath string) (artifact.Record, error)
	SetTenantQuota(tenantID string, q quota.TenantQuota) error
}

type queuedAction struct {
	ctx        context.Context
	tenantID   string
	workflowID string
	policy     guard.SecurityPolicy
	contract   contract.ActionContract
	workClass  WorkClass
	enqueuedAt time.Time
	resultCh   chan workResult
}

type workResult struct {
	result *contract.ActionExecutionResult
	err    error
}

// Cluster fans work out across a fixed slice of ExecutionNodes using
// stable-hash tenant/workflow affinity and a per-shard weighted fair-queue
// scheduler.
type Cluster struct {
	scheduler SchedulerConfig
	slo       NodeAdmissionSLO

	nodes    []ExecutionNode
	nodeByID map[int]ExecutionNode

	mu               sync.Mutex
	workflowAffinity map[string]int
	queues           map[int]map[WorkClass]map[string][]*queuedAction
	tenantRR         map[int]map[WorkClass][]string
	classCycle       []WorkClass
	classIndex       map[int]int
	reservedInflight map[int]int

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Cluster scheduling across nodes. nodes is normally built
// with BuildEngineNodes; Initialize must be called before any other method.
func New(nodes []ExecutionNode, scheduler SchedulerConfig, slo NodeAdmissionSLO) *Cluster {
	if scheduler.ShardCount < 1 {
		scheduler.ShardCount = len(nodes)
	}
	classCycle := make([]WorkClass, 0, scheduler.LightWeight+scheduler.HeavyWeight)
	lightWeight := scheduler.LightWeight
	if lightWeight < 1 {
		lightWeight = 1
	}
	heavyWeight := scheduler.HeavyWeight
	if heavyWeight < 1 {
		heavyWeight = 1
	}
	for i := 0; i < lightWeight; i++ {
		classCycle = append(classCycle, WorkClassLight)
	}
	for i := 0; i < heavyWeight; i++ {
		classCycle = append(classCycle, WorkClassHeavy)
	}

	nodeByID := make(map[int]ExecutionNode, len(nodes))
	queues := make(map[int]map[WorkClass]map[string][]*queuedAction, len(nodes))
	tenantRR := make(map[int]map[WorkClass][]string, len(nodes))
	for _, node := range nodes {
		nodeByID[node.NodeID()] = node
		queues[node.NodeID()] = map[WorkClass]map[string][]*queuedAction{
			WorkClassLight: make(map[string][]*queuedAction),
			WorkClassHeavy: make(map[string][]*queuedAction),
		}
		tenantRR[node.NodeID()] = map[WorkClass][]string{
			WorkClassLight: nil,
			WorkClassHeavy: nil,
		}
	}

	return &Cluster{
		scheduler:        scheduler,
		slo:              slo,
		nodes:            nodes,
		nodeByID:         nodeByID,
		workflowAffinity: make(map[string]int),
		queues:           queues,
		tenantRR:         tenantRR,
		classCycle:       classCycle,
		classIndex:       make(map[int]int, len(nodes)),
		reservedInflight: make(map[int]int, len(nodes)),
		wakeCh:           make(chan struct{}, 1),
	}
}

// Initialize starts every node and the cluster's dispatch loop.
func (c *Cluster) Initialize(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(c.nodes))
	for i, node := range c.nodes {
		wg.Add(1)
		go func(i int, node ExecutionNode) {
			defer wg.Done()
			errs[i] = node.Initialize(ctx)
		}(i, node)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("cluster: initialize node: %w", err)
		}
	}

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.dispatchLoop()
	return nil
}

// Close stops the dispatch loop and every node.
func (c *Cluster) Close(ctx context.Context) error {
	if c.stopCh != nil {
		close(c.stopCh)
		<-c.doneCh
	}
	for _, node := range c.nodes {
		_ = node.Close(ctx)
	}
	return nil
}

func (c *Cluster) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// nodeIDFor pins workflowID to a shard on first use (a stable sha256 hash
// of tenantID and workflowID, mod shard count) and returns the same shard
// on every later call for that workflow.
func (c *Cluster) nodeIDFor(tenantID, workflowID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pinned, ok := c.workflowAffinity[workflowID]; ok {
		return pinned
	}
	digest := sha256.Sum256([]byte(tenantID + "|" + workflowID))
	nodeID := int(binary.BigEndian.Uint64(digest[:8]) % uint64(maxInt(1, len(c.nodes))))
	c.workflowAffinity[workflowID] = nodeID
	return nodeID
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (c *Cluster) enqueue(nodeID int, item *queuedAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tenantMap := c.queues[nodeID][item.workClass]
	if _, ok := tenantMap[item.tenantID]; !ok {
		c.tenantRR[nodeID][item.workClass] = append(c.tenantRR[nodeID][item.workClass], item.tenantID)
	}
	tenantMap[item.tenantID] = append(tenantMap[item.tenantID], item)
	c.wake()
}

// popTenantRR must be called with c.mu held.
func (c *Cluster) popTenantRR(nodeID int, workClass WorkClass) *queuedAction {
	tenantMap := c.queues[nodeID][workClass]
	rr := c.tenantRR[nodeID][workClass]
	attempts := len(rr)
	for i := 0; i < attempts; i++ {
		tenantID := rr[0]
		rr = append(rr[1:], tenantID)
		queue, ok := tenantMap[tenantID]
		if !ok || len(queue) == 0 {
			rr = rr[:len(rr)-1]
			delete(tenantMap, tenantID)
			continue
		}
		item := queue[0]
		queue = queue[1:]
		if len(queue) == 0 {
			delete(tenantMap, tenantID)
			rr = rr[:len(rr)-1]
		} else {
			tenantMap[tenantID] = queue
		}
		c.tenantRR[nodeID][workClass] = rr
		return item
	}
	c.tenantRR[nodeID][workClass] = rr
	return nil
}

// popNext must be called with c.mu held.
func (c *Cluster) popNext(nodeID int) *queuedAction {
	cycle := c.classCycle
	if len(cycle) == 0 {
		return nil
	}
	start := c.classIndex[nodeID] % len(cycle)
	for offset := 0; offset < len(cycle); offset++ {
		workClass := cycle[(start+offset)%len(cycle)]
		if item := c.popTenantRR(nodeID, workClass); item != nil {
			c.classIndex[nodeID] = (start + offset + 1) % len(cycle)
			return item
		}
	}
	for _, workClass := range []WorkClass{WorkClassLight, WorkClassHeavy} {
		if item := c.popTenantRR(nodeID, workClass); item != nil {
			return item
		}
	}
	return nil
}

func (c *Cluster) queueDepth(nodeID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, workClass := range []WorkClass{WorkClassLight, WorkClassHeavy} {
		for _, queue := range c.queues[nodeID][workClass] {
			total += len(queue)
		}
	}
	return total
}

func (c *Cluster) runItem(node ExecutionNode, item *queuedAction) {
	result, err := node.ExecuteContract(item.ctx, item.tenantID, item.workflowID, item.policy, item.contract)
	if err != nil {
		actionID, idErr := item.contract.ActionID()
		if idErr != nil {
			actionID = ""
		}
		result = contract.NewResult(actionID)
		result.Success = false
		code := "SHARD_NODE_EXECUTION_ERROR"
		result.FailureCode = &code
		result.Metadata = map[string]interface{}{"exception": err.Error()}
	}
	item.resultCh <- workResult{result: result}

	c.mu.Lock()
	if c.reservedInflight[node.NodeID()] > 0 {
		c.reservedInflight[node.NodeID()]--
	}
	c.mu.Unlock()
	c.wake()
}

func (c *Cluster) dispatchLoop() {
	defer close(c.doneCh)
	interval := c.scheduler.DispatchInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		dispatched := false
		for _, node := range c.nodes {
			limit := node.AdmissionLimit()
			if limit < 1 {
				limit = 1
			}
			for node.CanAdmit() {
				c.mu.Lock()
				if c.reservedInflight[node.NodeID()] >= limit {
					c.mu.Unlock()
					break
				}
				item := c.popNext(node.NodeID())
				if item == nil {
					c.mu.Unlock()
					break
				}
				c.reservedInflight[node.NodeID()]++
				c.mu.Unlock()
				dispatched = true
				go c.runItem(node, item)
			}
		}

		if dispatched {
			continue
		}

		select {
		case <-c.stopCh:
			return
		case <-c.wakeCh:
		case <-time.After(interval):
		}
	}
}

// ExecuteContract enqueues c for execution on tenantID/workflowID's pinned
// shard and blocks until that shard's dispatch loop has run it (or ctx is
// canceled first).
func (c *Cluster) ExecuteContract(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy, contr contract.ActionContract) (*contract.ActionExecutionResult, error) {
	if len(c.nodes) == 0 {
		return nil, fmt.Errorf("cluster: not initialized")
	}
	nodeID := c.nodeIDFor(tenantID, workflowID)
	item := &queuedAction{
		ctx:        ctx,
		tenantID:   tenantID,
		workflowID: workflowID,
		policy:     policy,
		contract:   contr,
		workClass:  ClassifyWorkClass(contr),
		enqueuedAt: time.Now(),
		resultCh:   make(chan workResult, 1),
	}
	c.enqueue(nodeID, item)

	select {
	case res := <-item.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cluster) resolveNode(tenantID, workflowID string) (ExecutionNode, error) {
	if len(c.nodes) == 0 {
		return nil, fmt.Errorf("cluster: not initialized")
	}
	nodeID := c.nodeIDFor(tenantID, workflowID)
	node, ok := c.nodeByID[nodeID]
	if !ok {
		return nil, fmt.Errorf("cluster: unknown shard %d", nodeID)
	}
	return node, nil
}

// RegisterUploadArtifact registers sourcePath against tenantID/workflowID's
// pinned shard.
func (c *Cluster) RegisterUploadArtifact(ctx context.Context, tenantID, workflowID, actionID, sourcePath string) (artifact.Record, error) {
	node, err := c.resolveNode(tenantID, workflowID)
	if err != nil {
		return artifact.Record{}, err
	}
	return node.RegisterUploadArtifact(ctx, tenantID, workflowID, actionID, sourcePath)
}

// VerifyAuditChain verifies tenantID/workflowID's audit chain on its
// pinned shard.
func (c *Cluster) VerifyAuditChain(tenantID, workflowID string) (bool, string, error) {
	node, err := c.resolveNode(tenantID, workflowID)
	if err != nil {
		return false, "", err
	}
	return node.VerifyAuditChain(tenantID, workflowID)
}

// GetReplayTrace returns tenantID/workflowID's replay trace from its
// pinned shard.
func (c *Cluster) GetReplayTrace(tenantID, workflowID string) ([]audit.Record, error) {
	node, err := c.resolveNode(tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	return node.GetReplayTrace(tenantID, workflowID)
}

// OpenTab opens a tab against tenantID/workflowID's pinned shard.
func (c *Cluster) OpenTab(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy, rawURL string) (string, error) {
	node, err := c.resolveNode(tenantID, workflowID)
	if err != nil {
		return "", err
	}
	return node.OpenTab(ctx, tenantID, workflowID, policy, rawURL)
}

// SwitchTab activates tabID on workflowID's already-pinned shard; it is an
// error to call this before the workflow has any affinity.
func (c *Cluster) SwitchTab(ctx context.Context, workflowID, tabID string) error {
	c.mu.Lock()
	nodeID, ok := c.workflowAffinity[workflowID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("cluster: no shard affinity for workflow %s", workflowID)
	}
	node, ok := c.nodeByID[nodeID]
	if !ok {
		return fmt.Errorf("cluster: unknown shard %d", nodeID)
	}
	return node.SwitchTab(ctx, workflowID, tabID)
}

// ListTabs lists workflowID's open tabs on its pinned shard, or an empty
// slice if the workflow has no affinity yet.
func (c *Cluster) ListTabs(ctx context.Context, workflowID string) []interface{} {
	c.mu.Lock()
	nodeID, ok := c.workflowAffinity[workflowID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	node, ok := c.nodeByID[nodeID]
	if !ok {
		return nil
	}
	return node.ListTabs(ctx, workflowID)
}

// CloseWorkflowSession tears down workflowID's session on its pinned shard
// and releases the shard affinity.
func (c *Cluster) CloseWorkflowSession(ctx context.Context, workflowID string) {
	c.mu.Lock()
	nodeID, ok := c.workflowAffinity[workflowID]
	delete(c.workflowAffinity, workflowID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if node, ok := c.nodeByID[nodeID]; ok {
		node.CloseWorkflowSession(ctx, workflowID)
	}
}

// SetTenantQuota overrides tenantID's quota on every shard.
func (c *Cluster) SetTenantQuota(tenantID string, q quota.TenantQuota) error {
	for _, node := range c.nodes {
		if err := node.SetTenantQuota(tenantID, q); err != nil {
			return err
		}
	}
	return nil
}

// NodeHealth is one shard's snapshot plus its current queue depth, as
// reported by GetHealth.
type NodeHealth struct {
	NodeSnapshot
	QueueDepth int `json:"queue_depth"`
}

// ClusterHealth is the cluster-wide health rollup GetHealth returns.
type ClusterHealth struct {
	Status               string       `json:"status"`
	ShardCount           int          `json:"shard_count"`
	TotalActiveSessions  int          `json:"total_active_sessions"`
	TotalOpenCircuits    int          `json:"total_open_circuits"`
	TotalQueueDepth      int          `json:"total_queue_depth"`
	WorkflowAffinitySize int          `json:"workflow_affinity_size"`
	Nodes                []NodeHealth `json:"nodes"`
}

// GetHealth aggregates every shard's admission-control snapshot into a
// cluster-wide rollup: degraded if any shard is in drain mode.
func (c *Cluster) GetHealth() ClusterHealth {
	nodes := make([]NodeHealth, 0, len(c.nodes))
	totalSessions, totalOpenCircuits, totalQueue := 0, 0, 0
	anyDrain := false
	for _, node := range c.nodes {
		snap := node.Snapshot()
		depth := c.queueDepth(node.NodeID())
		nodes = append(nodes, NodeHealth{NodeSnapshot: snap, QueueDepth: depth})
		totalSessions += snap.ActiveSessions
		totalOpenCircuits += snap.OpenCircuits
		totalQueue += depth
		if snap.DrainMode {
			anyDrain = true
		}
	}
	status := "healthy"
	if anyDrain {
		status = "degraded"
	}

	c.mu.Lock()
	affinitySize := len(c.workflowAffinity)
	c.mu.Unlock()

	return ClusterHealth{
		Status:               status,
		ShardCount:           len(c.nodes),
		TotalActiveSessions:  totalSessions,
		TotalOpenCircuits:    totalOpenCircuits,
		TotalQueueDepth:      totalQueue,
		WorkflowAffinitySize: affinitySize,
		Nodes:                nodes,
	}
}
