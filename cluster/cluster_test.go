package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/actiondrive/artifact"
	"github.com/evalgo/actiondrive/audit"
	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/guard"
	"github.com/evalgo/actiondrive/quota"
)

type fakeNode struct {
	id int

	mu       sync.Mutex
	executed []string
	admit    bool
}

func newFakeNode(id int) *fakeNode { return &fakeNode{id: id, admit: true} }

func (n *fakeNode) NodeID() int                    { return n.id }
func (n *fakeNode) Initialize(ctx context.Context) error { return nil }
func (n *fakeNode) Close(ctx context.Context) error      { return nil }
func (n *fakeNode) CanAdmit() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.admit
}
func (n *fakeNode) AdmissionLimit() int { return 4 }
func (n *fakeNode) Snapshot() NodeSnapshot {
	admit := n.CanAdmit()
	return NodeSnapshot{NodeID: n.id, Admit: admit, DrainMode: !admit, Status: "healthy"}
}
func (n *fakeNode) ExecuteContract(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy, c contract.ActionContract) (*contract.ActionExecutionResult, error) {
	n.mu.Lock()
	n.executed = append(n.executed, workflowID)
	n.mu.Unlock()
	result := contract.NewResult("")
	result.Success = true
	return result, nil
}
func (n *fakeNode) CloseWorkflowSession(ctx context.Context, workflowID string) {}
func (n *fakeNode) VerifyAuditChain(tenantID, workflowID string) (bool, string, error) {
	return true, "ok", nil
}
func (n *fakeNode) GetReplayTrace(tenantID, workflowID string) ([]audit.Record, error) {
	return nil, nil
}
func (n *fakeNode) OpenTab(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy, rawURL string) (string, error) {
	return "tab-1", nil
}
func (n *fakeNode) SwitchTab(ctx context.Context, workflowID, tabID string) error { return nil }
func (n *fakeNode) ListTabs(ctx context.Context, workflowID string) []interface{} {
	return []interface{}{map[string]interface{}{"tab_id": "tab-1"}}
}
func (n *fakeNode) RegisterUploadArtifact(ctx context.Context, tenantID, workflowID, actionID, sourcePath string) (artifact.Record, error) {
	return artifact.Record{}, nil
}
func (n *fakeNode) SetTenantQuota(tenantID string, q quota.TenantQuota) error { return nil }

func newTestCluster(t *testing.T, shardCount int) (*Cluster, []*fakeNode) {
	t.Helper()
	nodes := make([]ExecutionNode, 0, shardCount)
	fakes := make([]*fakeNode, 0, shardCount)
	for i := 0; i < shardCount; i++ {
		f := newFakeNode(i)
		fakes = append(fakes, f)
		nodes = append(nodes, f)
	}
	scheduler := DefaultSchedulerConfig()
	scheduler.ShardCount = shardCount
	scheduler.DispatchInterval = 2 * time.Millisecond
	c := New(nodes, scheduler, DefaultNodeAdmissionSLO())
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, fakes
}

func TestClassifyWorkClass_HonorsExplicitMetadataOverAction(t *testing.T) {
	c := contract.New("wf-1", "run-1", 0, "click")
	c.ActionSpec = contract.ActionSpec{ActionType: contract.ActionNavigate}
	c.Metadata = map[string]interface{}{"work_class": "light"}
	assert.Equal(t, WorkClassLight, ClassifyWorkClass(c))
}

func TestClassifyWorkClass_HeavyActionsDefault(t *testing.T) {
	for _, at := range []contract.ActionType{contract.ActionNavigate, contract.ActionUpload, contract.ActionDownloadTrigger, contract.ActionCustomJSRestricted} {
		c := contract.New("wf-1", "run-1", 0, "x")
		c.ActionSpec = contract.ActionSpec{ActionType: at}
		assert.Equal(t, WorkClassHeavy, ClassifyWorkClass(c), "action type %s", at)
	}
}

func TestClassifyWorkClass_LightActionsDefault(t *testing.T) {
	c := contract.New("wf-1", "run-1", 0, "click")
	c.ActionSpec = contract.ActionSpec{ActionType: contract.ActionClick}
	assert.Equal(t, WorkClassLight, ClassifyWorkClass(c))
}

func TestCluster_NodeIDFor_StablePerWorkflow(t *testing.T) {
	c, _ := newTestCluster(t, 3)
	first := c.nodeIDFor("tenant-a", "wf-1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.nodeIDFor("tenant-a", "wf-1"))
	}
}

func TestCluster_ExecuteContract_RoutesToPinnedShard(t *testing.T) {
	c, fakes := newTestCluster(t, 3)

	contr := contract.New("wf-42", "run-1", 0, "click")
	contr.ActionSpec = contract.ActionSpec{ActionType: contract.ActionClick, Selector: "#go"}

	result, err := c.ExecuteContract(context.Background(), "tenant-a", "wf-42", guard.SecurityPolicy{}, contr)
	require.NoError(t, err)
	assert.True(t, result.Success)

	pinned := c.nodeIDFor("tenant-a", "wf-42")
	fakes[pinned].mu.Lock()
	assert.Contains(t, fakes[pinned].executed, "wf-42")
	fakes[pinned].mu.Unlock()
}

func TestCluster_ExecuteContract_DoesNotDispatchWhenShardDraining(t *testing.T) {
	c, fakes := newTestCluster(t, 1)
	fakes[0].mu.Lock()
	fakes[0].admit = false
	fakes[0].mu.Unlock()

	contr := contract.New("wf-1", "run-1", 0, "click")
	contr.ActionSpec = contract.ActionSpec{ActionType: contract.ActionClick}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.ExecuteContract(ctx, "tenant-a", "wf-1", guard.SecurityPolicy{}, contr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCluster_GetHealth_DegradedWhenAnyShardDrains(t *testing.T) {
	c, fakes := newTestCluster(t, 2)
	fakes[1].mu.Lock()
	fakes[1].admit = false
	fakes[1].mu.Unlock()

	health := c.GetHealth()
	assert.Equal(t, 2, health.ShardCount)
	assert.Equal(t, "degraded", health.Status)
}

func TestCluster_CloseWorkflowSession_ReleasesAffinity(t *testing.T) {
	c, _ := newTestCluster(t, 2)
	c.nodeIDFor("tenant-a", "wf-9")
	c.CloseWorkflowSession(context.Background(), "wf-9")

	c.mu.Lock()
	_, ok := c.workflowAffinity["wf-9"]
	c.mu.Unlock()
	assert.False(t, ok)
}

func TestCluster_SwitchTab_ErrorsWithoutAffinity(t *testing.T) {
	c, _ := newTestCluster(t, 1)
	err := c.SwitchTab(context.Background(), "unknown-wf", "tab-1")
	assert.Error(t, err)
}
