package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestP95_EmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, p95(nil))
}

func TestP95_SingleValue(t *testing.T) {
	assert.Equal(t, 5.0, p95([]float64{5}))
}

func TestP95_OrdersBeforeSelecting(t *testing.T) {
	values := []float64{100, 1, 50, 2, 99, 3, 98, 4, 97, 5}
	got := p95(values)
	assert.Equal(t, 100.0, got)
}

func TestNewEngineExecutionNode_StartsInInitializingState(t *testing.T) {
	n := NewEngineExecutionNode(0, nil, DefaultNodeAdmissionSLO(), 0)
	snap := n.Snapshot()
	assert.Equal(t, 0, snap.NodeID)
	assert.True(t, snap.Admit)
	assert.Equal(t, "initializing", snap.Status)
}
