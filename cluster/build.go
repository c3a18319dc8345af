package cluster

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/evalgo/actiondrive/artifact"
	"github.com/evalgo/actiondrive/audit"
	"github.com/evalgo/actiondrive/circuit"
	"github.com/evalgo/actiondrive/driver"
	"github.com/evalgo/actiondrive/orchestrator"
	"github.com/evalgo/actiondrive/quota"
	"github.com/evalgo/actiondrive/session"
)

// BuildConfig bounds the nodes BuildEngineNodes assembles: one browser,
// artifact root, and audit root per shard, all rooted under a shared
// parent directory.
type BuildConfig struct {
	ShardCount       int
	SessionConfig    session.Config
	ArtifactRootDir  string
	AuditRootDir     string
	AuditSigningKey  string
	DefaultQuota     quota.TenantQuota
	SLO              NodeAdmissionSLO
	MonitorInterval  time.Duration
	FailureThreshold int
	FailureWindow    time.Duration
	OpenInterval     time.Duration
}

// DefaultBuildConfig mirrors the defaults PredatorShardedCluster's
// _build_nodes used.
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{
		ShardCount:       DefaultSchedulerConfig().ShardCount,
		SessionConfig:    session.DefaultConfig(),
		ArtifactRootDir:  "/tmp/actiondrive-cluster-artifacts",
		AuditRootDir:     "/tmp/actiondrive-cluster-audit",
		DefaultQuota:     quota.DefaultTenantQuota(),
		SLO:              DefaultNodeAdmissionSLO(),
		MonitorInterval:  DefaultSchedulerConfig().MonitorInterval,
		FailureThreshold: circuit.DefaultFailureThreshold,
		FailureWindow:    circuit.DefaultFailureWindow,
		OpenInterval:     circuit.DefaultOpenInterval,
	}
}

func shardDir(base string, nodeID int) string {
	return filepath.Join(base, fmt.Sprintf("node-%d", nodeID))
}

// BuildEngineNodes constructs one fully wired EngineExecutionNode per
// shard: its own browser session manager (capped to the cluster SLO's
// active-session ceiling), artifact store, audit trail, quota manager, and
// circuit breaker, each rooted under a node-scoped subdirectory of the
// corresponding BuildConfig directories. launcher is shared across shards;
// each shard still gets its own browser instance via Manager.Initialize.
func BuildEngineNodes(launcher driver.Launcher, cfg BuildConfig) ([]ExecutionNode, error) {
	shardCount := cfg.ShardCount
	if shardCount < 1 {
		shardCount = 1
	}

	nodes := make([]ExecutionNode, 0, shardCount)
	for nodeID := 0; nodeID < shardCount; nodeID++ {
		sessionCfg := cfg.SessionConfig
		if cfg.SLO.MaxActiveSessions > 0 && sessionCfg.MaxTotalSessions > cfg.SLO.MaxActiveSessions {
			sessionCfg.MaxTotalSessions = cfg.SLO.MaxActiveSessions
		}
		sessions := session.New(launcher, sessionCfg, nil)

		artifacts, err := artifact.NewManager(shardDir(cfg.ArtifactRootDir, nodeID))
		if err != nil {
			return nil, fmt.Errorf("cluster: build node %d artifacts: %w", nodeID, err)
		}

		auditLog, err := audit.NewTrail(shardDir(cfg.AuditRootDir, nodeID), cfg.AuditSigningKey)
		if err != nil {
			return nil, fmt.Errorf("cluster: build node %d audit: %w", nodeID, err)
		}

		quotaMgr := quota.NewManager(cfg.DefaultQuota, nil)
		breaker := circuit.NewBreaker(cfg.FailureThreshold, cfg.FailureWindow, cfg.OpenInterval, nil)

		orch := orchestrator.New(sessions, artifacts, auditLog, quotaMgr, breaker, nil, orchestrator.Config{
			ArtifactRootDir: shardDir(cfg.ArtifactRootDir, nodeID),
			AuditRootDir:    shardDir(cfg.AuditRootDir, nodeID),
			AuditSigningKey: cfg.AuditSigningKey,
			DefaultQuota:    cfg.DefaultQuota,
		})

		nodes = append(nodes, NewEngineExecutionNode(nodeID, orch, cfg.SLO, cfg.MonitorInterval))
	}
	return nodes, nil
}
