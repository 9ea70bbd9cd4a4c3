package daemon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/felixgeelhaar/mathdrill/internal/config"
	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/queue"
)

func TestTopology(t *testing.T) {
	cfg := config.Default().Queue
	cfg.QueuePrefix = "drill"
	cfg.GradeExchange = "drill.grade"

	topo := Topology(cfg)
	if topo.GradeExchange != "drill.grade" {
		t.Errorf("GradeExchange = %q; want drill.grade", topo.GradeExchange)
	}
	if topo.GenerateExchange != "mathdrill.generate" {
		t.Errorf("GenerateExchange = %q; want default", topo.GenerateExchange)
	}
	if got := topo.QueueName(queue.StageGrade, domain.KindAddition); got != "drill.grade.addition" {
		t.Errorf("QueueName() = %q; want drill.grade.addition", got)
	}
	if len(topo.Kinds) != len(domain.AllKinds()) {
		t.Errorf("Kinds = %v", topo.Kinds)
	}
}

func TestPolicy(t *testing.T) {
	cfg := config.ReplenishConfig{
		Threshold: config.Threshold{Floor: 5, Batch: 1},
		PerKind: map[string]config.Threshold{
			"derivatives": {Floor: 8, Batch: 2},
		},
	}

	p := Policy(cfg)
	if got := p.For(domain.KindAddition); got.Floor != 5 || got.Batch != 1 {
		t.Errorf("For(addition) = %+v; want 5/1", got)
	}
	if got := p.For(domain.KindDerivative); got.Floor != 8 || got.Batch != 2 {
		t.Errorf("For(derivative) = %+v; want 8/2", got)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, closeFn, err := openStore(ctx, config.StorageConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "daemon.db"),
	})
	if err != nil {
		t.Fatalf("openStore(sqlite) error = %v", err)
	}
	defer closeFn()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	if _, _, err := openStore(ctx, config.StorageConfig{Driver: "dynamo"}); err == nil {
		t.Error("openStore() should reject unknown drivers")
	}
}
