// Copyright 2026 fanjia1024

package schemaver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga-platform/internal/saga"
	"saga-platform/internal/store"
	"saga-platform/internal/tool"
	"saga-platform/pkg/log"
)

// schemaTool 固定 schema 的测试工具
type schemaTool struct {
	name   string
	schema tool.Schema
}

func (s *schemaTool) Name() string        { return s.name }
func (s *schemaTool) Description() string { return "test tool " + s.name }
func (s *schemaTool) Schema() tool.Schema { return s.schema }

func (s *schemaTool) Execute(_ context.Context, _ map[string]any) (tool.Result, error) {
	return tool.Result{Success: true}, nil
}

func flightSchema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"query": {Type: "string", Description: "搜索词"},
			"date":  {Type: "string"},
		},
		Required: []string{"query"},
	}
}

func newGuard(t *testing.T, schemas map[string]tool.Schema) (*Guard, *tool.Registry, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := tool.NewRegistry()
	for name, s := range schemas {
		reg.Register(&schemaTool{name: name, schema: s})
	}
	return NewGuard(st, reg, log.Nop()), reg, st
}

func searchPlan() []saga.PlanStep {
	return []saga.PlanStep{{ID: "search", Index: 0, ToolName: "search_flights"}}
}

func TestSchemaHashIsStable(t *testing.T) {
	a := flightSchema()
	b := flightSchema()
	require.Equal(t, SchemaHash(a), SchemaHash(b))

	b.Properties["region"] = tool.SchemaProperty{Type: "string"}
	assert.NotEqual(t, SchemaHash(a), SchemaHash(b))
}

func TestCheckWithoutCheckpointPasses(t *testing.T) {
	g, _, _ := newGuard(t, map[string]tool.Schema{"search_flights": flightSchema()})

	report, err := g.CheckOnResume(context.Background(), "exec-1", searchPlan())
	require.NoError(t, err)
	assert.Equal(t, DriftNone, report.Class)
	assert.False(t, report.RequireReplan)
}

func TestUnchangedSchemaPasses(t *testing.T) {
	g, _, _ := newGuard(t, map[string]tool.Schema{"search_flights": flightSchema()})
	ctx := context.Background()

	require.NoError(t, g.Capture(ctx, "exec-1", searchPlan()))
	report, err := g.CheckOnResume(ctx, "exec-1", searchPlan())
	require.NoError(t, err)
	assert.Equal(t, DriftNone, report.Class)
	assert.Empty(t, report.Drifts)
}

func TestAddedOptionalFieldIsMinor(t *testing.T) {
	g, reg, _ := newGuard(t, map[string]tool.Schema{"search_flights": flightSchema()})
	ctx := context.Background()
	require.NoError(t, g.Capture(ctx, "exec-1", searchPlan()))

	after := flightSchema()
	after.Properties["limit"] = tool.SchemaProperty{Type: "integer"}
	reg.Register(&schemaTool{name: "search_flights", schema: after})

	report, err := g.CheckOnResume(ctx, "exec-1", searchPlan())
	require.NoError(t, err)
	assert.Equal(t, DriftMinor, report.Class)
	assert.False(t, report.RequireReplan)
	require.Len(t, report.Drifts, 1)
	assert.Contains(t, report.Drifts[0].Detail, "limit")
}

func TestAddedRequiredFieldIsMajor(t *testing.T) {
	g, reg, _ := newGuard(t, map[string]tool.Schema{"search_flights": flightSchema()})
	ctx := context.Background()
	require.NoError(t, g.Capture(ctx, "exec-1", searchPlan()))

	after := flightSchema()
	after.Properties["region"] = tool.SchemaProperty{Type: "string"}
	after.Required = append(after.Required, "region")
	reg.Register(&schemaTool{name: "search_flights", schema: after})

	report, err := g.CheckOnResume(ctx, "exec-1", searchPlan())
	require.NoError(t, err)
	assert.Equal(t, DriftMajor, report.Class)
	assert.True(t, report.RequireReplan)
	assert.Contains(t, report.Suggestion, "region")
}

func TestRemovedFieldIsBreaking(t *testing.T) {
	g, reg, _ := newGuard(t, map[string]tool.Schema{"search_flights": flightSchema()})
	ctx := context.Background()
	require.NoError(t, g.Capture(ctx, "exec-1", searchPlan()))

	after := flightSchema()
	delete(after.Properties, "date")
	reg.Register(&schemaTool{name: "search_flights", schema: after})

	report, err := g.CheckOnResume(ctx, "exec-1", searchPlan())
	require.NoError(t, err)
	assert.Equal(t, DriftBreaking, report.Class)
	assert.True(t, report.RequireReplan)
	assert.Contains(t, report.Suggestion, "date")
}

func TestFieldBecameRequiredIsMajor(t *testing.T) {
	g, reg, _ := newGuard(t, map[string]tool.Schema{"search_flights": flightSchema()})
	ctx := context.Background()
	require.NoError(t, g.Capture(ctx, "exec-1", searchPlan()))

	after := flightSchema()
	after.Required = append(after.Required, "date")
	reg.Register(&schemaTool{name: "search_flights", schema: after})

	report, err := g.CheckOnResume(ctx, "exec-1", searchPlan())
	require.NoError(t, err)
	assert.Equal(t, DriftMajor, report.Class)
	assert.True(t, report.RequireReplan)
}

func TestTypeChangeIsBreaking(t *testing.T) {
	g, reg, _ := newGuard(t, map[string]tool.Schema{"search_flights": flightSchema()})
	ctx := context.Background()
	require.NoError(t, g.Capture(ctx, "exec-1", searchPlan()))

	after := flightSchema()
	after.Properties["date"] = tool.SchemaProperty{Type: "integer"}
	reg.Register(&schemaTool{name: "search_flights", schema: after})

	report, err := g.CheckOnResume(ctx, "exec-1", searchPlan())
	require.NoError(t, err)
	assert.Equal(t, DriftBreaking, report.Class)
}

func TestUnregisteredToolIsBreaking(t *testing.T) {
	g, _, st := newGuard(t, map[string]tool.Schema{"search_flights": flightSchema()})
	ctx := context.Background()
	require.NoError(t, g.Capture(ctx, "exec-1", searchPlan()))

	// 快照后工具从注册表消失：换一个空注册表模拟下线
	gone := NewGuard(st, tool.NewRegistry(), log.Nop())
	report, err := gone.CheckOnResume(ctx, "exec-1", searchPlan())
	require.NoError(t, err)
	assert.Equal(t, DriftBreaking, report.Class)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, "tool no longer registered", report.Drifts[0].Detail)
}

func TestMetadataOnlyChangeIsMinor(t *testing.T) {
	g, reg, _ := newGuard(t, map[string]tool.Schema{"search_flights": flightSchema()})
	ctx := context.Background()
	require.NoError(t, g.Capture(ctx, "exec-1", searchPlan()))

	after := flightSchema()
	prop := after.Properties["query"]
	prop.Description = "更新后的描述"
	after.Properties["query"] = prop
	reg.Register(&schemaTool{name: "search_flights", schema: after})

	report, err := g.CheckOnResume(ctx, "exec-1", searchPlan())
	require.NoError(t, err)
	assert.Equal(t, DriftMinor, report.Class)
	assert.False(t, report.RequireReplan)
}

func TestClearRemovesCheckpoint(t *testing.T) {
	g, reg, _ := newGuard(t, map[string]tool.Schema{"search_flights": flightSchema()})
	ctx := context.Background()
	require.NoError(t, g.Capture(ctx, "exec-1", searchPlan()))
	require.NoError(t, g.Clear(ctx, "exec-1"))

	// 快照已删，即使 schema 变了也放行
	after := flightSchema()
	delete(after.Properties, "date")
	reg.Register(&schemaTool{name: "search_flights", schema: after})

	report, err := g.CheckOnResume(ctx, "exec-1", searchPlan())
	require.NoError(t, err)
	assert.Equal(t, DriftNone, report.Class)
}
