package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetRecalculate(t *testing.T) {
	b := &EventBudget{
		Kind:    BudgetActual,
		Items:   LineItems{Staff: 1000, Rewards: 300.555, Parking: 50},
		Revenue: 4000,
	}
	b.Recalculate()

	assert.Equal(t, 1350.56, b.Total)
	assert.Equal(t, 2649.44, b.Profit)
	require.NotNil(t, b.Margin)
	assert.Equal(t, 66.24, *b.Margin)
	assert.True(t, b.Consistent())
}

func TestBudgetRecalculateZeroRevenue(t *testing.T) {
	b := &EventBudget{Items: LineItems{Staff: 100}}
	b.Recalculate()
	assert.Nil(t, b.Margin)
	assert.Equal(t, -100.0, b.Profit)
}

func TestBudgetConsistentTolerance(t *testing.T) {
	b := EventBudget{Items: LineItems{Staff: 100}, Total: 100.009, Revenue: 0, Profit: -100.009}
	assert.True(t, b.Consistent())
	b.Total = 100.5
	assert.False(t, b.Consistent())
}

func TestEventStatusMachine(t *testing.T) {
	assert.True(t, CanTransition(EventPlanned, EventConfirmed))
	assert.True(t, CanTransition(EventActive, EventCompleted))
	assert.True(t, CanTransition(EventConfirmed, EventCancelled))
	assert.False(t, CanTransition(EventPlanned, EventActive))
	assert.False(t, CanTransition(EventCompleted, EventActive))
	assert.False(t, CanTransition(EventCancelled, EventPlanned))
}
