package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSelectionArbiter(t *testing.T) {
	arbiter := newSelectionArbiter()

	connA := NewId()
	connB := NewId()
	entity := NewId()
	other := NewId()

	_, ok := arbiter.ClaimedBy(entity)
	assert.Equal(t, false, ok)

	arbiter.Update(connA, &entity)
	claimant, ok := arbiter.ClaimedBy(entity)
	assert.Equal(t, true, ok)
	assert.Equal(t, connA, claimant)

	// last claim visible wins
	arbiter.Update(connB, &entity)
	claimant, _ = arbiter.ClaimedBy(entity)
	assert.Equal(t, connB, claimant)

	// moving a selection releases the previous claim
	arbiter.Update(connB, &other)
	claimant, ok = arbiter.ClaimedBy(entity)
	assert.Equal(t, false, ok)
	claimant, _ = arbiter.ClaimedBy(other)
	assert.Equal(t, connB, claimant)

	// clearing the selection releases the claim
	arbiter.Update(connB, nil)
	_, ok = arbiter.ClaimedBy(other)
	assert.Equal(t, false, ok)

	// a departed peer releases its claim
	arbiter.Update(connA, &entity)
	arbiter.Remove(connA)
	_, ok = arbiter.ClaimedBy(entity)
	assert.Equal(t, false, ok)
}

func TestSelectionArbiterMoveDoesNotReleaseNewerClaim(t *testing.T) {
	arbiter := newSelectionArbiter()

	connA := NewId()
	connB := NewId()
	entity := NewId()
	other := NewId()

	arbiter.Update(connA, &entity)
	arbiter.Update(connB, &entity)
	// a moving away must not release b's claim on the same entity
	arbiter.Update(connA, &other)

	claimant, ok := arbiter.ClaimedBy(entity)
	assert.Equal(t, true, ok)
	assert.Equal(t, connB, claimant)
}
