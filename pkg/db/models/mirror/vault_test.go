package mirror

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestInvariantHolds(t *testing.T) {
	assert.True(t, Vault{}.InvariantHolds())
	assert.True(t, Vault{TotalBalance: 500_000, AvailableBalance: 300_000, LockedBalance: 200_000}.InvariantHolds())
	assert.False(t, Vault{TotalBalance: 100, AvailableBalance: 60, LockedBalance: 50}.InvariantHolds())
	assert.False(t, Vault{TotalBalance: 0, AvailableBalance: MaxBalance, LockedBalance: MaxBalance}.InvariantHolds())
}

func TestUtilization(t *testing.T) {
	assert.True(t, Vault{}.Utilization().Equal(decimal.Zero))
	v := Vault{TotalBalance: 1000, LockedBalance: 950, AvailableBalance: 50}
	assert.True(t, v.Utilization().Equal(decimal.NewFromInt(95)), v.Utilization().String())
}

func TestCheckedArithmetic(t *testing.T) {
	sum, ok := AddChecked(1, 2)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), sum)

	_, ok = AddChecked(MaxBalance, 1)
	assert.False(t, ok)

	_, ok = SubChecked(1, 2)
	assert.False(t, ok)

	diff, ok := SubChecked(10, 10)
	assert.True(t, ok)
	assert.Zero(t, diff)
}
