package job

import (
	"math/rand/v2"
	"sync"

	"github.com/ashita-ai/unso/internal/model"
)

// Range is an inclusive bound on the integrity points one report can cost.
type Range struct {
	Min int
	Max int
}

// DamageTable maps cargo profile and cause to the deduction range the
// authority draws from. The agent's own estimate never enters the draw.
type DamageTable map[model.CargoProfile]map[model.DamageCause]Range

// DefaultDamage is the deduction table used in production.
var DefaultDamage = DamageTable{
	model.CargoStandard: {
		model.CauseCollisionMinor:    {2, 5},
		model.CauseCollisionModerate: {6, 12},
		model.CauseCollisionMajor:    {15, 25},
		model.CauseRollover:          {30, 45},
		model.CauseSharpCornering:    {1, 3},
		model.CauseOffRoad:           {1, 4},
	},
	model.CargoFragile: {
		model.CauseCollisionMinor:    {5, 10},
		model.CauseCollisionModerate: {12, 20},
		model.CauseCollisionMajor:    {25, 40},
		model.CauseRollover:          {45, 65},
		model.CauseSharpCornering:    {3, 6},
		model.CauseOffRoad:           {3, 8},
	},
	model.CargoHeavy: {
		model.CauseCollisionMinor:    {1, 3},
		model.CauseCollisionModerate: {4, 8},
		model.CauseCollisionMajor:    {10, 18},
		model.CauseRollover:          {25, 35},
		model.CauseSharpCornering:    {1, 2},
		model.CauseOffRoad:           {1, 2},
	},
	model.CargoHazmat: {
		model.CauseCollisionMinor:    {3, 6},
		model.CauseCollisionModerate: {8, 15},
		model.CauseCollisionMajor:    {20, 30},
		model.CauseRollover:          {40, 60},
		model.CauseSharpCornering:    {2, 4},
		model.CauseOffRoad:           {2, 5},
	},
}

// Deriver turns a reported cause into the deduction the authority applies.
type Deriver interface {
	Deduction(profile model.CargoProfile, cause model.DamageCause) (int, bool)
}

// TableDeriver draws deductions uniformly from a DamageTable.
// It is safe for concurrent use.
type TableDeriver struct {
	table DamageTable
	mu    sync.Mutex
	rng   *rand.Rand
}

// NewTableDeriver returns a deriver over table seeded with seed.
func NewTableDeriver(table DamageTable, seed uint64) *TableDeriver {
	return &TableDeriver{
		table: table,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), //nolint:gosec // game-balance randomness
	}
}

// Deduction returns a draw for the pair, or false when the table has no entry.
func (d *TableDeriver) Deduction(profile model.CargoProfile, cause model.DamageCause) (int, bool) {
	r, ok := d.table[profile][cause]
	if !ok {
		return 0, false
	}
	if r.Max <= r.Min {
		return r.Min, true
	}
	d.mu.Lock()
	n := r.Min + d.rng.IntN(r.Max-r.Min+1)
	d.mu.Unlock()
	return n, true
}
