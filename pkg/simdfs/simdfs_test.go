package simdfs

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/types"
)

func newMachineID() types.ResourceID {
	return types.ResourceID(uuid.New())
}

func TestAddMachineRackLayout(t *testing.T) {
	fs := New(2, DefaultBlockDistribution, 1, WithFilesPerMachine(0))

	m := make([]types.ResourceID, 5)
	for i := range m {
		m[i] = newMachineID()
		fs.AddMachine(m[i])
	}

	// machines_per_rack = 2 -> racks {0,1} {2,3} {4}
	for i, wantRack := range []int{0, 0, 1, 1, 2} {
		rack, ok := fs.RackOf(m[i])
		require.True(t, ok)
		assert.Equal(t, wantRack, rack, "machine %d", i)
	}
	assert.Len(t, fs.MachinesInRack(0), 2)
	assert.Len(t, fs.MachinesInRack(2), 1)
}

func TestAddMachinePopulatesFiles(t *testing.T) {
	fs := New(4, DefaultBlockDistribution, 7)
	fs.AddMachine(newMachineID())
	fs.AddMachine(newMachineID())

	assert.Equal(t, 20, fs.NumFiles())
	for i := 0; i < fs.NumFiles(); i++ {
		assert.NotEmpty(t, fs.MachinesOf(FileID(i)))
		assert.GreaterOrEqual(t, uint64(fs.NumBlocksOf(FileID(i))), uint64(1))
	}
}

func TestRemoveMachineDropsPlacements(t *testing.T) {
	fs := New(4, DefaultBlockDistribution, 3, WithFilesPerMachine(0))
	a, b := newMachineID(), newMachineID()
	fs.AddMachine(a)
	fs.AddMachine(b)
	f := fs.AddFile(10, a, b)

	fs.RemoveMachine(a)

	_, ok := fs.RackOf(a)
	assert.False(t, ok)
	assert.Equal(t, []types.ResourceID{b}, fs.MachinesOf(f))
}

func TestSampleFilesRespectsTolerance(t *testing.T) {
	fs := New(4, DefaultBlockDistribution, 11, WithFilesPerMachine(0))
	m := newMachineID()
	fs.AddMachine(m)
	for i := 0; i < 100; i++ {
		fs.AddFile(5, m)
	}

	files := fs.SampleFiles(50, 10)
	require.NotEmpty(t, files)
	var total uint64
	for _, f := range files {
		total += uint64(fs.NumBlocksOf(f))
	}
	assert.GreaterOrEqual(t, total, uint64(45))
	assert.LessOrEqual(t, total, uint64(55))
}

func TestSampleFilesEmptyFS(t *testing.T) {
	fs := New(4, DefaultBlockDistribution, 1, WithFilesPerMachine(0))
	assert.Empty(t, fs.SampleFiles(10, 10))
}
