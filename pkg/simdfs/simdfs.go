package simdfs

import (
	"math/rand"

	"github.com/quarrylabs/quarry/pkg/types"
)

// FileID identifies a file in the simulated filesystem.
type FileID uint64

// NumBlocks counts fixed-size blocks.
type NumBlocks uint64

// BlockDistribution samples per-file block counts, mimicking the shape of
// the Google trace inputs: a large share of small files with a quadratic
// tail up to MaxBlocks.
type BlockDistribution struct {
	// PercentMin of files have exactly MinBlocks.
	PercentMin int
	MinBlocks  NumBlocks
	MaxBlocks  NumBlocks
}

// DefaultBlockDistribution matches the simulator defaults.
var DefaultBlockDistribution = BlockDistribution{PercentMin: 70, MinBlocks: 1, MaxBlocks: 120}

// Sample draws one file size.
func (d BlockDistribution) Sample(r *rand.Rand) NumBlocks {
	if d.MaxBlocks <= d.MinBlocks || r.Intn(100) < d.PercentMin {
		return d.MinBlocks
	}
	// Quadratic skew towards small files.
	f := r.Float64()
	span := float64(d.MaxBlocks - d.MinBlocks)
	return d.MinBlocks + NumBlocks(f*f*span) + 1
}

type file struct {
	blocks   NumBlocks
	machines []types.ResourceID
}

// FS is a simulated distributed filesystem: machines grouped into racks,
// files with replicated block placements. It exists so the SimulatedQuincy
// cost model can compute data locality without a real cluster.
type FS struct {
	machinesPerRack   int
	filesPerMachine   int
	replicationFactor int
	dist              BlockDistribution
	rnd               *rand.Rand

	racks       [][]types.ResourceID
	machineRack map[types.ResourceID]int
	files       []file
	totalBlocks NumBlocks
}

// Option tweaks FS construction.
type Option func(*FS)

// WithFilesPerMachine overrides how many files are generated per added
// machine (default 10).
func WithFilesPerMachine(n int) Option {
	return func(fs *FS) { fs.filesPerMachine = n }
}

// WithReplicationFactor overrides the block replication factor (default 3).
func WithReplicationFactor(n int) Option {
	return func(fs *FS) { fs.replicationFactor = n }
}

// New builds an empty filesystem. The seed makes simulations reproducible.
func New(machinesPerRack int, dist BlockDistribution, seed int64, opts ...Option) *FS {
	if machinesPerRack <= 0 {
		machinesPerRack = 1
	}
	fs := &FS{
		machinesPerRack:   machinesPerRack,
		filesPerMachine:   10,
		replicationFactor: 3,
		dist:              dist,
		rnd:               rand.New(rand.NewSource(seed)),
		racks:             [][]types.ResourceID{{}},
		machineRack:       make(map[types.ResourceID]int),
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// AddMachine registers a machine, assigns it to the first rack with space,
// and populates the filesystem with files whose primary replica lives on it.
func (fs *FS) AddMachine(id types.ResourceID) {
	if _, ok := fs.machineRack[id]; ok {
		return
	}
	rack := len(fs.racks) - 1
	if len(fs.racks[rack]) >= fs.machinesPerRack {
		fs.racks = append(fs.racks, []types.ResourceID{})
		rack++
	}
	fs.racks[rack] = append(fs.racks[rack], id)
	fs.machineRack[id] = rack

	for i := 0; i < fs.filesPerMachine; i++ {
		fs.AddFile(fs.dist.Sample(fs.rnd), fs.replicaSet(id)...)
	}
}

// replicaSet picks replica machines for a file whose primary is on id:
// one more in the same rack if available, the rest anywhere.
func (fs *FS) replicaSet(id types.ResourceID) []types.ResourceID {
	machines := []types.ResourceID{id}
	seen := map[types.ResourceID]struct{}{id: {}}

	rack := fs.racks[fs.machineRack[id]]
	if len(rack) > 1 && len(machines) < fs.replicationFactor {
		m := rack[fs.rnd.Intn(len(rack))]
		if _, ok := seen[m]; !ok {
			machines = append(machines, m)
			seen[m] = struct{}{}
		}
	}
	all := fs.allMachines()
	for attempts := 0; len(machines) < fs.replicationFactor && attempts < 2*len(all); attempts++ {
		m := all[fs.rnd.Intn(len(all))]
		if _, ok := seen[m]; !ok {
			machines = append(machines, m)
			seen[m] = struct{}{}
		}
	}
	return machines
}

// RemoveMachine drops the machine from rack membership and from every
// file's placement. Files whose last replica disappears stay in the
// filesystem with no machines, as lost data would.
func (fs *FS) RemoveMachine(id types.ResourceID) {
	rackIdx, ok := fs.machineRack[id]
	if !ok {
		return
	}
	delete(fs.machineRack, id)
	rack := fs.racks[rackIdx]
	for i, m := range rack {
		if m == id {
			fs.racks[rackIdx] = append(rack[:i], rack[i+1:]...)
			break
		}
	}
	for fi := range fs.files {
		ms := fs.files[fi].machines
		for i, m := range ms {
			if m == id {
				fs.files[fi].machines = append(ms[:i], ms[i+1:]...)
				break
			}
		}
	}
}

// AddFile inserts a file with an explicit placement. Tests use it to build
// deterministic layouts.
func (fs *FS) AddFile(blocks NumBlocks, machines ...types.ResourceID) FileID {
	fs.files = append(fs.files, file{blocks: blocks, machines: machines})
	fs.totalBlocks += blocks
	return FileID(len(fs.files) - 1)
}

// NumBlocksOf returns the block count of a file.
func (fs *FS) NumBlocksOf(f FileID) NumBlocks {
	return fs.files[f].blocks
}

// MachinesOf returns the machines holding replicas of a file.
func (fs *FS) MachinesOf(f FileID) []types.ResourceID {
	return fs.files[f].machines
}

// RackOf returns the rack index of a machine.
func (fs *FS) RackOf(m types.ResourceID) (int, bool) {
	r, ok := fs.machineRack[m]
	return r, ok
}

// MachinesInRack returns the machines of one rack.
func (fs *FS) MachinesInRack(rack int) []types.ResourceID {
	if rack < 0 || rack >= len(fs.racks) {
		return nil
	}
	return fs.racks[rack]
}

// NumRacks returns the number of racks with at least one machine slot.
func (fs *FS) NumRacks() int { return len(fs.racks) }

// NumFiles returns the number of files.
func (fs *FS) NumFiles() int { return len(fs.files) }

func (fs *FS) allMachines() []types.ResourceID {
	out := make([]types.ResourceID, 0, len(fs.machineRack))
	for _, rack := range fs.racks {
		out = append(out, rack...)
	}
	return out
}

// SampleFiles draws a random file set whose total block count approximates
// wantBlocks within ±tolerancePct percent. With few files the set may fall
// short of the lower bound; the accumulated set is returned regardless, so
// callers always get a usable input set.
func (fs *FS) SampleFiles(wantBlocks NumBlocks, tolerancePct uint32) []FileID {
	if len(fs.files) == 0 || wantBlocks == 0 {
		return nil
	}
	low := uint64(wantBlocks) * uint64(100-tolerancePct) / 100
	high := uint64(wantBlocks) * uint64(100+tolerancePct) / 100

	order := fs.rnd.Perm(len(fs.files))
	picked := make([]FileID, 0, 8)
	var total uint64
	for _, idx := range order {
		b := uint64(fs.files[idx].blocks)
		if total+b > high {
			continue
		}
		picked = append(picked, FileID(idx))
		total += b
		if total >= low {
			break
		}
	}
	return picked
}
