package costmodel

import (
	"fmt"

	"github.com/quarrylabs/quarry/pkg/log"
)

// New builds the cost model selected by the flag surface. Unknown selector
// values are a configuration error, never a silent fallback.
func New(model ModelType, p Params) (CostModel, error) {
	logger := log.WithComponent("costmodel")
	switch model {
	case ModelTrivial:
		logger.Info().Msg("using the trivial cost model")
		return newTrivial(p), nil
	case ModelRandom:
		logger.Info().Msg("using the random cost model")
		return newRandom(p), nil
	case ModelSJF:
		logger.Info().Msg("using the SJF cost model")
		return newSJF(p), nil
	case ModelQuincy:
		logger.Info().Msg("using the Quincy cost model")
		return newQuincy(p), nil
	case ModelWhare:
		logger.Info().Msg("using the Whare-Map cost model")
		return newWhare(p), nil
	case ModelCoco:
		logger.Info().Msg("using the coco cost model")
		return newCoco(p), nil
	case ModelOctopus:
		logger.Info().Msg("using the octopus cost model")
		return newOctopus(p), nil
	case ModelVoid:
		logger.Info().Msg("using the void cost model")
		return newVoid(p), nil
	case ModelSimulatedQuincy:
		logger.Info().Msg("using the simulated Quincy cost model")
		return newSimulatedQuincy(p)
	default:
		return nil, fmt.Errorf("costmodel: unknown cost model selector %d", model)
	}
}

// NeedsTopologyStats reports whether the model depends on the statistics
// passes being run before each scheduling iteration.
func NeedsTopologyStats(model ModelType) bool {
	switch model {
	case ModelCoco, ModelOctopus, ModelWhare:
		return true
	}
	return false
}
