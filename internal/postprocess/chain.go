package postprocess

import (
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Chain runs stages in order and merges their outputs
type Chain struct {
	stages []Stage
	ticks  uint64
	log    *logger.ModuleLogger
}

// NewChain checks that the chain is non-empty and that no two stages write the same key
func NewChain(stages ...Stage) (*Chain, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: post-processor chain is empty", types.ErrConfiguration)
	}

	owners := make(map[string]string)
	for i, s := range stages {
		if s == nil {
			return nil, fmt.Errorf("%w: post-processor %d is nil", types.ErrConfiguration, i)
		}
		for _, key := range s.Keys() {
			if prev, dup := owners[key]; dup {
				return nil, fmt.Errorf("%w: output key %q written by both %s and %s",
					types.ErrConfiguration, key, prev, s.Name())
			}
			owners[key] = s.Name()
		}
	}

	return &Chain{
		stages: append([]Stage(nil), stages...),
		log:    logger.For("Chain"),
	}, nil
}

// Process runs one tick. On error no stage has changed state.
func (c *Chain) Process(t Tick) (Output, error) {
	commits := make([]func(), 0, len(c.stages))
	for _, s := range c.stages {
		commit, err := s.prepare(t)
		if err != nil {
			return nil, err
		}
		if commit != nil {
			commits = append(commits, commit)
		}
	}

	for _, commit := range commits {
		commit()
	}
	c.ticks++

	if t.Result != nil && len(commits) > 0 {
		c.log.Debug("frame #%d: %d stage transitions", t.Result.Seq, len(commits))
	}

	return c.Snapshot(), nil
}

// Snapshot returns the last committed outputs of every stage
func (c *Chain) Snapshot() Output {
	out := make(Output)
	for _, s := range c.stages {
		s.emit(out)
	}
	return out
}

// Stages returns the stages in execution order
func (c *Chain) Stages() []Stage {
	return append([]Stage(nil), c.stages...)
}

// Keys returns every output key in stage order
func (c *Chain) Keys() []string {
	var keys []string
	for _, s := range c.stages {
		keys = append(keys, s.Keys()...)
	}
	return keys
}

// Ticks returns the number of committed ticks
func (c *Chain) Ticks() uint64 { return c.ticks }
