package auth

import "context"

// verdict signals whether a pipeline proceeds past a stage.
type verdict int

const (
	verdictContinue verdict = iota
	// verdictHalt stops the pipeline with the state's outcome already
	// populated; it is not an error.
	verdictHalt
)

// stage is one named step of the login pipeline. Each stage is a plain
// function over the flow state so it can be exercised on its own.
type stage struct {
	name string
	run  func(ctx context.Context, st *loginState) (verdict, error)
}

// pipeline executes stages in declared order. Order is part of the
// contract: throttle runs before credential work, credential work
// before the two-factor hop, tenant resolution before issuance.
type pipeline struct {
	stages []stage
}

// execute runs the stages and returns the name of the stage that ended
// the flow, for audit attribution. An empty name means the pipeline
// ran to completion.
func (p pipeline) execute(ctx context.Context, st *loginState) (string, error) {
	for _, s := range p.stages {
		v, err := s.run(ctx, st)
		if err != nil {
			return s.name, err
		}
		if v == verdictHalt {
			return s.name, nil
		}
	}
	return "", nil
}
