package kernels

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sbl8/tessera/cb"
)

// bcastCompute pops one tile from In0 and In1, applies the configured
// broadcast operation and pushes the result to Out0.
func bcastCompute(ctx context.Context, env Env) error {
	args, _, err := needArgs(env, BcastCompute, CountArgs, 0)
	if err != nil {
		return err
	}
	op, bc, err := bcastDefines(env)
	if err != nil {
		return err
	}

	in0, err := env.Queue(cb.In0)
	if err != nil {
		return err
	}
	in1, err := env.Queue(cb.In1)
	if err != nil {
		return err
	}
	out, err := env.Queue(cb.Out0)
	if err != nil {
		return err
	}

	fa := in0.Descriptor().Format
	fb := in1.Descriptor().Format
	fo := out.Descriptor().Format

	a, b, c := scratch.Get(), scratch.Get(), scratch.Get()
	defer func() {
		scratch.Put(a)
		scratch.Put(b)
		scratch.Put(c)
	}()

	for i := uint32(0); i < args[TileCount]; i++ {
		pa, err := in0.Pop(ctx)
		if err != nil {
			return err
		}
		pb, err := in1.Pop(ctx)
		if err != nil {
			return err
		}
		if err := DecodeTile(fa, pa, a); err != nil {
			return errors.WithMessage(err, "in0")
		}
		if err := DecodeTile(fb, pb, b); err != nil {
			return errors.WithMessage(err, "in1")
		}

		BcastTile(op, bc, a, b, c)
		env.Tick(TileMathCycles)

		page := make([]byte, out.Descriptor().PageSize)
		if err := EncodeTile(fo, c, page); err != nil {
			return errors.WithMessage(err, "out0")
		}
		if err := out.Push(ctx, page); err != nil {
			return err
		}
	}
	return nil
}

func bcastDefines(env Env) (Math, Broadcast, error) {
	llk, ok := env.Define("BCAST_LLKOP")
	if !ok {
		if llk, ok = env.Define("BCAST_OP"); !ok {
			return 0, 0, errors.Errorf("%s on %s: missing BCAST_LLKOP define", BcastCompute, env.Core())
		}
	}
	op, err := ParseMath(llk)
	if err != nil {
		return 0, 0, err
	}
	dim, ok := env.Define("BCAST_DIM")
	if !ok {
		return 0, 0, errors.Errorf("%s on %s: missing BCAST_DIM define", BcastCompute, env.Core())
	}
	bc, err := ParseBroadcast(dim)
	if err != nil {
		return 0, 0, err
	}
	return op, bc, nil
}
