package kernels

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/cb"
	"github.com/sbl8/tessera/core"
)

// TileAt returns the i-th tile of a strided run: runs of inner consecutive
// tiles starting every stride tiles from start.
func TileAt(start, inner, stride, i uint32) uint32 {
	if inner == 0 {
		return start + i
	}
	return start + (i/inner)*stride + i%inner
}

// BroadcastTile maps tile t of input a onto the tile of b it is combined with.
// a is ht x wt tiles per batch and b collapses the broadcast dimension to one
// tile; batched says whether b carries its own batch.
func BroadcastTile(t, ht, wt, dim uint32, batched bool) uint32 {
	row := t / wt
	batch := uint32(0)
	if batched {
		batch = row / ht
	}
	switch dim {
	case DimH:
		return batch*wt + t%wt
	case DimW:
		return batch*ht + row%ht
	default:
		return batch
	}
}

// InterleavedPage locates a page of a DRAM buffer interleaved over banks.
func InterleavedPage(base, page, pageSize, banks uint32) (alloc.BankID, uint32) {
	return alloc.DRAMBank(int(page % banks)), base + (page/banks)*pageSize
}

func needArgs(env Env, name string, runtime, compile int) ([]uint32, []uint32, error) {
	args, cargs := env.Args(), env.CompileArgs()
	if len(args) < runtime {
		return nil, nil, errors.Wrapf(core.ErrArgumentCountMismatch, "%s on %s: %d runtime args, want %d", name, env.Core(), len(args), runtime)
	}
	if len(cargs) < compile {
		return nil, nil, errors.Wrapf(core.ErrArgumentCountMismatch, "%s on %s: %d compile args, want %d", name, env.Core(), len(cargs), compile)
	}
	if compile > CompileBanks && cargs[CompileBanks] == 0 {
		return nil, nil, errors.Errorf("%s on %s: zero DRAM banks", name, env.Core())
	}
	if compile > CompileWt && (cargs[CompileHt] == 0 || cargs[CompileWt] == 0) {
		return nil, nil, errors.Errorf("%s on %s: empty tile grid", name, env.Core())
	}
	return args, cargs, nil
}

func readPage(ctx context.Context, env Env, base, page, size uint32, cargs []uint32) ([]byte, error) {
	bank, addr := InterleavedPage(base, page, size, cargs[CompileBanks])
	env.Tick(nocCycles(size))
	return env.Read(ctx, bank, addr, size)
}

// readerInterleaved streams a's tiles into In0 and the matching b tiles into
// In1, both from interleaved DRAM.
func readerInterleaved(ctx context.Context, env Env) error {
	args, cargs, err := needArgs(env, ReaderInterleaved, ReaderArgs, CompileArgs)
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

	batched := cargs[CompileBatchedB] != 0
	for i := uint32(0); i < args[ReaderCount]; i++ {
		t := TileAt(args[ReaderStart], args[ReaderInner], args[ReaderStride], i)
		page, err := readPage(ctx, env, args[ReaderSrcA], t, cargs[CompilePageSize], cargs)
		if err != nil {
			return errors.WithMessagef(err, "read a tile %d", t)
		}
		if err := in0.Push(ctx, page); err != nil {
			return err
		}

		bt := BroadcastTile(t, cargs[CompileHt], cargs[CompileWt], cargs[CompileBcastDim], batched)
		page, err = readPage(ctx, env, args[ReaderSrcB], bt, cargs[CompilePageSizeB], cargs)
		if err != nil {
			return errors.WithMessagef(err, "read b tile %d", bt)
		}
		if err := in1.Push(ctx, page); err != nil {
			return err
		}
	}
	return nil
}

// readerSharded publishes the core's resident a shard and streams b from DRAM.
func readerSharded(ctx context.Context, env Env) error {
	args, cargs, err := needArgs(env, ReaderSharded, ShardReaderArgs, CompileArgs)
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

	n := args[ShardReaderCount]
	if err := in0.PushResident(ctx, int(n)); err != nil {
		return err
	}
	batched := cargs[CompileBatchedB] != 0
	for i := uint32(0); i < n; i++ {
		t := TileAt(args[ShardReaderStart], args[ShardReaderInner], args[ShardReaderStride], i)
		bt := BroadcastTile(t, cargs[CompileHt], cargs[CompileWt], cargs[CompileBcastDim], batched)
		page, err := readPage(ctx, env, args[ShardReaderSrcB], bt, cargs[CompilePageSizeB], cargs)
		if err != nil {
			return errors.WithMessagef(err, "read b tile %d", bt)
		}
		if err := in1.Push(ctx, page); err != nil {
			return err
		}
	}
	return nil
}

// writerInterleaved drains Out0 into interleaved DRAM.
func writerInterleaved(ctx context.Context, env Env) error {
	args, cargs, err := needArgs(env, WriterInterleaved, WriterArgs, CompileBanks+1)
	if err != nil {
		return err
	}
	out, err := env.Queue(cb.Out0)
	if err != nil {
		return err
	}

	size := cargs[CompilePageSize]
	for i := uint32(0); i < args[WriterCount]; i++ {
		page, err := out.Pop(ctx)
		if err != nil {
			return err
		}
		t := TileAt(args[WriterStart], args[WriterInner], args[WriterStride], i)
		bank, addr := InterleavedPage(args[WriterDst], t, size, cargs[CompileBanks])
		env.Tick(nocCycles(size))
		if err := env.Write(ctx, bank, addr, page); err != nil {
			return errors.WithMessagef(err, "write tile %d", t)
		}
	}
	return nil
}

// writerSharded waits for the output shard to fill. Out0 is allocated over
// the output tensor, so the pages are already in place.
func writerSharded(ctx context.Context, env Env) error {
	args, _, err := needArgs(env, WriterSharded, CountArgs, 0)
	if err != nil {
		return err
	}
	out, err := env.Queue(cb.Out0)
	if err != nil {
		return err
	}
	for i := uint32(0); i < args[TileCount]; i++ {
		if _, err := out.Pop(ctx); err != nil {
			return err
		}
	}
	return nil
}
