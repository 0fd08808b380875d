// Package tessera is a host runtime for grid dataflow accelerators.
//
// A device is a rectangular grid of cores, each with a private L1 scratchpad,
// sharing a set of DRAM channels. Work is expressed as programs: reader,
// compute and writer kernels bound to sets of cores, exchanging 32x32 tiles
// through circular buffers in L1.
//
// # Architecture Overview
//
// The runtime is built from a few small pieces:
//
//   - Bank allocator: first-fit address ranges per DRAM channel and per core L1
//   - Circular buffer registry: queue layouts placed at one address across cores
//   - Programs: kernel bindings with compile-time args, defines and per-core
//     runtime args
//   - Work partitioner: splits tiled workloads over the grid by row, column,
//     both, or an existing shard layout
//   - Dispatcher: checks argument lengths, caches built programs and replays
//     them with buffer addresses patched in
//
// The sim package provides an in-memory device that runs host versions of the
// kernels concurrently, one goroutine per kernel, with back-pressure on the
// circular buffers.
//
// # Basic Usage
//
//	cfg := config.Default()
//	m, _ := sim.New(cfg)
//	dev, err := runtime.Open(cfg, m, m)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	a, _ := ops.NewInterleaved(dev, ops.Shape{1, 1, 64, 64}, core.Float16B, "a")
//	b, _ := ops.NewInterleaved(dev, ops.Shape{1, 1, 32, 64}, core.Float16B, "b")
//	out, _ := ops.NewInterleaved(dev, a.Shape, core.Float16B, "out")
//	_, err = ops.Bcast{Math: ops.BcastAdd, Dim: ops.BcastH}.Run(ctx, dev, a, b, out)
//
// # Package Structure
//
//   - core: coordinates, core sets, data formats, errors, argument packing
//   - alloc: bank allocator and buffers
//   - cb: circular buffer configs and the per-device registry
//   - program: kernel bindings, runtime args and address overrides
//   - partition: work partitioning and strategy selection
//   - runtime: device session, dispatcher and plan cache
//   - kernels: host kernels run by the simulated device
//   - sim: simulated device
//   - ops: tensor operations built on the above
//   - cmd: command-line tools (tesrun, tesplan, tesperf)
package tessera
