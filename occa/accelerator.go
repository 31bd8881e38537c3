package occa

import (
	"fmt"
	"github.com/notargets/gocca"
	"github.com/notargets/sfcdomain/backend"
	"github.com/notargets/sfcdomain/sfc"
	"sort"
	"unsafe"
)

// Accelerator runs the domain loops as OCCA kernels. Inputs are copied into
// pooled device buffers for every call and results copied back.
type Accelerator struct {
	Device       *gocca.OCCADevice
	Kernels      map[string]*gocca.OCCAKernel
	PooledMemory map[string]*gocca.OCCAMemory
	pooledBytes  map[string]int64
	ownsDevice   bool
}

var _ backend.Accelerator = (*Accelerator)(nil)

// New compiles the kernels on device. The device stays owned by the caller.
func New(device *gocca.OCCADevice) (*Accelerator, error) {
	acc := &Accelerator{
		Device:       device,
		Kernels:      make(map[string]*gocca.OCCAKernel),
		PooledMemory: make(map[string]*gocca.OCCAMemory),
		pooledBytes:  make(map[string]int64),
	}
	names := make([]string, 0, len(kernelSources))
	for name := range kernelSources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := acc.BuildKernel(kernelSources[name], name); err != nil {
			acc.Close()
			return nil, err
		}
	}
	return acc, nil
}

// NewFromProps creates a device from props (see CreateDevice) and an
// accelerator that frees it on Close
func NewFromProps(props ...string) (*Accelerator, error) {
	device, err := CreateDevice(props...)
	if err != nil {
		return nil, err
	}
	acc, err := New(device)
	if err != nil {
		device.Free()
		return nil, err
	}
	acc.ownsDevice = true
	return acc, nil
}

// BuildKernel compiles and registers a kernel
func (acc *Accelerator) BuildKernel(kernelSource, kernelName string) (*gocca.OCCAKernel, error) {
	fullSource := kernelPreamble + "\n" + kernelSource

	var (
		kernel *gocca.OCCAKernel
		err    error
	)
	if acc.Device.Mode() == "OpenMP" {
		// OpenMP does not get -O3 by default
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = acc.Device.BuildKernelFromString(fullSource, kernelName, props)
	} else {
		kernel, err = acc.Device.BuildKernelFromString(fullSource, kernelName, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", kernelName, err)
	}
	if kernel == nil {
		return nil, fmt.Errorf("kernel build returned nil for %s", kernelName)
	}
	acc.Kernels[kernelName] = kernel
	return kernel, nil
}

func (acc *Accelerator) Name() string {
	return "occa-" + acc.Device.Mode()
}

// Close releases kernels and pooled memory, and the device if it was
// created by NewFromProps
func (acc *Accelerator) Close() error {
	for name, kernel := range acc.Kernels {
		kernel.Free()
		delete(acc.Kernels, name)
	}
	for name, mem := range acc.PooledMemory {
		mem.Free()
		delete(acc.PooledMemory, name)
		delete(acc.pooledBytes, name)
	}
	if acc.ownsDevice && acc.Device != nil {
		acc.Device.Free()
		acc.Device = nil
	}
	return nil
}

// buffer returns a pooled device allocation of at least bytes, growing it
// when needed. Contents are undefined.
func (acc *Accelerator) buffer(name string, bytes int64) *gocca.OCCAMemory {
	if mem, ok := acc.PooledMemory[name]; ok {
		if acc.pooledBytes[name] >= bytes {
			return mem
		}
		mem.Free()
	}
	mem := acc.Device.Malloc(bytes, nil, nil)
	acc.PooledMemory[name] = mem
	acc.pooledBytes[name] = bytes
	return mem
}

func uploadFloat(acc *Accelerator, name string, v []float64) *gocca.OCCAMemory {
	bytes := int64(len(v) * 8)
	mem := acc.buffer(name, bytes)
	mem.CopyFrom(unsafe.Pointer(&v[0]), bytes)
	return mem
}

func uploadKeys(acc *Accelerator, name string, v []sfc.Key) *gocca.OCCAMemory {
	bytes := int64(len(v) * 8)
	mem := acc.buffer(name, bytes)
	mem.CopyFrom(unsafe.Pointer(&v[0]), bytes)
	return mem
}

func (acc *Accelerator) run(name string, args ...interface{}) error {
	kernel, ok := acc.Kernels[name]
	if !ok {
		return fmt.Errorf("kernel %s not compiled", name)
	}
	if err := kernel.RunWithArgs(args...); err != nil {
		return fmt.Errorf("kernel %s execution failed: %w", name, err)
	}
	acc.Device.Finish()
	return nil
}

func (acc *Accelerator) ComputeKeys(box sfc.Box, x, y, z []float64, keys []sfc.Key) error {
	n := len(keys)
	if err := backend.CheckLengths("compute keys", n, len(x), len(y), len(z)); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	xMem := uploadFloat(acc, "x", x)
	yMem := uploadFloat(acc, "y", y)
	zMem := uploadFloat(acc, "z", z)
	keysMem := acc.buffer("keys", int64(n*8))
	inv := box.InvLengths()
	if err := acc.run("computeKeys", int32(n), xMem, yMem, zMem, keysMem,
		box.Lo[0], box.Lo[1], box.Lo[2], inv[0], inv[1], inv[2]); err != nil {
		return err
	}
	keysMem.CopyTo(unsafe.Pointer(&keys[0]), int64(n*8))
	return nil
}

func (acc *Accelerator) NodeCounts(tree, sortedKeys []sfc.Key) ([]uint32, error) {
	nLeaves := len(tree) - 1
	counts := make([]uint32, nLeaves)
	if len(sortedKeys) == 0 {
		return counts, nil
	}
	treeMem := uploadKeys(acc, "tree", tree)
	keysMem := uploadKeys(acc, "keys", sortedKeys)
	countsMem := acc.buffer("counts", int64(nLeaves*4))
	if err := acc.run("nodeCounts", int32(nLeaves), treeMem, int32(len(sortedKeys)),
		keysMem, countsMem); err != nil {
		return nil, err
	}
	countsMem.CopyTo(unsafe.Pointer(&counts[0]), int64(nLeaves*4))
	return counts, nil
}

func (acc *Accelerator) LeafMax(tree, sortedKeys []sfc.Key, values []float64) ([]float64, error) {
	if err := backend.CheckLengths("leaf max", len(sortedKeys), len(values)); err != nil {
		return nil, err
	}
	nLeaves := len(tree) - 1
	out := make([]float64, nLeaves)
	if len(sortedKeys) == 0 {
		return out, nil
	}
	treeMem := uploadKeys(acc, "tree", tree)
	keysMem := uploadKeys(acc, "keys", sortedKeys)
	valuesMem := uploadFloat(acc, "x", values)
	outMem := acc.buffer("leafOut", int64(nLeaves*8))
	if err := acc.run("leafMax", int32(nLeaves), treeMem, int32(len(sortedKeys)),
		keysMem, valuesMem, outMem); err != nil {
		return nil, err
	}
	outMem.CopyTo(unsafe.Pointer(&out[0]), int64(nLeaves*8))
	return out, nil
}

func (acc *Accelerator) LeafCoordSums(tree, sortedKeys []sfc.Key, x, y, z []float64) ([]float64, error) {
	if err := backend.CheckLengths("leaf coordinate sums", len(sortedKeys), len(x), len(y), len(z)); err != nil {
		return nil, err
	}
	nLeaves := len(tree) - 1
	out := make([]float64, 4*nLeaves)
	if len(sortedKeys) == 0 {
		return out, nil
	}
	treeMem := uploadKeys(acc, "tree", tree)
	keysMem := uploadKeys(acc, "keys", sortedKeys)
	xMem := uploadFloat(acc, "x", x)
	yMem := uploadFloat(acc, "y", y)
	zMem := uploadFloat(acc, "z", z)
	outMem := acc.buffer("leafOut", int64(len(out)*8))
	if err := acc.run("leafCoordSums", int32(nLeaves), treeMem, int32(len(sortedKeys)),
		keysMem, xMem, yMem, zMem, outMem); err != nil {
		return nil, err
	}
	outMem.CopyTo(unsafe.Pointer(&out[0]), int64(len(out)*8))
	return out, nil
}

// Argsort sorts on the host. A stable device sort would have to reproduce
// the host tie order exactly, so the permutation is shared instead.
func (acc *Accelerator) Argsort(keys []sfc.Key) ([]int, error) {
	return backend.StableArgsort(keys), nil
}

func uploadOrder(acc *Accelerator, order []int) *gocca.OCCAMemory {
	order64 := make([]int64, len(order))
	for i, v := range order {
		order64[i] = int64(v)
	}
	bytes := int64(len(order64) * 8)
	mem := acc.buffer("order", bytes)
	mem.CopyFrom(unsafe.Pointer(&order64[0]), bytes)
	return mem
}

func (acc *Accelerator) GatherFloat(order []int, src, dst []float64) error {
	n := len(order)
	if err := backend.CheckLengths("gather", n, len(src), len(dst)); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	orderMem := uploadOrder(acc, order)
	srcMem := uploadFloat(acc, "x", src)
	dstMem := acc.buffer("y", int64(n*8))
	if err := acc.run("gatherDouble", int32(n), orderMem, srcMem, dstMem); err != nil {
		return err
	}
	dstMem.CopyTo(unsafe.Pointer(&dst[0]), int64(n*8))
	return nil
}

func (acc *Accelerator) GatherKeys(order []int, src, dst []sfc.Key) error {
	n := len(order)
	if err := backend.CheckLengths("gather", n, len(src), len(dst)); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	orderMem := uploadOrder(acc, order)
	srcMem := uploadKeys(acc, "keys", src)
	dstMem := acc.buffer("tree", int64(n*8))
	if err := acc.run("gatherKeys", int32(n), orderMem, srcMem, dstMem); err != nil {
		return err
	}
	dstMem.CopyTo(unsafe.Pointer(&dst[0]), int64(n*8))
	return nil
}
