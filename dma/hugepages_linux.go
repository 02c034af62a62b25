//go:build linux

package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	DefaultHugepageSize = 2 << 20
	DefaultNumFrames    = 4096
	DefaultFrameSize    = 2048
)

var (
	ErrFrameSize       = errors.New("FrameSize must be a power of two that divides PageSize")
	ErrPageNotPresent  = errors.New("page not present in pagemap")
	ErrPagemapNoAccess = errors.New("pagemap hides physical frame numbers (CAP_SYS_ADMIN required)")
)

// HugepagesConfig configures a Hugepages allocator.
type HugepagesConfig struct {
	// PageSize is the hugepage size in bytes. Coherent buffers cannot be
	// larger than one page because only a single page is guaranteed to be
	// physically contiguous.
	PageSize int `yaml:"page_size"`
	// NumFrames is the number of transmit bounce frames.
	NumFrames int `yaml:"num_frames"`
	// FrameSize is the size of each bounce frame and the largest payload
	// that can be mapped.
	FrameSize int `yaml:"frame_size"`
}

func (c *HugepagesConfig) ValidateAndSetDefaults() error {
	if c.PageSize == 0 {
		c.PageSize = DefaultHugepageSize
	}
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.FrameSize&(c.FrameSize-1) != 0 || c.FrameSize > c.PageSize ||
		c.PageSize%c.FrameSize != 0 {
		return ErrFrameSize
	}
	return nil
}

// Hugepages allocates DMA memory from locked hugepages and resolves bus
// addresses through /proc/self/pagemap. It assumes no IOMMU translation, so
// bus addresses equal physical addresses.
//
// Payloads are mapped by copying them into a pool of bounce frames carved out
// of hugepages at construction time. A mapping fails when the pool is empty.
//
// Hugepages is safe for concurrent use.
type Hugepages struct {
	conf HugepagesConfig

	lock    sync.Mutex
	regions map[uint64][]byte

	pool       [][]byte
	frames     [][]byte
	frameBus   []uint64
	frameInUse []bool
	freeFrames []int
	freeCount  int
}

// NewHugepages creates the allocator and its bounce frame pool.
func NewHugepages(conf HugepagesConfig) (*Hugepages, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	h := &Hugepages{
		conf:       conf,
		regions:    make(map[uint64][]byte),
		frames:     make([][]byte, 0, conf.NumFrames),
		frameBus:   make([]uint64, 0, conf.NumFrames),
		frameInUse: make([]bool, conf.NumFrames),
		freeFrames: make([]int, conf.NumFrames),
	}

	perPage := conf.PageSize / conf.FrameSize
	for len(h.frames) < conf.NumFrames {
		mem, bus, err := h.mapPage(conf.PageSize)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("allocating frame pool: %w", err)
		}
		h.pool = append(h.pool, mem)
		for i := 0; i < perPage && len(h.frames) < conf.NumFrames; i++ {
			off := i * conf.FrameSize
			h.frames = append(h.frames, mem[off:off+conf.FrameSize:off+conf.FrameSize])
			h.frameBus = append(h.frameBus, bus+uint64(off))
		}
	}

	// Local free-frame stack.
	for i := range h.freeFrames {
		h.freeFrames[i] = i
	}
	h.freeCount = conf.NumFrames
	return h, nil
}

// mapPage maps size bytes of locked, populated hugepage memory and returns it
// along with its bus address.
func (h *Hugepages) mapPage(size int) ([]byte, uint64, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_POPULATE|unix.MAP_LOCKED,
	)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return nil, 0, fmt.Errorf("mmap hugepage: %w", ErrExhausted)
		}
		return nil, 0, fmt.Errorf("mmap hugepage: %w", err)
	}
	bus, err := virtToPhys(uintptr(unsafe.Pointer(&mem[0])))
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, 0, err
	}
	return mem, bus, nil
}

// Alloc implements Allocator.
func (h *Hugepages) Alloc(size int) (Buffer, error) {
	if size <= 0 || size > h.conf.PageSize {
		return Buffer{}, fmt.Errorf("allocating %d bytes (page size %d): %w",
			size, h.conf.PageSize, ErrBadSize)
	}
	mem, bus, err := h.mapPage(h.conf.PageSize)
	if err != nil {
		return Buffer{}, err
	}

	h.lock.Lock()
	h.regions[bus] = mem
	h.lock.Unlock()

	return Buffer{Mem: mem[:size:size], Bus: bus}, nil
}

// Free implements Allocator.
func (h *Hugepages) Free(b Buffer) error {
	h.lock.Lock()
	mem, ok := h.regions[b.Bus]
	delete(h.regions, b.Bus)
	h.lock.Unlock()

	if !ok {
		return fmt.Errorf("freeing bus address %#x: %w", b.Bus, ErrUnknownBuffer)
	}
	return unix.Munmap(mem)
}

// Map implements Mapper.
func (h *Hugepages) Map(p []byte) (Mapping, error) {
	if len(p) == 0 || len(p) > h.conf.FrameSize {
		return Mapping{}, fmt.Errorf("mapping %d bytes (frame size %d): %w",
			len(p), h.conf.FrameSize, ErrMapFailed)
	}

	h.lock.Lock()
	if h.freeCount == 0 {
		h.lock.Unlock()
		return Mapping{}, fmt.Errorf("no free bounce frames: %w", ErrMapFailed)
	}
	h.freeCount--
	f := h.freeFrames[h.freeCount]
	h.frameInUse[f] = true
	h.lock.Unlock()

	n := copy(h.frames[f], p)
	return Mapping{Addr: h.frameBus[f], Len: uint32(n), frame: f}, nil
}

// Unmap implements Mapper.
func (h *Hugepages) Unmap(m Mapping) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	f := m.frame
	if f < 0 || f >= len(h.frames) || !h.frameInUse[f] || h.frameBus[f] != m.Addr {
		return fmt.Errorf("unmapping bus address %#x: %w", m.Addr, ErrUnknownMap)
	}
	h.frameInUse[f] = false
	h.freeFrames[h.freeCount] = f
	h.freeCount++
	return nil
}

// FreeFrames returns the number of bounce frames available for mapping.
func (h *Hugepages) FreeFrames() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.freeCount
}

// Close unmaps the frame pool and every coherent buffer still allocated.
func (h *Hugepages) Close() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	var errs []error
	for bus, mem := range h.regions {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping buffer %#x: %w", bus, err))
		}
		delete(h.regions, bus)
	}
	for _, mem := range h.pool {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping frame pool: %w", err))
		}
	}
	h.pool, h.frames, h.frameBus = nil, nil, nil
	h.freeCount = 0
	return errors.Join(errs...)
}

// virtToPhys translates a virtual address of this process into a physical
// address by reading its pagemap entry.
// See https://www.kernel.org/doc/Documentation/vm/pagemap.txt
func virtToPhys(virt uintptr) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, fmt.Errorf("opening pagemap: %w", err)
	}
	defer f.Close()

	pageSize := uintptr(os.Getpagesize())
	var entry [8]byte
	if _, err := f.ReadAt(entry[:], int64(virt/pageSize)*8); err != nil {
		return 0, fmt.Errorf("reading pagemap entry for %#x: %w", virt, err)
	}
	return decodePagemapEntry(binary.LittleEndian.Uint64(entry[:]), virt, pageSize)
}

func decodePagemapEntry(e uint64, virt, pageSize uintptr) (uint64, error) {
	const (
		present = 1 << 63
		pfnMask = 1<<55 - 1
	)
	if e&present == 0 {
		return 0, ErrPageNotPresent
	}
	pfn := e & pfnMask
	if pfn == 0 {
		return 0, ErrPagemapNoAccess
	}
	return pfn*uint64(pageSize) + uint64(virt%pageSize), nil
}
