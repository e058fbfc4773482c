package device

import "sync"

// WaitPool is a sync.Pool with an optional ceiling on outstanding
// items. With max == 0 it degenerates to a plain sync.Pool; with a
// ceiling, Get blocks until another goroutine returns an item, bounding
// total buffer memory no matter how fast packets arrive.
type WaitPool struct {
	pool  sync.Pool
	cond  sync.Cond
	mu    sync.Mutex
	count uint32
	max   uint32
}

func NewWaitPool(max uint32, new func() any) *WaitPool {
	p := &WaitPool{pool: sync.Pool{New: new}, max: max}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

func (p *WaitPool) Get() any {
	if p.max != 0 {
		p.mu.Lock()
		for p.count >= p.max {
			p.cond.Wait()
		}
		p.count++
		p.mu.Unlock()
	}
	return p.pool.Get()
}

func (p *WaitPool) Put(val any) {
	p.pool.Put(val)
	if p.max == 0 {
		return
	}
	p.mu.Lock()
	p.count--
	p.cond.Signal()
	p.mu.Unlock()
}

func (d *Device) PopulatePools() {
	d.pools.inItems = NewWaitPool(PreallocatedBufsPerPool, func() any {
		return new(QuInItem)
	})
	d.pools.outItems = NewWaitPool(PreallocatedBufsPerPool, func() any {
		return new(QuOutItem)
	})
	d.pools.msgBufs = NewWaitPool(PreallocatedBufsPerPool, func() any {
		return new([MaxMessageSize]byte)
	})
}

func (d *Device) GetInItem() *QuInItem {
	return d.pools.inItems.Get().(*QuInItem)
}

func (d *Device) PutInItem(item *QuInItem) {
	item.zeroOutPointers()
	d.pools.inItems.Put(item)
}

func (d *Device) GetOutItem() *QuOutItem {
	return d.pools.outItems.Get().(*QuOutItem)
}

func (d *Device) PutOutItem(item *QuOutItem) {
	item.zeroOutPointers()
	d.pools.outItems.Put(item)
}

func (d *Device) GetMsgBuf() *[MaxMessageSize]byte {
	return d.pools.msgBufs.Get().(*[MaxMessageSize]byte)
}

func (d *Device) PutMsgBuf(msg *[MaxMessageSize]byte) {
	d.pools.msgBufs.Put(msg)
}
