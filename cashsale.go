package main

import (
	"context"
	"sync/atomic"

	"github.com/juju/loggo"
)

var cashsaleLogger = loggo.GetLogger("cashsale")

const cashSaleQueueCapacity = 10

// CashSale is a cash-sale record, pushed by the protocol task on
// VEND/CASH_SALE receipt and drained by a dedicated consumer.
type CashSale struct {
	Price uint16
	Item  uint16
}

// CashSaleForwarder is a bounded single-producer/single-consumer queue
// that never blocks the protocol task. On overflow it drops
// the newest record and logs once per overflow episode, clearing the
// "already logged" flag as soon as the queue has room again.
type CashSaleForwarder struct {
	queue    chan CashSale
	backend  Backend
	overflow atomic.Bool
}

func NewCashSaleForwarder(backend Backend) *CashSaleForwarder {
	return &CashSaleForwarder{
		queue:   make(chan CashSale, cashSaleQueueCapacity),
		backend: backend,
	}
}

// Push is called from the protocol task. It never blocks: on a full queue
// the new record is dropped (cash is already in the coin mechanism; there
// is nothing to roll back) and a single warning is logged per overflow
// episode rather than once per dropped record.
func (f *CashSaleForwarder) Push(sale CashSale) {
	select {
	case f.queue <- sale:
		f.overflow.Store(false)
		metricCashSalesForwarded.Inc(1)
	default:
		if f.overflow.CompareAndSwap(false, true) {
			cashsaleLogger.Warningf("cash-sale queue full, dropping %+v and further records until it drains", sale)
		}
		metricCashSalesDropped.Inc(1)
	}
}

// Run drains the queue and forwards each record to the backend. Meant to be
// run in its own goroutine; returns when ctx is cancelled and the queue is
// empty.
func (f *CashSaleForwarder) Run(ctx context.Context) {
	for {
		select {
		case sale := <-f.queue:
			f.forward(ctx, sale)
		case <-ctx.Done():
			return
		}
	}
}

func (f *CashSaleForwarder) forward(ctx context.Context, sale CashSale) {
	err := f.backend.MakeCashPurchase(ctx, int(sale.Price), int(sale.Item))
	if err != nil {
		cashsaleLogger.Errorf("make cash purchase %+v failed, discarding: %v", sale, err)
		metricBackendFailures.Inc(1)
		return
	}
	cashsaleLogger.Infof("forwarded cash sale %+v", sale)
}
