package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"

	"github.com/toolpay/toolpayd/domain/pay"
	"github.com/toolpay/toolpayd/settlement"
)

// devSender is a stand-in payment rail for local operation: it performs
// no transfer and returns a deterministic signature derived from the
// payout parameters and an attempt counter.
type devSender struct {
	attempts atomic.Uint64
}

func newDevSender() *devSender {
	return &devSender{}
}

func (d *devSender) Send(ctx context.Context, recipientID string, amount pay.Lamports) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(amount))
	binary.BigEndian.PutUint64(buf[8:], d.attempts.Add(1))

	h := sha256.New()
	h.Write([]byte(recipientID))
	h.Write(buf[:])
	return "dev-" + hex.EncodeToString(h.Sum(nil)[:16]), nil
}

var _ settlement.PaymentSender = (*devSender)(nil)
