// Package coder provides the payload transcoder used by unicast1 test
// instances. It turns a block of application data into a stream of
// independently-valid coded payloads and reconstructs the block from
// any sufficiently large subset of them.
//
// The implementation is a systematic Reed-Solomon code: the block is
// split into data shards, parity shards are computed once, and the
// payload stream cycles round-robin over all shards so it can be
// extended indefinitely. Each payload is a 4-byte big-endian shard
// index followed by one shard.
package coder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/spec"
)

// headerLen is the length of the shard index header on every payload.
const headerLen = spec.PayloadHeaderSize

// ErrBadBlockSize is returned by SetSymbols when the input does not
// match the configured block size.
var ErrBadBlockSize = errors.New("input length does not match block size")

// Transcoder is the stateful encode/decode engine operating over
// fixed-size symbol blocks. A sending instance calls SetSymbols once
// and then WritePayload repeatedly; a receiving instance feeds
// payloads to ReadPayload until IsComplete reports true.
type Transcoder interface {
	// BlockSize returns the size in bytes of the block of application
	// data covered by one test.
	BlockSize() int
	// SetSymbols loads a block of application data into the encoder.
	SetSymbols(data []byte) error
	// WritePayload produces the next coded payload.
	WritePayload() ([]byte, error)
	// ReadPayload feeds a received coded payload to the decoder.
	// Malformed payloads are ignored.
	ReadPayload(payload []byte)
	// IsComplete reports whether the decoder holds enough payloads to
	// reconstruct the block.
	IsComplete() bool
}

// ReedSolomon is the Reed-Solomon backed Transcoder.
type ReedSolomon struct {
	enc        reedsolomon.Encoder
	symbols    int
	symbolSize int
	parity     int

	// shards holds data+parity shards. On the sending side they are
	// all populated by SetSymbols; on the receiving side they fill in
	// one ReadPayload at a time.
	shards   [][]byte
	next     uint64
	received int
	complete bool
}

// New returns a Transcoder for the given block shape. The number of
// parity shards equals the number of data shards, so the distinct
// payload space is twice the block and the round-robin stream repeats
// beyond that.
func New(symbols, symbolSize int) (*ReedSolomon, error) {
	if symbols <= 0 || symbolSize <= 0 {
		return nil, fmt.Errorf("invalid block shape: %dx%d", symbols, symbolSize)
	}
	parity := symbols
	enc, err := reedsolomon.New(symbols, parity)
	if err != nil {
		return nil, err
	}
	return &ReedSolomon{
		enc:        enc,
		symbols:    symbols,
		symbolSize: symbolSize,
		parity:     parity,
		shards:     make([][]byte, symbols+parity),
	}, nil
}

// BlockSize returns symbols * symbolSize.
func (r *ReedSolomon) BlockSize() int {
	return r.symbols * r.symbolSize
}

// SetSymbols splits data into data shards and computes the parity
// shards. The input length must equal BlockSize.
func (r *ReedSolomon) SetSymbols(data []byte) error {
	if len(data) != r.BlockSize() {
		return ErrBadBlockSize
	}
	for i := 0; i < r.symbols; i++ {
		shard := make([]byte, r.symbolSize)
		copy(shard, data[i*r.symbolSize:(i+1)*r.symbolSize])
		r.shards[i] = shard
	}
	for i := r.symbols; i < len(r.shards); i++ {
		r.shards[i] = make([]byte, r.symbolSize)
	}
	if err := r.enc.Encode(r.shards); err != nil {
		return err
	}
	r.complete = true
	return nil
}

// WritePayload returns the next coded payload, cycling over data and
// parity shards. It fails if SetSymbols has not been called.
func (r *ReedSolomon) WritePayload() ([]byte, error) {
	if !r.complete {
		return nil, errors.New("no symbols loaded")
	}
	idx := int(r.next % uint64(len(r.shards)))
	r.next++
	payload := make([]byte, headerLen+r.symbolSize)
	binary.BigEndian.PutUint32(payload, uint32(idx))
	copy(payload[headerLen:], r.shards[idx])
	return payload, nil
}

// ReadPayload stores the shard carried by payload. Payloads with a
// malformed header, an out-of-range index or the wrong shard size are
// dropped; duplicates are counted only once.
func (r *ReedSolomon) ReadPayload(payload []byte) {
	if r.complete || len(payload) != headerLen+r.symbolSize {
		return
	}
	idx := int(binary.BigEndian.Uint32(payload))
	if idx >= len(r.shards) {
		return
	}
	if r.shards[idx] != nil {
		return
	}
	shard := make([]byte, r.symbolSize)
	copy(shard, payload[headerLen:])
	r.shards[idx] = shard
	r.received++
	if r.received >= r.symbols {
		// Any `symbols` distinct shards are enough to rebuild the
		// block.
		if err := r.enc.Reconstruct(r.shards); err == nil {
			r.complete = true
		}
	}
}

// IsComplete reports whether the block can be reconstructed.
func (r *ReedSolomon) IsComplete() bool {
	return r.complete
}

// Block returns the reconstructed block of application data, or nil if
// the decoder is not complete.
func (r *ReedSolomon) Block() []byte {
	if !r.complete {
		return nil
	}
	block := make([]byte, 0, r.BlockSize())
	for i := 0; i < r.symbols; i++ {
		block = append(block, r.shards[i]...)
	}
	return block
}

var _ Transcoder = &ReedSolomon{}
