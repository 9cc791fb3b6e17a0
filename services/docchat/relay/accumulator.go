// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// turnBufferSize is the capacity of the turn accumulation buffer.
	// 512 KB holds roughly 131,000 tokens at 4 bytes/token, ample for one
	// assistant answer. A turn exceeding it aborts the run.
	turnBufferSize = 512 * 1024

	// minMlockKB is the mlock limit the secure buffer needs.
	minMlockKB = 512
)

var (
	secureMemOnce   sync.Once
	mlockSufficient bool
	mlockLimitKB    int64
)

// TurnAccumulator collects the streamed assistant turn for persistence.
//
// # Description
//
// Chunks are appended as they are relayed and hashed incrementally on
// arrival. The accumulated answer feeds the conversation store, so the
// contents are user data in flight; the secure implementation keeps them in
// mlocked memory so they cannot be swapped to disk, and wipes the buffer
// once the turn is extracted.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type TurnAccumulator interface {
	// Write appends one decoded chunk. Errors after Finalize, Destroy, or
	// a buffer overflow.
	Write(chunk string) error

	// Finalize returns the accumulated answer and its SHA-256 hex hash,
	// then wipes the buffer. Single use.
	Finalize() (answer string, hash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent; use on
	// paths where the turn is not needed.
	Destroy()

	// ID identifies this accumulator instance in logs.
	ID() string
}

// NewTurnAccumulator returns an accumulator for one relay run.
//
// When the process mlock limit allows it, the turn accumulates in a
// memguard locked buffer (guard pages, no swap, explicit wipe). On systems
// without the headroom the plain-memory fallback is used instead, with a
// warning; refusing outright would drop the turn from the transcript, which
// is worse than accumulating it in pageable memory.
func NewTurnAccumulator() TurnAccumulator {
	secureMemOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit too low for secure turn accumulation, falling back to plain memory",
				"limit_kb", mlockLimitKB,
				"required_kb", minMlockKB,
			)
		}
	})

	id := uuid.New().String()
	if !mlockSufficient {
		return &plainTurnAccumulator{
			id:     id,
			data:   make([]byte, 0, turnBufferSize),
			hasher: sha256.New(),
		}
	}

	buf := memguard.NewBuffer(turnBufferSize)
	buf.Melt()
	return &secureTurnAccumulator{
		id:     id,
		buffer: buf,
		hasher: sha256.New(),
	}
}

// checkMlockLimit reads RLIMIT_MEMLOCK. Returns -1 KB for unlimited.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockKB, limitKB
}

// secureTurnAccumulator stores the turn in a memguard locked buffer.
type secureTurnAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureTurnAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("turn accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("turn buffer overflow, answer too large")
	}
	if a.offset+len(chunk) > turnBufferSize {
		a.overflow = true
		return fmt.Errorf("turn buffer overflow: need %d bytes, have %d remaining",
			len(chunk), turnBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], chunk)
	a.offset += len(chunk)
	a.hasher.Write([]byte(chunk))
	return nil
}

func (a *secureTurnAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("turn accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("turn buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized turn accumulator",
		"accumulator_id", a.id,
		"answer_bytes", len(answer),
	)
	return answer, hashStr, nil
}

func (a *secureTurnAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureTurnAccumulator) ID() string { return a.id }

func (a *secureTurnAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// plainTurnAccumulator is the fallback for systems without mlock headroom.
// Same contract, but the turn lives in pageable memory and wiping is best
// effort only.
type plainTurnAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *plainTurnAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("turn accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("turn buffer overflow, answer too large")
	}
	if len(a.data)+len(chunk) > turnBufferSize {
		a.overflow = true
		return fmt.Errorf("turn buffer overflow: need %d bytes, have %d remaining",
			len(chunk), turnBufferSize-len(a.data))
	}

	a.data = append(a.data, chunk...)
	a.hasher.Write([]byte(chunk))
	return nil
}

func (a *plainTurnAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("turn accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("turn buffer overflowed during accumulation")
	}

	answer := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, hashStr, nil
}

func (a *plainTurnAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *plainTurnAccumulator) ID() string { return a.id }

func (a *plainTurnAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}
