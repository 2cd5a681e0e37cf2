// Package transaction coordinates the single writer and concurrent readers
// of a database. Readers observe the pre-transaction snapshot until a
// checkpoint completes; a writer attempting to checkpoint waits for readers
// to drain, for at most the configured timeout when one is set.
package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type discriminates reader and writer transactions
type Type uint8

const (
	ReadOnly Type = iota
	Write
)

// Transaction is one active reader or writer
type Transaction struct {
	ID      string
	Type    Type
	started time.Time
}

// IsWrite reports whether the transaction is the writer
func (t *Transaction) IsWrite() bool { return t.Type == Write }

// TimeoutError is returned when a checkpoint's bounded wait for readers to
// leave expires. The writer's changes remain uncommitted.
type TimeoutError struct {
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction manager error: timed out after %v waiting for readers to leave", e.Wait)
}

// ErrWriterActive is returned when a second writer tries to begin
type ErrWriterActive struct{}

func (e *ErrWriterActive) Error() string {
	return "transaction manager error: another write transaction is active"
}

// Manager tracks active transactions. There is at most one writer;
// any number of readers run concurrently with it.
type Manager struct {
	mu            sync.Mutex
	activeReaders map[string]*Transaction
	writer        *Transaction

	// CheckpointWaitTimeout bounds how long a checkpointing writer waits
	// for readers to drain. Zero waits indefinitely.
	checkpointWaitTimeout time.Duration
}

// NewManager creates a transaction manager
func NewManager(checkpointWaitTimeout time.Duration) *Manager {
	return &Manager{
		activeReaders:         make(map[string]*Transaction),
		checkpointWaitTimeout: checkpointWaitTimeout,
	}
}

// SetCheckpointWaitTimeout overrides the bounded reader-drain wait
func (m *Manager) SetCheckpointWaitTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointWaitTimeout = d
}

// BeginRead starts a reader transaction
func (m *Manager) BeginRead() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &Transaction{ID: uuid.NewString(), Type: ReadOnly, started: time.Now()}
	m.activeReaders[tx.ID] = tx
	return tx
}

// EndRead finishes a reader transaction
func (m *Manager) EndRead(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activeReaders, tx.ID)
}

// BeginWrite starts the writer transaction; a second concurrent writer is
// rejected.
func (m *Manager) BeginWrite() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer != nil {
		return nil, &ErrWriterActive{}
	}
	tx := &Transaction{ID: uuid.NewString(), Type: Write, started: time.Now()}
	m.writer = tx
	return tx, nil
}

// EndWrite finishes the writer transaction
func (m *Manager) EndWrite(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer != nil && m.writer.ID == tx.ID {
		m.writer = nil
	}
}

// ActiveReaders returns the number of active readers
func (m *Manager) ActiveReaders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeReaders)
}

// HasActiveWriter reports whether a writer is active
func (m *Manager) HasActiveWriter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writer != nil
}

// WaitForReadersToLeave blocks until no readers are active. When the
// configured wait is positive and expires first, a TimeoutError is
// returned and the caller must leave state unchanged.
func (m *Manager) WaitForReadersToLeave() error {
	var deadline time.Time
	m.mu.Lock()
	wait := m.checkpointWaitTimeout
	m.mu.Unlock()
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}
	for {
		if m.ActiveReaders() == 0 {
			return nil
		}
		if wait > 0 && time.Now().After(deadline) {
			return &TimeoutError{Wait: wait}
		}
		time.Sleep(100 * time.Microsecond)
	}
}
