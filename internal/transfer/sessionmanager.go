package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type FileTransfer struct {
	FileInfo         FileInfo
	Direction        TransferDirection
	Status           TransferStatus
	BytesTransferred int64
	StartTime        time.Time
	LastUpdateTime   time.Time
	Error            error
}

// SessionManager records every file transfer of one connection.
type SessionManager struct {
	ID              string
	mu              sync.Mutex
	order           []string
	activeTransfers map[string]*FileTransfer
	now             func() time.Time
}

func NewSession() *SessionManager {
	return NewSessionWithNow(time.Now)
}

// NewSessionWithNow returns a session manager with a custom time source (for tests).
func NewSessionWithNow(now func() time.Time) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		ID:              uuid.NewString(),
		activeTransfers: make(map[string]*FileTransfer),
		now:             now,
	}
}

func (sm *SessionManager) CreateTransfer(info FileInfo, direction TransferDirection) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	transferKey := uuid.NewString()
	now := sm.now()
	sm.activeTransfers[transferKey] = &FileTransfer{
		FileInfo:       info,
		Direction:      direction,
		Status:         PENDING,
		StartTime:      now,
		LastUpdateTime: now,
	}
	sm.order = append(sm.order, transferKey)
	return transferKey
}

func (sm *SessionManager) UpdateTransferProgress(transferID string, bytestransferred int64) error {
	return sm.update(transferID, func(t *FileTransfer) {
		t.BytesTransferred = bytestransferred
		t.Status = TRANSFERRING
	})
}

func (sm *SessionManager) SetPath(transferID string, path string) error {
	return sm.update(transferID, func(t *FileTransfer) {
		t.FileInfo.Path = path
	})
}

func (sm *SessionManager) CompleteTransfer(transferID string, bytestransferred int64) error {
	return sm.update(transferID, func(t *FileTransfer) {
		t.BytesTransferred = bytestransferred
		t.Status = COMPLETED
	})
}

func (sm *SessionManager) SkipTransfer(transferID string) error {
	return sm.update(transferID, func(t *FileTransfer) {
		t.Status = SKIPPED
	})
}

func (sm *SessionManager) FailTransfer(transferID string, err error) error {
	return sm.update(transferID, func(t *FileTransfer) {
		t.Status = FAILED
		t.Error = err
	})
}

func (sm *SessionManager) update(transferID string, fn func(*FileTransfer)) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	transfer, exists := sm.activeTransfers[transferID]
	if !exists {
		return fmt.Errorf("transfer not found %s", transferID)
	}
	fn(transfer)
	transfer.LastUpdateTime = sm.now()
	return nil
}

// Result summarises one transfer.
func (sm *SessionManager) Result(transferID string) (Result, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	t, exists := sm.activeTransfers[transferID]
	if !exists {
		return Result{}, fmt.Errorf("transfer not found %s", transferID)
	}
	return resultOf(t), nil
}

// Results lists every transfer in creation order.
func (sm *SessionManager) Results() []Result {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]Result, 0, len(sm.order))
	for _, key := range sm.order {
		out = append(out, resultOf(sm.activeTransfers[key]))
	}
	return out
}

func resultOf(t *FileTransfer) Result {
	return Result{
		File:    t.FileInfo,
		Status:  t.Status,
		Bytes:   t.BytesTransferred,
		Elapsed: t.LastUpdateTime.Sub(t.StartTime),
	}
}
