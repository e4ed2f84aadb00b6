package hardware

import (
	"encoding/json"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// pulseRecord is the crash-recoverable journal entry for one pulse attempt.
// It is written before the relay is addressed and updated on completion, so
// a process restart can detect a pulse that was in flight when the process
// died and surface it rather than silently losing track of the locker.
type pulseRecord struct {
	KioskID   string    `json:"kiosk_id"`
	LockerID  int       `json:"locker_id"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"` // "started", "completed", "failed"
	Error     string    `json:"error,omitempty"`
}

const pulseKeyPrefix = "pulse:"

func pulseKey(kioskID string, lockerID int, startedAt time.Time) []byte {
	return []byte(pulseKeyPrefix + kioskID + ":" + strconv.Itoa(lockerID) + ":" + startedAt.Format(time.RFC3339Nano))
}

// journal wraps a Badger instance as the pulse journal. A journal with a nil
// db is valid and turns every operation into a no-op, used when the executor runs
// without crash-recovery (e.g. in tests).
type journal struct {
	db *badger.DB
}

func openJournal(dir string) (*journal, error) {
	if dir == "" {
		return &journal{}, nil
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &journal{db: db}, nil
}

func (j *journal) close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *journal) recordStart(kioskID string, lockerID int, startedAt time.Time) error {
	if j.db == nil {
		return nil
	}
	rec := pulseRecord{KioskID: kioskID, LockerID: lockerID, StartedAt: startedAt, Status: "started"}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pulseKey(kioskID, lockerID, startedAt), data)
	})
}

func (j *journal) recordResult(kioskID string, lockerID int, startedAt time.Time, success bool, errMsg string) error {
	if j.db == nil {
		return nil
	}
	status := "completed"
	if !success {
		status = "failed"
	}
	rec := pulseRecord{KioskID: kioskID, LockerID: lockerID, StartedAt: startedAt, Status: status, Error: errMsg}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pulseKey(kioskID, lockerID, startedAt), data)
	})
}

// recoverIncomplete returns every pulse record still marked "started" by a
// prior process, i.e. a pulse that was in flight when the process died.
func (j *journal) recoverIncomplete() ([]pulseRecord, error) {
	if j.db == nil {
		return nil, nil
	}
	var incomplete []pulseRecord
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pulseKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec pulseRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				if rec.Status == "started" {
					incomplete = append(incomplete, rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return incomplete, nil
}
