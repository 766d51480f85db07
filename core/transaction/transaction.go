package transaction

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/gojostore/core/encoding/bufferstream"
)

// TransactionType is the kind of mutation a logged transaction performs.
type TransactionType int

const (
	TxnTypeSave   TransactionType = iota // Insert of a key that did not exist
	TxnTypeUpdate                        // Replacement of an existing key's value
	TxnTypeDelete                        // Removal of a key
)

const (
	typeName     = "gojostore.Transaction"
	typeEnumName = "gojostore.TransactionType"
)

func (t TransactionType) String() string {
	switch t {
	case TxnTypeSave:
		return "SAVE"
	case TxnTypeUpdate:
		return "UPDATE"
	case TxnTypeDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("TransactionType(%d)", int(t))
	}
}

// EnumName and Ordinal let the type travel through bufferstream as an enum.
func (t TransactionType) EnumName() string { return typeEnumName }
func (t TransactionType) Ordinal() int     { return int(t) }

// Transaction is one logged mutation of a container.
type Transaction struct {
	ID        uuid.UUID
	Type      TransactionType
	Container string
	Key       any
	Value     any // nil for deletes
	Timestamp time.Time
	// LSN is assigned by the log on append and is not part of the encoded
	// payload; the frame carries it.
	LSN uint64
}

// New creates a transaction with a fresh ID stamped with the current time.
func New(typ TransactionType, container string, key, value any) *Transaction {
	return &Transaction{
		ID:        uuid.New(),
		Type:      typ,
		Container: container,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn{lsn=%d id=%s %s %s key=%v}", t.LSN, t.ID, t.Type, t.Container, t.Key)
}

// TypeName implements bufferstream.Object.
func (t *Transaction) TypeName() string { return typeName }

// WriteFields implements bufferstream.Object.
func (t *Transaction) WriteFields(w *bufferstream.Writer) error {
	id := t.ID
	if err := w.WriteBytes(id[:]); err != nil {
		return err
	}
	if err := w.WriteValue(t.Type); err != nil {
		return err
	}
	if err := w.WriteString(t.Container); err != nil {
		return err
	}
	if err := w.WriteValue(t.Key); err != nil {
		return err
	}
	if err := w.WriteValue(t.Value); err != nil {
		return err
	}
	return w.WriteTime(t.Timestamp)
}

// ReadFields implements bufferstream.Object.
func (t *Transaction) ReadFields(r *bufferstream.Reader) error {
	raw, err := r.ReadBytes()
	if err != nil {
		return err
	}
	if t.ID, err = uuid.FromBytes(raw); err != nil {
		return err
	}
	typ, err := r.ReadValue()
	if err != nil {
		return err
	}
	var ok bool
	if t.Type, ok = typ.(TransactionType); !ok {
		return fmt.Errorf("%w: transaction type is %T", bufferstream.ErrTypeMismatch, typ)
	}
	if t.Container, err = r.ReadString(); err != nil {
		return err
	}
	if t.Key, err = r.ReadValue(); err != nil {
		return err
	}
	if t.Value, err = r.ReadValue(); err != nil {
		return err
	}
	t.Timestamp, err = r.ReadTime()
	return err
}

// Register adds the transaction types to reg. DefaultRegistry is registered
// at package initialization.
func Register(reg *bufferstream.Registry) {
	reg.Register(func() bufferstream.Object { return &Transaction{} })
	reg.RegisterEnum(typeEnumName, func(ordinal int) (bufferstream.Enum, bool) {
		if ordinal < int(TxnTypeSave) || ordinal > int(TxnTypeDelete) {
			return nil, false
		}
		return TransactionType(ordinal), true
	})
}

func init() {
	Register(bufferstream.DefaultRegistry)
}

// Encode serializes t with the default registry.
func (t *Transaction) Encode() ([]byte, error) {
	return bufferstream.Serialize(t)
}

// Decode parses a transaction produced by Encode.
func Decode(data []byte) (*Transaction, error) {
	return bufferstream.DeserializeAs[*Transaction](bufferstream.DefaultRegistry, data)
}

// Predicate selects transactions during replay.
type Predicate func(*Transaction) bool

// All accepts every transaction.
func All(*Transaction) bool { return true }

// ForContainer accepts transactions on the named container.
func ForContainer(name string) Predicate {
	return func(t *Transaction) bool { return t.Container == name }
}
