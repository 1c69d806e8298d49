package bank

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
)

// Field numbers of the TRANSFER and BALANCE_HISTORY payloads.
const (
	fieldSrc    protowire.Number = 1
	fieldDst    protowire.Number = 2
	fieldAmount protowire.Number = 3

	fieldHistoryID    protowire.Number = 1
	fieldHistoryState protowire.Number = 2

	fieldStateBalance protowire.Number = 1
	fieldStateTime    protowire.Number = 2
	fieldStatePending protowire.Number = 3
)

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func (o TransferOrder) Marshal() []byte {
	var b []byte
	b = appendInt(b, fieldSrc, int64(o.Src))
	b = appendInt(b, fieldDst, int64(o.Dst))
	b = appendInt(b, fieldAmount, int64(o.Amount))
	return b
}

func (o *TransferOrder) Unmarshal(b []byte) error {
	*o = TransferOrder{}
	return walk(b, func(num protowire.Number, v int64, _ []byte) error {
		switch num {
		case fieldSrc:
			o.Src = mesh.ProcessID(v)
		case fieldDst:
			o.Dst = mesh.ProcessID(v)
		case fieldAmount:
			o.Amount = Balance(v)
		}
		return nil
	})
}

func (s BalanceState) marshal() []byte {
	var b []byte
	b = appendInt(b, fieldStateBalance, int64(s.Balance))
	b = appendInt(b, fieldStateTime, int64(s.Time))
	b = appendInt(b, fieldStatePending, int64(s.PendingIn))
	return b
}

// Marshal encodes the history. It fails if the history does not fit in one
// message.
func (h BalanceHistory) Marshal() ([]byte, error) {
	if len(h.States) > MaxHistory {
		return nil, fmt.Errorf("%w: %d states", ErrHistoryFull, len(h.States))
	}
	b := appendInt(nil, fieldHistoryID, int64(h.ID))
	for _, s := range h.States {
		b = protowire.AppendTag(b, fieldHistoryState, protowire.BytesType)
		b = protowire.AppendBytes(b, s.marshal())
	}
	if len(b) > dsnet.MaxPayloadLen {
		return nil, fmt.Errorf("%w: history of process %d needs %d bytes", dsnet.ErrPayloadTooLarge, h.ID, len(b))
	}
	return b, nil
}

func (h *BalanceHistory) Unmarshal(b []byte) error {
	*h = BalanceHistory{}
	return walk(b, func(num protowire.Number, v int64, raw []byte) error {
		switch num {
		case fieldHistoryID:
			h.ID = mesh.ProcessID(v)
		case fieldHistoryState:
			if raw == nil {
				return fmt.Errorf("%w: state is not a message", ErrMalformed)
			}
			if len(h.States) == MaxHistory {
				return fmt.Errorf("%w: more than %d states", ErrMalformed, MaxHistory)
			}
			var s BalanceState
			err := walk(raw, func(num protowire.Number, v int64, _ []byte) error {
				switch num {
				case fieldStateBalance:
					s.Balance = Balance(v)
				case fieldStateTime:
					s.Time = lamport.Timestamp(v)
				case fieldStatePending:
					s.PendingIn = Balance(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			h.States = append(h.States, s)
		}
		return nil
	})
}

// walk visits every field of b. Varint fields are zigzag-decoded into v;
// length-delimited fields are passed as raw. Other wire types are skipped.
func walk(b []byte, visit func(num protowire.Number, v int64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v   int64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			x, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			v, n = protowire.DecodeZigZag(x), m
		case protowire.BytesType:
			x, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			raw, n = x, m
			if raw == nil {
				raw = []byte{}
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		b = b[n:]
		if err := visit(num, v, raw); err != nil {
			return err
		}
	}
	return nil
}
