package editlog

import (
	"fmt"

	"github.com/devrev/pairfs/internal/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the record wire format
const (
	fieldTxID          protowire.Number = 1
	fieldOp            protowire.Number = 2
	fieldPath          protowire.Number = 3
	fieldDst           protowire.Number = 4
	fieldTimestamp     protowire.Number = 5
	fieldReplication   protowire.Number = 6
	fieldBlockSize     protowire.Number = 7
	fieldClientName    protowire.Number = 8
	fieldClientMachine protowire.Number = 9
	fieldNSQuota       protowire.Number = 10
	fieldDSQuota       protowire.Number = 11
	fieldBlock         protowire.Number = 12
	fieldLastUC        protowire.Number = 13
	fieldGenStamp      protowire.Number = 14
	fieldOverwrite     protowire.Number = 15
	fieldRecursive     protowire.Number = 16
	fieldOwner         protowire.Number = 17
	fieldGroup         protowire.Number = 18
	fieldPermission    protowire.Number = 19

	blockFieldID       protowire.Number = 1
	blockFieldGenStamp protowire.Number = 2
	blockFieldNumBytes protowire.Number = 3
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, protowire.EncodeBool(v))
}

// Encode serializes a record in protobuf wire format
func Encode(r *Record) []byte {
	var b []byte
	b = appendVarint(b, fieldTxID, uint64(r.TxID))
	b = appendVarint(b, fieldOp, uint64(r.Op))
	b = appendString(b, fieldPath, r.Path)
	b = appendString(b, fieldDst, r.Dst)
	b = appendVarint(b, fieldTimestamp, uint64(r.Timestamp))
	b = appendVarint(b, fieldReplication, uint64(r.Replication))
	b = appendVarint(b, fieldBlockSize, uint64(r.BlockSize))
	b = appendString(b, fieldClientName, r.ClientName)
	b = appendString(b, fieldClientMachine, r.ClientMachine)
	b = appendVarint(b, fieldNSQuota, protowire.EncodeZigZag(r.NSQuota))
	b = appendVarint(b, fieldDSQuota, protowire.EncodeZigZag(r.DSQuota))
	for _, blk := range r.Blocks {
		var inner []byte
		inner = appendVarint(inner, blockFieldID, uint64(blk.ID))
		inner = appendVarint(inner, blockFieldGenStamp, uint64(blk.GenStamp))
		inner = appendVarint(inner, blockFieldNumBytes, uint64(blk.NumBytes))
		b = protowire.AppendTag(b, fieldBlock, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	b = appendBool(b, fieldLastUC, r.LastUC)
	b = appendVarint(b, fieldGenStamp, uint64(r.GenStamp))
	b = appendBool(b, fieldOverwrite, r.Overwrite)
	b = appendBool(b, fieldRecursive, r.Recursive)
	b = appendString(b, fieldOwner, r.Perm.Owner)
	b = appendString(b, fieldGroup, r.Perm.Group)
	b = appendVarint(b, fieldPermission, uint64(r.Perm.Permission))
	return b
}

// Decode parses a record produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (*Record, error) {
	r := &Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid varint for field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			setVarint(r, num, v)
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid bytes for field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := setBytes(r, num, v); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if r.Op == OpInvalid {
		return nil, fmt.Errorf("record %d has no op", r.TxID)
	}
	return r, nil
}

func setVarint(r *Record, num protowire.Number, v uint64) {
	switch num {
	case fieldTxID:
		r.TxID = int64(v)
	case fieldOp:
		r.Op = Op(v)
	case fieldTimestamp:
		r.Timestamp = int64(v)
	case fieldReplication:
		r.Replication = int16(v)
	case fieldBlockSize:
		r.BlockSize = int64(v)
	case fieldNSQuota:
		r.NSQuota = protowire.DecodeZigZag(v)
	case fieldDSQuota:
		r.DSQuota = protowire.DecodeZigZag(v)
	case fieldLastUC:
		r.LastUC = protowire.DecodeBool(v)
	case fieldGenStamp:
		r.GenStamp = model.GenerationStamp(v)
	case fieldOverwrite:
		r.Overwrite = protowire.DecodeBool(v)
	case fieldRecursive:
		r.Recursive = protowire.DecodeBool(v)
	case fieldPermission:
		r.Perm.Permission = uint16(v)
	}
}

func setBytes(r *Record, num protowire.Number, v []byte) error {
	switch num {
	case fieldPath:
		r.Path = string(v)
	case fieldDst:
		r.Dst = string(v)
	case fieldClientName:
		r.ClientName = string(v)
	case fieldClientMachine:
		r.ClientMachine = string(v)
	case fieldOwner:
		r.Perm.Owner = string(v)
	case fieldGroup:
		r.Perm.Group = string(v)
	case fieldBlock:
		blk, err := decodeBlock(v)
		if err != nil {
			return err
		}
		r.Blocks = append(r.Blocks, blk)
	}
	return nil
}

func decodeBlock(b []byte) (model.Block, error) {
	var blk model.Block
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return blk, fmt.Errorf("invalid block tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return blk, fmt.Errorf("invalid block field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return blk, fmt.Errorf("invalid block varint: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case blockFieldID:
			blk.ID = model.BlockID(v)
		case blockFieldGenStamp:
			blk.GenStamp = model.GenerationStamp(v)
		case blockFieldNumBytes:
			blk.NumBytes = int64(v)
		}
	}
	return blk, nil
}

// Frame prefixes an encoded record with its varint length
func Frame(dst []byte, r *Record) []byte {
	return protowire.AppendBytes(dst, Encode(r))
}

// Unframe reads one length-prefixed record from b and returns the
// number of bytes consumed
func Unframe(b []byte) (*Record, int, error) {
	payload, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("truncated record: %w", protowire.ParseError(n))
	}
	r, err := Decode(payload)
	if err != nil {
		return nil, 0, err
	}
	return r, n, nil
}
