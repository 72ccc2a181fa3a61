package crdt

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToProto renders v as a self-describing structpb.Value envelope. This is
// the canonical/persisted encoding: tombstones are preserved exactly (every
// Map/List entry keeps its Deleted marker), satisfying the serialization
// invariant that internal persistence must round-trip deletions, unlike the
// human/JSON export which hides them (see ToJSON).
func ToProto(v Value) (*structpb.Value, error) {
	fields := map[string]interface{}{"k": v.kind.String()}
	switch v.kind {
	case KindNull, KindDeleted:
		// no payload
	case KindBool:
		fields["v"] = v.b
	case KindInt:
		// Encoded as a decimal string: a structpb number is a float64 and
		// would silently lose precision above 2^53.
		fields["v"] = strconv.FormatInt(v.i, 10)
	case KindText:
		fields["v"] = v.s
	case KindMap:
		entries := make(map[string]interface{})
		for _, key := range v.m.KeysWithTombstones() {
			raw, _ := v.m.rawGet(key)
			pv, err := ToProto(raw)
			if err != nil {
				return nil, err
			}
			entries[key] = pv.AsInterface()
		}
		fields["v"] = entries
	case KindList:
		items := make([]interface{}, 0)
		for _, pair := range v.l.ItemsWithTombstones() {
			pv, err := ToProto(pair.Val)
			if err != nil {
				return nil, err
			}
			items = append(items, map[string]interface{}{
				"pos": encodePosition(pair.Pos),
				"v":   pv.AsInterface(),
			})
		}
		fields["v"] = items
	default:
		return nil, fmt.Errorf("crdt: cannot encode value of kind %s", v.kind)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode envelope: %w", err)
	}
	return structpb.NewStructValue(st), nil
}

// FromProto reconstructs a Value from an envelope produced by ToProto.
func FromProto(pv *structpb.Value) (Value, error) {
	st := pv.GetStructValue()
	if st == nil {
		return Value{}, fmt.Errorf("crdt: expected struct envelope, got %T", pv.GetKind())
	}
	fields := st.GetFields()
	kindField, ok := fields["k"]
	if !ok {
		return Value{}, fmt.Errorf("crdt: envelope missing kind field")
	}
	switch kindField.GetStringValue() {
	case "null":
		return Null(), nil
	case "deleted":
		return Deleted(), nil
	case "bool":
		return Bool(fields["v"].GetBoolValue()), nil
	case "int":
		n, err := strconv.ParseInt(fields["v"].GetStringValue(), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("crdt: decode int: %w", err)
		}
		return Int(n), nil
	case "text":
		return Text(fields["v"].GetStringValue()), nil
	case "map":
		m := NewMap()
		inner := fields["v"].GetStructValue().GetFields()
		for key, raw := range inner {
			val, err := FromProto(raw)
			if err != nil {
				return Value{}, err
			}
			m.entries[key] = val
		}
		return FromMap(m), nil
	case "list":
		l := NewList()
		for _, item := range fields["v"].GetListValue().GetValues() {
			entry := item.GetStructValue().GetFields()
			pos, err := decodePosition(entry["pos"].GetStringValue())
			if err != nil {
				return Value{}, err
			}
			val, err := FromProto(entry["v"])
			if err != nil {
				return Value{}, err
			}
			l.Insert(pos, val)
		}
		return FromList(l), nil
	default:
		return Value{}, fmt.Errorf("crdt: unknown envelope kind %q", kindField.GetStringValue())
	}
}

func encodePosition(p Position) string {
	return fmt.Sprintf("%d/%d/%s", p.Numerator, p.Denominator, p.UID.String())
}

func decodePosition(s string) (Position, error) {
	var num int64
	var den uint64
	var uidStr string
	if _, err := fmt.Sscanf(s, "%d/%d/%s", &num, &den, &uidStr); err != nil {
		return Position{}, fmt.Errorf("crdt: decode position %q: %w", s, err)
	}
	uid, err := uuid.Parse(uidStr)
	if err != nil {
		return Position{}, fmt.Errorf("crdt: decode position uid %q: %w", uidStr, err)
	}
	return Position{Numerator: num, Denominator: den, UID: uid}, nil
}
