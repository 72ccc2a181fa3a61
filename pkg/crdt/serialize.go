package crdt

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Serialize renders v as the opaque bytes an Entry's subtree payload
// carries: the canonical structpb envelope (tombstones included),
// protobuf-encoded.
func Serialize(v Value) ([]byte, error) {
	pv, err := ToProto(v)
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(pv)
	if err != nil {
		return nil, fmt.Errorf("crdt: marshal envelope: %w", err)
	}
	return data, nil
}

// Deserialize reverses Serialize. An empty payload decodes to Null, so a
// subtree that was never written by an entry (or staged locally) has a
// well-defined empty value.
func Deserialize(data []byte) (Value, error) {
	if len(data) == 0 {
		return Null(), nil
	}
	pv := &structpb.Value{}
	if err := proto.Unmarshal(data, pv); err != nil {
		return Value{}, fmt.Errorf("crdt: unmarshal envelope: %w", err)
	}
	return FromProto(pv)
}
