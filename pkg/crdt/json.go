package crdt

// ToJSON renders v as a plain interface{} tree suitable for
// encoding/json.Marshal, omitting tombstones entirely: a deleted map key is
// absent, a deleted list item is skipped. This is the human/export form;
// it must never be used for persistence, since reloading it would lose the
// tombstones a future merge depends on (see ToProto for that).
func ToJSON(v Value) interface{} {
	switch v.kind {
	case KindNull, KindDeleted:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindText:
		return v.s
	case KindMap:
		out := make(map[string]interface{}, v.m.Len())
		for _, key := range v.m.Keys() {
			val, _ := v.m.Get(key)
			out[key] = ToJSON(val)
		}
		return out
	case KindList:
		items := v.l.Items()
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = ToJSON(item)
		}
		return out
	default:
		return nil
	}
}
