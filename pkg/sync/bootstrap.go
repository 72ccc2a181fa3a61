package sync

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opendag/opendag/pkg/crdt"
	"github.com/opendag/opendag/pkg/dagerr"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/instance"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/subtree"
)

const bootstrapSubtree = "bootstrap_requests"

// RequestStatus is a BootstrapRequest's state: strictly Pending -> one of
// {Approved, Rejected}, never re-entered (§4.8, P9).
type RequestStatus int

const (
	RequestPending RequestStatus = iota
	RequestApproved
	RequestRejected
)

func (s RequestStatus) String() string {
	switch s {
	case RequestApproved:
		return "approved"
	case RequestRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// BootstrapRequest records one peer's request for initial access to a
// database it holds no key on yet.
type BootstrapRequest struct {
	ID                  string
	TreeID              id.ID
	RequestingPubkey    ed25519.PublicKey
	RequestingKeyName   string
	RequestedPermission instance.Permission
	Status              RequestStatus
	Timestamp           time.Time
	ResolvedBy          string
	ResolvedAt          time.Time
}

// BootstrapStore persists BootstrapRequests inside the "_sync" database.
type BootstrapStore struct {
	db *instance.Database
	s  *signer.Signer
}

// NewBootstrapStore binds a BootstrapStore to db, committing under s.
func NewBootstrapStore(db *instance.Database, s *signer.Signer) *BootstrapStore {
	return &BootstrapStore{db: db, s: s}
}

func encodeRequest(r *BootstrapRequest) crdt.Value {
	v := crdt.NewMapValue()
	m, _ := v.AsMap()
	m.Set("id", crdt.Text(r.ID))
	m.Set("tree_id", crdt.Text(string(r.TreeID)))
	m.Set("requesting_pubkey", crdt.Text(hex.EncodeToString(r.RequestingPubkey)))
	m.Set("requesting_key_name", crdt.Text(r.RequestingKeyName))
	m.Set("requested_permission_kind", crdt.Text(r.RequestedPermission.Kind.String()))
	m.Set("requested_permission_priority", crdt.Int(int64(r.RequestedPermission.Priority)))
	m.Set("status", crdt.Text(r.Status.String()))
	m.Set("timestamp", crdt.Int(r.Timestamp.Unix()))
	m.Set("resolved_by", crdt.Text(r.ResolvedBy))
	if !r.ResolvedAt.IsZero() {
		m.Set("resolved_at", crdt.Int(r.ResolvedAt.Unix()))
	}
	return v
}

func decodeRequest(v crdt.Value) (*BootstrapRequest, error) {
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("sync: bootstrap request malformed")
	}
	pubHex, _ := textField(m, "requesting_pubkey")
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("sync: bootstrap request pubkey: %w", err)
	}
	kindStr, _ := textField(m, "requested_permission_kind")
	priorityVal, _ := m.Get("requested_permission_priority")
	priority, _ := priorityVal.AsInt()

	var perm instance.Permission
	switch kindStr {
	case "read":
		perm = instance.Read()
	case "write":
		perm = instance.Write(int(priority))
	case "admin":
		perm = instance.Admin()
	}

	id_, _ := textField(m, "id")
	treeID, _ := textField(m, "tree_id")
	keyName, _ := textField(m, "requesting_key_name")
	statusStr, _ := textField(m, "status")
	tsVal, _ := m.Get("timestamp")
	ts, _ := tsVal.AsInt()
	resolvedBy, _ := textField(m, "resolved_by")

	r := &BootstrapRequest{
		ID:                  id_,
		TreeID:              id.ID(treeID),
		RequestingPubkey:    pub,
		RequestingKeyName:   keyName,
		RequestedPermission: perm,
		Status:              parseRequestStatus(statusStr),
		Timestamp:           time.Unix(ts, 0).UTC(),
		ResolvedBy:          resolvedBy,
	}
	if resolvedAtVal, ok := m.Get("resolved_at"); ok {
		if ra, ok := resolvedAtVal.AsInt(); ok {
			r.ResolvedAt = time.Unix(ra, 0).UTC()
		}
	}
	return r, nil
}

func parseRequestStatus(s string) RequestStatus {
	switch s {
	case "approved":
		return RequestApproved
	case "rejected":
		return RequestRejected
	default:
		return RequestPending
	}
}

// Record creates a new Pending BootstrapRequest and persists it.
func (bs *BootstrapStore) Record(ctx context.Context, treeID id.ID, pub ed25519.PublicKey, keyName string, perm instance.Permission, now time.Time) (*BootstrapRequest, error) {
	r := &BootstrapRequest{
		ID:                  uuid.New().String(),
		TreeID:              treeID,
		RequestingPubkey:    pub,
		RequestingKeyName:   keyName,
		RequestedPermission: perm,
		Status:              RequestPending,
		Timestamp:           now,
	}
	tx, err := bs.db.Open(ctx, bs.s)
	if err != nil {
		return nil, err
	}
	doc := subtree.NewDocStore(tx.Subtree(ctx, bootstrapSubtree))
	if err := doc.SetPath(r.ID, encodeRequest(r)); err != nil {
		return nil, err
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Get looks up a request by ID.
func (bs *BootstrapStore) Get(ctx context.Context, requestID string) (*BootstrapRequest, bool, error) {
	tx, err := bs.db.Open(ctx, bs.s)
	if err != nil {
		return nil, false, err
	}
	doc := subtree.NewDocStore(tx.Subtree(ctx, bootstrapSubtree))
	v, ok, err := doc.GetPath(requestID)
	if err != nil || !ok {
		return nil, ok, err
	}
	r, err := decodeRequest(v)
	return r, true, err
}

// resolve transitions requestID from Pending to status, verifying the
// approver holds Admin on the target database first. The state machine is
// strictly Pending -> {Approved, Rejected}: resolving a non-pending
// request is an error (§4.8.5, P9).
func (bs *BootstrapStore) resolve(ctx context.Context, requestID string, approverName string, approverDB *instance.Database, status RequestStatus, now time.Time) (*BootstrapRequest, error) {
	r, ok, err := bs.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dagerr.New(dagerr.NotFound, fmt.Sprintf("bootstrap request %q not found", requestID))
	}
	if r.Status != RequestPending {
		return nil, dagerr.New(dagerr.InvalidRequestState, fmt.Sprintf("bootstrap request %q is already %s", requestID, r.Status))
	}

	_, perm, ok, err := approverDB.AuthKey(ctx, approverName)
	if err != nil {
		return nil, err
	}
	if !ok || !perm.Satisfies(instance.Admin()) {
		return nil, dagerr.New(dagerr.InsufficientPermission, fmt.Sprintf("key %q does not hold Admin on %s", approverName, r.TreeID))
	}

	r.Status = status
	r.ResolvedBy = approverName
	r.ResolvedAt = now

	tx, err := bs.db.Open(ctx, bs.s)
	if err != nil {
		return nil, err
	}
	doc := subtree.NewDocStore(tx.Subtree(ctx, bootstrapSubtree))
	if err := doc.SetPath(r.ID, encodeRequest(r)); err != nil {
		return nil, err
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Approve resolves a Pending request to Approved and grants the requested
// key and permission in the target database's authentication settings.
func (bs *BootstrapStore) Approve(ctx context.Context, requestID string, approver *signer.Signer, approverDB *instance.Database, now time.Time) (*BootstrapRequest, error) {
	r, err := bs.resolve(ctx, requestID, approver.Name, approverDB, RequestApproved, now)
	if err != nil {
		return nil, err
	}
	if err := approverDB.AddAuthKey(ctx, approver, r.RequestingKeyName, r.RequestingPubkey, r.RequestedPermission); err != nil {
		return nil, fmt.Errorf("sync: approve %q: grant auth key: %w", requestID, err)
	}
	return r, nil
}

// Reject resolves a Pending request to Rejected without granting access.
func (bs *BootstrapStore) Reject(ctx context.Context, requestID string, approver *signer.Signer, approverDB *instance.Database, now time.Time) (*BootstrapRequest, error) {
	return bs.resolve(ctx, requestID, approver.Name, approverDB, RequestRejected, now)
}
