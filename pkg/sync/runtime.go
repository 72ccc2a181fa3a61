package sync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/instance"
	"github.com/opendag/opendag/pkg/log"
)

// pendingEntry is one queued (tree, entry) pair awaiting transmission to a
// peer.
type pendingEntry struct {
	treeID id.ID
	e      *entry.Entry
}

// retryItem is a pendingEntry that failed to send, waiting for its backoff
// deadline before another attempt.
type retryItem struct {
	peerKey string
	entry   pendingEntry
	attempt int
	dueAt   time.Time
}

// command is the runtime's single inbound control surface: every public
// method enqueues one of these onto cmdCh so all queue/state mutation
// happens on the single run goroutine.
type command struct {
	kind    commandKind
	peerKey string
	addr    string
	treeID  id.ID
	entry   *entry.Entry
	reply   chan error
}

type commandKind int

const (
	cmdSend commandKind = iota
	cmdConnect
	cmdFlush
)

const (
	maxRetryAttempts = 8
	baseBackoff      = 500 * time.Millisecond
	maxBackoff       = 2 * time.Minute
)

// Runtime drives outbound sync traffic in the background: a per-peer send
// queue, a retry queue with exponential backoff, and a non-blocking local
// write hook that enqueues newly-committed entries for every subscribed
// peer (§4.9).
type Runtime struct {
	core     *Core
	registry *Registry

	cmdCh    chan command
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	addrs map[string]string // peer hex key -> transport address
	queue map[string][]pendingEntry
	retry []retryItem

	log zerolog.Logger
}

// NewRuntime builds a Runtime driving core's Transport for outbound sends,
// tracking subscriptions through registry.
func NewRuntime(core *Core) *Runtime {
	rt := &Runtime{
		core:     core,
		registry: core.Registry(),
		cmdCh:    make(chan command, 256),
		stopCh:   make(chan struct{}),
		addrs:    make(map[string]string),
		queue:    make(map[string][]pendingEntry),
		log:      log.WithComponent("sync.runtime"),
	}
	return rt
}

// Start launches the background loop and registers the local write hook
// that feeds it.
func (rt *Runtime) Start(inst *instance.Instance) {
	inst.OnWrite(entry.Local, rt.onLocalWrite)
	rt.wg.Add(1)
	go rt.run()
}

// Stop halts the background loop. Queued and retry-pending sends are
// dropped; call Flush first to drain them.
func (rt *Runtime) Stop() {
	close(rt.stopCh)
	rt.wg.Wait()
}

// ConnectToPeer records addr as the transport address for peer, so future
// sends for that peer are dispatched there.
func (rt *Runtime) ConnectToPeer(ctx context.Context, peerKey, addr string) error {
	return rt.submit(ctx, command{kind: cmdConnect, peerKey: peerKey, addr: addr})
}

// SendEntries enqueues e for transmission to every peer subscribed to
// treeID. It never blocks on the network; it only stages the send.
func (rt *Runtime) SendEntries(ctx context.Context, treeID id.ID, e *entry.Entry) error {
	peers, err := rt.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range peers {
		if !p.SubscribedRoots[treeID] {
			continue
		}
		if err := rt.submit(ctx, command{kind: cmdSend, peerKey: peerKey(p.Pubkey), treeID: treeID, entry: e}); err != nil {
			return err
		}
	}
	return nil
}

// Flush drains the send and retry queues immediately, ignoring backoff
// deadlines, and waits for every currently queued item to be attempted
// once.
func (rt *Runtime) Flush(ctx context.Context) error {
	return rt.submit(ctx, command{kind: cmdFlush})
}

func (rt *Runtime) submit(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case rt.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-rt.stopCh:
		return context.Canceled
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onLocalWrite is the non-blocking Instance write callback: it fans the
// freshly committed entry out to every peer subscribed to db's root. It
// must never block the committing writer, so it only enqueues a command.
func (rt *Runtime) onLocalWrite(ctx context.Context, e *entry.Entry, db *instance.Database, _ *instance.Instance) error {
	peers, err := rt.registry.List(ctx)
	if err != nil {
		rt.log.Warn().Err(err).Msg("local write hook: list peers failed")
		return nil
	}
	for _, p := range peers {
		if !p.SubscribedRoots[db.Root()] {
			continue
		}
		select {
		case rt.cmdCh <- command{kind: cmdSend, peerKey: peerKey(p.Pubkey), treeID: db.Root(), entry: e}:
		default:
			rt.log.Warn().Str("peer", peerKey(p.Pubkey)).Msg("send queue command channel full, dropping fan-out")
		}
	}
	return nil
}

func (rt *Runtime) run() {
	defer rt.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-rt.cmdCh:
			rt.handle(cmd)
		case <-ticker.C:
			rt.drainDue(time.Now())
		case <-rt.stopCh:
			return
		}
	}
}

func (rt *Runtime) handle(cmd command) {
	var err error
	switch cmd.kind {
	case cmdConnect:
		rt.mu.Lock()
		rt.addrs[cmd.peerKey] = cmd.addr
		rt.mu.Unlock()
	case cmdSend:
		rt.enqueue(cmd.peerKey, cmd.treeID, cmd.entry)
	case cmdFlush:
		rt.drainDue(time.Now().Add(maxBackoff))
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (rt *Runtime) enqueue(peerKey string, treeID id.ID, e *entry.Entry) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if peerKey == "" {
		for k := range rt.addrs {
			rt.queue[k] = append(rt.queue[k], pendingEntry{treeID: treeID, e: e})
		}
		return
	}
	rt.queue[peerKey] = append(rt.queue[peerKey], pendingEntry{treeID: treeID, e: e})
}

// drainDue attempts every queued send and every retry item due by
// deadline, moving failures onto the retry queue with doubled backoff.
func (rt *Runtime) drainDue(deadline time.Time) {
	rt.mu.Lock()
	queue := rt.queue
	rt.queue = make(map[string][]pendingEntry)
	due := make([]retryItem, 0, len(rt.retry))
	var notDue []retryItem
	for _, it := range rt.retry {
		if !it.dueAt.After(deadline) {
			due = append(due, it)
		} else {
			notDue = append(notDue, it)
		}
	}
	rt.retry = notDue
	addrs := make(map[string]string, len(rt.addrs))
	for k, v := range rt.addrs {
		addrs[k] = v
	}
	rt.mu.Unlock()

	ctx := context.Background()
	var failed []retryItem

	for peer, items := range queue {
		addr, ok := addrs[peer]
		for _, it := range items {
			if !ok {
				failed = append(failed, retryItem{peerKey: peer, entry: it, attempt: 1, dueAt: backoffDeadline(1)})
				continue
			}
			if err := rt.send(ctx, addr, it); err != nil {
				failed = append(failed, retryItem{peerKey: peer, entry: it, attempt: 1, dueAt: backoffDeadline(1)})
			}
		}
	}

	for _, it := range due {
		if addr, ok := addrs[it.peerKey]; ok && rt.send(ctx, addr, it.entry) == nil {
			continue
		}
		if it.attempt < maxRetryAttempts {
			failed = append(failed, retryItem{peerKey: it.peerKey, entry: it.entry, attempt: it.attempt + 1, dueAt: backoffDeadline(it.attempt + 1)})
		} else {
			rt.log.Warn().Str("peer", it.peerKey).Str("entry", string(it.entry.e.ID())).Msg("dropping entry after exhausting retries")
		}
	}

	if len(failed) > 0 {
		rt.mu.Lock()
		rt.retry = append(rt.retry, failed...)
		rt.mu.Unlock()
	}
}

func backoffDeadline(attempt int) time.Time {
	d := baseBackoff << uint(attempt-1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return time.Now().Add(d)
}

func (rt *Runtime) send(ctx context.Context, addr string, it pendingEntry) error {
	resp, err := rt.core.transport.SendEntries(ctx, addr, &SendEntriesRequest{TreeID: it.treeID, Entries: []*entry.Entry{it.e}})
	if err != nil {
		return err
	}
	if resp.Kind == RespError {
		rt.log.Warn().Str("entry", string(it.e.ID())).Str("err", resp.Err).Msg("peer rejected pushed entry")
	}
	return nil
}
