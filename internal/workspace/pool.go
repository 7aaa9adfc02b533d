// Package workspace manages pools of reusable git worktrees. Each pool
// owns one full clone (.main_repo) plus N worktrees parked on holding
// branches; allocation hands a clean worktree to a runner and release
// returns it through a background cleanup pass.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"necrocode/internal/gitutil"
	"necrocode/internal/lockfile"
	"necrocode/internal/logging"
)

const (
	mainRepoDir  = ".main_repo"
	poolStateFn  = "pool.json"
	slotLocksDir = "locks"

	historySize = 1000
)

// Options tunes pool behavior.
type Options struct {
	NumSlots              int
	CleanupTimeout        time.Duration
	AllocationLockTimeout time.Duration
	CleanupWorkers        int
	Logger                logging.Logger
	// Owner labels slot lock holders for diagnostics.
	Owner string
}

func (o *Options) withDefaults() {
	if o.NumSlots <= 0 {
		o.NumSlots = 4
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = 2 * time.Minute
	}
	if o.AllocationLockTimeout <= 0 {
		o.AllocationLockTimeout = 5 * time.Second
	}
	if o.CleanupWorkers <= 0 {
		o.CleanupWorkers = 2
	}
	if o.Owner == "" {
		o.Owner = fmt.Sprintf("workspace-pid-%d", os.Getpid())
	}
}

// OpRecord is one entry in the bounded pool operation history.
type OpRecord struct {
	Time   time.Time `json:"time"`
	Op     string    `json:"op"`
	SlotID string    `json:"slot_id,omitempty"`
	TaskID string    `json:"task_id,omitempty"`
	Err    string    `json:"err,omitempty"`
}

// Pool is a named collection of worktree slots over one repository.
type Pool struct {
	name    string
	repoURL string
	dir     string
	opts    Options
	log     logging.Logger

	mu    sync.Mutex
	slots map[int]*Slot
	locks map[int]*lockfile.Lock

	cleanupSem *semaphore.Weighted
	cleanupWG  sync.WaitGroup

	historySeq atomic.Uint64
	history    *lru.Cache[uint64, OpRecord]
}

func (p *Pool) mainRepo() string {
	return filepath.Join(p.dir, mainRepoDir)
}

func (p *Pool) slotPath(index int) string {
	return filepath.Join(p.dir, "worktrees", fmt.Sprintf("slot-%d", index))
}

func (p *Pool) slotLockPath(index int) string {
	return filepath.Join(p.dir, slotLocksDir, fmt.Sprintf("slot-%d.lock", index))
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// RepoURL returns the origin the pool was cloned from.
func (p *Pool) RepoURL() string { return p.repoURL }

func newPool(name, repoURL, dir string, opts Options) (*Pool, error) {
	opts.withDefaults()
	history, err := lru.New[uint64, OpRecord](historySize)
	if err != nil {
		return nil, fmt.Errorf("init op history: %w", err)
	}
	return &Pool{
		name:       name,
		repoURL:    repoURL,
		dir:        dir,
		opts:       opts,
		log:        logging.OrNop(opts.Logger),
		slots:      make(map[int]*Slot),
		locks:      make(map[int]*lockfile.Lock),
		cleanupSem: semaphore.NewWeighted(int64(opts.CleanupWorkers)),
		history:    history,
	}, nil
}

// heldLocks is the per-slot advisory locks held while a slot is
// allocated or cleaning; caller holds p.mu.
func (p *Pool) heldLocks() map[int]*lockfile.Lock {
	return p.locks
}

// Create clones repoURL into dir/.main_repo and adds NumSlots worktrees,
// each parked on its holding branch worktree/<pool>/slot-<n>. Creating
// over an existing pool directory is an error.
func Create(ctx context.Context, name, repoURL, dir string, opts Options) (*Pool, error) {
	if name == "" || repoURL == "" || dir == "" {
		return nil, fmt.Errorf("pool name, repo url and dir are required")
	}
	if _, err := os.Stat(filepath.Join(dir, poolStateFn)); err == nil {
		return nil, fmt.Errorf("pool %s already exists at %s", name, dir)
	}

	p, err := newPool(name, repoURL, dir, opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, slotLocksDir), 0o755); err != nil {
		return nil, fmt.Errorf("create pool dir: %w", err)
	}

	p.log.Info("creating pool %s: cloning %s", name, repoURL)
	if err := gitutil.Clone(ctx, repoURL, p.mainRepo()); err != nil {
		return nil, fmt.Errorf("clone %s: %w", repoURL, err)
	}

	for i := 0; i < p.opts.NumSlots; i++ {
		if err := p.provisionSlot(ctx, i); err != nil {
			return nil, err
		}
	}
	if err := p.saveLocked(); err != nil {
		return nil, err
	}
	p.record("create", "", "", nil)
	return p, nil
}

// Open loads an existing pool from its pool.json.
func Open(dir string, opts Options) (*Pool, error) {
	data, err := os.ReadFile(filepath.Join(dir, poolStateFn))
	if err != nil {
		return nil, fmt.Errorf("open pool at %s: %w", dir, err)
	}
	var doc poolDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode pool state at %s: %w", dir, err)
	}

	p, err := newPool(doc.Name, doc.RepoURL, dir, opts)
	if err != nil {
		return nil, err
	}
	for _, slot := range doc.Slots {
		s := slot
		// allocation state does not survive a restart; lingering
		// ALLOCATED/CLEANING slots get cleaned on next allocation
		if s.State == SlotAllocated || s.State == SlotCleaning {
			s.State = SlotFree
			s.TaskID = ""
			s.AllocatedTo = ""
			s.AllocatedAt = time.Time{}
		}
		p.slots[s.Index] = &s
	}
	return p, nil
}

// provisionSlot adds one worktree on its holding branch. Caller holds no
// lock during Create; AddSlot takes p.mu itself.
func (p *Pool) provisionSlot(ctx context.Context, index int) error {
	branch := holdingBranch(p.name, index)
	path := p.slotPath(index)
	if err := gitutil.WorktreeAdd(ctx, p.mainRepo(), path, branch); err != nil {
		return fmt.Errorf("provision slot %d: %w", index, err)
	}
	p.slots[index] = &Slot{
		ID:            slotID(p.name, index),
		Index:         index,
		Path:          path,
		HoldingBranch: branch,
		State:         SlotFree,
		LastUsed:      time.Now().UTC(),
	}
	return nil
}

// AddSlot grows the pool by one worktree and returns the new slot.
func (p *Pool) AddSlot(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index := 0
	for i := range p.slots {
		if i >= index {
			index = i + 1
		}
	}
	if err := p.provisionSlot(ctx, index); err != nil {
		p.record("add_slot", slotID(p.name, index), "", err)
		return nil, err
	}
	if err := p.saveLocked(); err != nil {
		return nil, err
	}
	p.record("add_slot", slotID(p.name, index), "", nil)
	copied := *p.slots[index]
	p.updateSlotGaugesLocked()
	return &copied, nil
}

// RemoveSlot deletes a slot's worktree. An ALLOCATED slot is only
// removed with force.
func (p *Pool) RemoveSlot(ctx context.Context, index int, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.slots[index]
	if !ok {
		return fmt.Errorf("pool %s: no slot %d", p.name, index)
	}
	if slot.State == SlotAllocated && !force {
		return fmt.Errorf("pool %s: slot %d is allocated to task %s; use force to remove", p.name, index, slot.TaskID)
	}

	if err := gitutil.WorktreeRemove(ctx, p.mainRepo(), slot.Path, true); err != nil {
		p.record("remove_slot", slot.ID, slot.TaskID, err)
		return fmt.Errorf("remove slot %d: %w", index, err)
	}
	delete(p.slots, index)
	if err := p.saveLocked(); err != nil {
		return err
	}
	p.record("remove_slot", slot.ID, slot.TaskID, nil)
	return nil
}

// FetchAll refreshes origin refs in the main repo. Worktrees share the
// object store, so one fetch serves every slot.
func (p *Pool) FetchAll(ctx context.Context) error {
	err := gitutil.FetchOrigin(ctx, p.mainRepo())
	p.record("fetch", "", "", err)
	return err
}

// Slots returns a snapshot of all slots sorted by index.
func (p *Pool) Slots() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Slot, 0, len(p.slots))
	for _, slot := range p.slots {
		out = append(out, *slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Status gathers the live view of one slot: persisted state plus git
// head, current branch, disk usage and the advisory lock holder.
func (p *Pool) Status(ctx context.Context, index int) (*SlotStatus, error) {
	p.mu.Lock()
	slot, ok := p.slots[index]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool %s: no slot %d", p.name, index)
	}
	snapshot := *slot
	p.mu.Unlock()

	status := &SlotStatus{Slot: snapshot}
	if head, err := gitutil.Head(ctx, snapshot.Path); err == nil {
		status.Head = head
	}
	if branch, err := gitutil.CurrentBranch(ctx, snapshot.Path); err == nil {
		status.CurrentBranch = branch
	}
	status.DiskUsageByte = dirSize(snapshot.Path)
	status.LockHolder = lockHolder(p.slotLockPath(index))
	return status, nil
}

// History returns the recent operation records, oldest first.
func (p *Pool) History() []OpRecord {
	keys := p.history.Keys()
	out := make([]OpRecord, 0, len(keys))
	for _, k := range keys {
		if rec, ok := p.history.Peek(k); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Close waits for in-flight background cleanups to finish.
func (p *Pool) Close() {
	p.cleanupWG.Wait()
}

func (p *Pool) record(op, slot, task string, err error) {
	rec := OpRecord{Time: time.Now().UTC(), Op: op, SlotID: slot, TaskID: task}
	if err != nil {
		rec.Err = err.Error()
	}
	p.history.Add(p.historySeq.Add(1), rec)
}

type poolDoc struct {
	Name    string `json:"name"`
	RepoURL string `json:"repo_url"`
	Slots   []Slot `json:"slots"`
}

// saveLocked persists pool.json; caller holds p.mu (or has exclusive
// access during Create).
func (p *Pool) saveLocked() error {
	doc := poolDoc{Name: p.name, RepoURL: p.repoURL}
	for _, slot := range p.slots {
		doc.Slots = append(doc.Slots, *slot)
	}
	sort.Slice(doc.Slots, func(i, j int) bool { return doc.Slots[i].Index < doc.Slots[j].Index })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pool state: %w", err)
	}
	path := filepath.Join(p.dir, poolStateFn)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pool state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist pool state: %w", err)
	}
	return nil
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
