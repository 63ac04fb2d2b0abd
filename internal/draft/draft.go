// Package draft is the editor-side autosave coordinator. It mirrors every
// change into a local cache, debounces saves to the server, and tells the
// editor when a cached draft is newer than what the server holds.
package draft

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"briefcanvas/api/internal/canvas"
)

const DefaultDelay = 1200 * time.Millisecond

var ErrSaveFailed = errors.New("save failed")

// Content is what the editor saves: the blocks of the brief plus its notes.
type Content struct {
	Blocks []canvas.Block `json:"blocks"`
	Notes  string         `json:"notes"`
}

func (c Content) clone() Content {
	out := Content{Notes: c.Notes, Blocks: make([]canvas.Block, len(c.Blocks))}
	for i, b := range c.Blocks {
		out.Blocks[i] = b.Clone()
	}
	return out
}

// Hash identifies content for the "unchanged since last save" check.
func (c Content) Hash() string {
	payload, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

type Draft struct {
	BriefID   string    `json:"briefId"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Saver pushes content to the server.
type Saver interface {
	Save(ctx context.Context, briefID string, c Content) error
}

type State int

const (
	Clean State = iota
	Dirty
	Saving
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Saving:
		return "saving"
	}
	return "unknown"
}

// Status is what the editor shows next to the canvas. SavedLocally means
// the last save failed and the edit only exists in the local cache.
type Status struct {
	State        State
	SavedLocally bool
	LastSavedAt  time.Time
	Err          error
}

// Timer is the part of *time.Timer the coordinator uses.
type Timer interface {
	Stop() bool
}

type Options struct {
	Delay    time.Duration
	Log      zerolog.Logger
	OnStatus func(Status)
	Now      func() time.Time
	// AfterFunc defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

type Coordinator struct {
	briefID   string
	cache     Cache
	saver     Saver
	log       zerolog.Logger
	delay     time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	onStatus  func(Status)

	// saveMu serializes network saves; mu guards everything below.
	saveMu sync.Mutex
	mu     sync.Mutex
	state  State
	local  bool
	saved  time.Time
	err    error

	content   Content
	hash      string
	drafted   time.Time
	seq       uint64
	confirmed string
	timer     Timer
	closed    bool
}

func New(briefID string, cache Cache, saver Saver, opts Options) *Coordinator {
	c := &Coordinator{
		briefID:   briefID,
		cache:     cache,
		saver:     saver,
		log:       opts.Log.With().Str("component", "draft").Str("brief_id", briefID).Logger(),
		delay:     opts.Delay,
		now:       opts.Now,
		afterFunc: opts.AfterFunc,
		onStatus:  opts.OnStatus,
	}
	if c.delay <= 0 {
		c.delay = DefaultDelay
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.afterFunc == nil {
		c.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return c
}

// Baseline records content the server is known to hold, e.g. right after
// loading the canvas, so an identical first save is skipped.
func (c *Coordinator) Baseline(content Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = content.clone()
	c.hash = c.content.Hash()
	c.confirmed = c.hash
}

// Change records a local edit: the cache is written synchronously and the
// debounce timer restarts. Cache failures are logged, never returned.
func (c *Coordinator) Change(content Content) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.seq++
	c.content = content.clone()
	c.hash = c.content.Hash()
	c.drafted = c.now()
	d := Draft{BriefID: c.briefID, Content: c.content.clone(), Timestamp: c.drafted}

	if err := c.cache.Put(context.Background(), d); err != nil {
		c.log.Warn().Err(err).Msg("draft cache write failed")
	}

	c.state = Dirty
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.afterFunc(c.delay, c.fire)
	st := c.statusLocked()
	c.mu.Unlock()

	c.publish(st)
}

// SaveNow cancels a pending debounce and saves immediately.
func (c *Coordinator) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.save(ctx)
}

func (c *Coordinator) fire() {
	c.mu.Lock()
	c.timer = nil
	c.mu.Unlock()
	if err := c.save(context.Background()); err != nil {
		c.log.Warn().Err(err).Msg("autosave failed, changes kept locally")
	}
}

func (c *Coordinator) save(ctx context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	content, hash, seq := c.content.clone(), c.hash, c.seq
	if hash == c.confirmed {
		if c.state == Dirty {
			c.state = Clean
			c.local = false
			c.err = nil
		}
		st := c.statusLocked()
		c.mu.Unlock()
		c.clearCache(ctx, seq)
		c.publish(st)
		return nil
	}
	c.state = Saving
	st := c.statusLocked()
	c.mu.Unlock()
	c.publish(st)

	err := c.saver.Save(ctx, c.briefID, content)

	c.mu.Lock()
	if err != nil {
		c.state = Dirty
		c.local = true
		c.err = err
		st = c.statusLocked()
		c.mu.Unlock()
		c.publish(st)
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	c.confirmed = hash
	c.saved = c.now()
	c.err = nil
	c.local = false
	newer := c.seq != seq
	if newer {
		c.state = Dirty
	} else {
		c.state = Clean
	}
	st = c.statusLocked()
	c.mu.Unlock()

	if !newer {
		c.clearCache(ctx, seq)
	}
	c.publish(st)
	return nil
}

// clearCache drops the cached draft once the edit numbered seq is on the
// server. A Change that landed while the delete ran is written back, so the
// cache never loses a dirty draft.
func (c *Coordinator) clearCache(ctx context.Context, seq uint64) {
	if err := c.cache.Delete(ctx, c.briefID); err != nil {
		c.log.Warn().Err(err).Msg("draft cache clear failed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq == seq {
		return
	}
	d := Draft{BriefID: c.briefID, Content: c.content.clone(), Timestamp: c.drafted}
	if err := c.cache.Put(ctx, d); err != nil {
		c.log.Warn().Err(err).Msg("draft cache rewrite failed")
	}
}

// CheckDraft returns the cached draft when it is strictly newer than the
// server's last update, so the editor can offer to restore it.
func (c *Coordinator) CheckDraft(ctx context.Context, serverUpdatedAt time.Time) (Draft, bool, error) {
	d, ok, err := c.cache.Get(ctx, c.briefID)
	if err != nil || !ok {
		return Draft{}, false, err
	}
	if !d.Timestamp.After(serverUpdatedAt) {
		return Draft{}, false, nil
	}
	return d, true, nil
}

// DiscardDraft drops the cached draft without touching the server.
func (c *Coordinator) DiscardDraft(ctx context.Context) error {
	return c.cache.Delete(ctx, c.briefID)
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Close cancels the pending timer. The cache is left as is so a dirty draft
// survives.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) statusLocked() Status {
	return Status{State: c.state, SavedLocally: c.local, LastSavedAt: c.saved, Err: c.err}
}

func (c *Coordinator) publish(st Status) {
	if c.onStatus != nil {
		c.onStatus(st)
	}
}
