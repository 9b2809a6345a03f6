package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"github.com/openmirror/mirrord/internal/connector"
	"github.com/openmirror/mirrord/internal/record"
	"github.com/openmirror/mirrord/internal/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- In-memory Store ---

// memStore implements Store with maps. Error injection fields let tests
// force failures on specific operations.
type memStore struct {
	states       map[string]*SyncState
	resumeTokens map[string]string
	locks        map[string]bool
	records      map[string]*record.Record
	exceptions   map[string]*record.Exception
	watches      map[string]*WatchSubscription
	pending      []*PendingWriteback
	authRequests map[string]bool
	nextPending  int64

	upsertCalls  []string // external keys in upsert order
	saveStateErr error
	upsertErr    error
	putWatchErr  error
	fetchedLocks int
}

func newMemStore() *memStore {
	return &memStore{
		states:       make(map[string]*SyncState),
		resumeTokens: make(map[string]string),
		locks:        make(map[string]bool),
		records:      make(map[string]*record.Record),
		exceptions:   make(map[string]*record.Exception),
		watches:      make(map[string]*WatchSubscription),
		authRequests: make(map[string]bool),
	}
}

func excKey(seriesKey string, occ time.Time) string {
	return fmt.Sprintf("%s@%d", seriesKey, occ.UTC().UnixNano())
}

func (m *memStore) LoadState(_ context.Context, resourceID string) (*SyncState, error) {
	st, ok := m.states[resourceID]
	if !ok {
		return nil, nil
	}

	cp := *st

	return &cp, nil
}

func (m *memStore) SaveState(_ context.Context, state *SyncState) error {
	if m.saveStateErr != nil {
		return m.saveStateErr
	}

	cp := *state
	m.states[state.ResourceID] = &cp

	return nil
}

func (m *memStore) ClearState(_ context.Context, resourceID string) error {
	delete(m.states, resourceID)
	return nil
}

func (m *memStore) ListStates(_ context.Context) ([]*SyncState, error) {
	out := make([]*SyncState, 0, len(m.states))

	for _, st := range m.states {
		cp := *st
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })

	return out, nil
}

func (m *memStore) ResumeToken(_ context.Context, resourceID string) (string, error) {
	return m.resumeTokens[resourceID], nil
}

func (m *memStore) SaveResumeToken(_ context.Context, resourceID, token string) error {
	m.resumeTokens[resourceID] = token
	return nil
}

func (m *memStore) DeleteResumeToken(_ context.Context, resourceID string) error {
	delete(m.resumeTokens, resourceID)
	return nil
}

func (m *memStore) TryLock(_ context.Context, resourceID string) (bool, error) {
	if m.locks[resourceID] {
		return false, nil
	}

	m.locks[resourceID] = true

	return true, nil
}

func (m *memStore) Unlock(_ context.Context, resourceID string) error {
	delete(m.locks, resourceID)
	return nil
}

func (m *memStore) Locked(_ context.Context, resourceID string) (bool, error) {
	m.fetchedLocks++
	return m.locks[resourceID], nil
}

func (m *memStore) ListLocks(_ context.Context) ([]string, error) {
	var out []string

	for resourceID, held := range m.locks {
		if held {
			out = append(out, resourceID)
		}
	}

	sort.Strings(out)

	return out, nil
}

func (m *memStore) UpsertRecord(_ context.Context, rec *record.Record) (int64, error) {
	if m.upsertErr != nil {
		return 0, m.upsertErr
	}

	m.upsertCalls = append(m.upsertCalls, rec.ExternalKey)

	cp := *rec
	m.records[rec.ExternalKey] = &cp

	return int64(len(m.records)), nil
}

func (m *memStore) GetRecord(_ context.Context, externalKey string) (*record.Record, error) {
	rec, ok := m.records[externalKey]
	if !ok {
		return nil, nil
	}

	cp := *rec

	return &cp, nil
}

func (m *memStore) MarkCanceled(_ context.Context, externalKey string) error {
	if rec, ok := m.records[externalKey]; ok {
		rec.Canceled = true
	}

	return nil
}

func (m *memStore) EnsureMaster(_ context.Context, resourceID, seriesKey string, kind record.Kind) error {
	if _, ok := m.records[seriesKey]; ok {
		return nil
	}

	m.records[seriesKey] = &record.Record{
		ExternalKey: seriesKey,
		ResourceID:  resourceID,
		Kind:        kind,
		SeriesKey:   seriesKey,
		Placeholder: true,
	}

	return nil
}

func (m *memStore) UpsertException(_ context.Context, exc *record.Exception) error {
	cp := *exc
	m.exceptions[excKey(exc.SeriesKey, exc.Occurrence)] = &cp

	return nil
}

func (m *memStore) GetException(_ context.Context, seriesKey string, occurrence time.Time) (*record.Exception, error) {
	exc, ok := m.exceptions[excKey(seriesKey, occurrence)]
	if !ok {
		return nil, nil
	}

	cp := *exc

	return &cp, nil
}

func (m *memStore) GetWatch(_ context.Context, resourceID string) (*WatchSubscription, error) {
	sub, ok := m.watches[resourceID]
	if !ok {
		return nil, nil
	}

	cp := *sub

	return &cp, nil
}

func (m *memStore) PutWatch(_ context.Context, sub *WatchSubscription) error {
	if m.putWatchErr != nil {
		return m.putWatchErr
	}

	cp := *sub
	m.watches[sub.ResourceID] = &cp

	return nil
}

func (m *memStore) DeleteWatch(_ context.Context, resourceID string) error {
	delete(m.watches, resourceID)
	return nil
}

func (m *memStore) AppendPending(_ context.Context, entry *PendingWriteback) error {
	m.nextPending++
	entry.ID = m.nextPending

	cp := *entry
	m.pending = append(m.pending, &cp)

	return nil
}

func (m *memStore) ListPending(_ context.Context, actorID string) ([]*PendingWriteback, error) {
	var out []*PendingWriteback

	for _, e := range m.pending {
		if e.ActorID == actorID {
			cp := *e
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (m *memStore) DeletePending(_ context.Context, id int64) error {
	for i, e := range m.pending {
		if e.ID == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}

	return nil
}

func (m *memStore) AuthRequested(_ context.Context, actorID string) (bool, error) {
	return m.authRequests[actorID], nil
}

func (m *memStore) MarkAuthRequested(_ context.Context, actorID string) error {
	m.authRequests[actorID] = true
	return nil
}

func (m *memStore) ClearAuthRequest(_ context.Context, actorID string) error {
	delete(m.authRequests, actorID)
	return nil
}

// --- Manual scheduler ---

// manualSched records enqueued work instead of running it, so tests drive
// continuations explicitly and deterministically.
type manualSched struct {
	queued     []scheduler.WorkItem
	delayed    map[scheduler.Handle]delayedWork
	canceled   []scheduler.Handle
	nextHandle int
	enqueueErr error
}

type delayedWork struct {
	item  scheduler.WorkItem
	runAt time.Time
}

func newManualSched() *manualSched {
	return &manualSched{delayed: make(map[scheduler.Handle]delayedWork)}
}

func (s *manualSched) Enqueue(_ context.Context, item scheduler.WorkItem) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}

	s.queued = append(s.queued, item)

	return nil
}

func (s *manualSched) EnqueueAt(_ context.Context, item scheduler.WorkItem, runAt time.Time) (scheduler.Handle, error) {
	s.nextHandle++
	handle := scheduler.Handle(fmt.Sprintf("h%d", s.nextHandle))
	s.delayed[handle] = delayedWork{item: item, runAt: runAt}

	return handle, nil
}

func (s *manualSched) Cancel(_ context.Context, handle scheduler.Handle) error {
	s.canceled = append(s.canceled, handle)
	delete(s.delayed, handle)

	return nil
}

// pop removes and returns the oldest queued item.
func (s *manualSched) pop() (scheduler.WorkItem, bool) {
	if len(s.queued) == 0 {
		return scheduler.WorkItem{}, false
	}

	item := s.queued[0]
	s.queued = s.queued[1:]

	return item, true
}

// --- Fake connector ---

// fakeConnector returns pre-configured pages in sequence; an error can be
// injected at a specific call index. Transform is routed through a per-item
// classification table.
type fakeConnector struct {
	pages    []*connector.Page
	callIdx  int
	errAtIdx int   // inject fetchErr at this call index (-1 = never)
	fetchErr error
	calls    []connector.PageRequest

	classify map[string]connector.Classified
	xformErr map[string]error

	channels     []string // created channel IDs in order
	stopped      []string
	createErr    error
	stopErr      error
	lifetime     time.Duration
	nextChannel  int

	remoteFields map[string]string // "item/field" -> value
	writes       []string          // "item/field=value" in order
	readErr      error
	writeErr     error
	writeErrLeft int // fail this many writes, then succeed
}

func newFakeConnector(pages ...*connector.Page) *fakeConnector {
	return &fakeConnector{
		pages:        pages,
		errAtIdx:     -1,
		classify:     make(map[string]connector.Classified),
		xformErr:     make(map[string]error),
		lifetime:     24 * time.Hour,
		remoteFields: make(map[string]string),
	}
}

func (f *fakeConnector) Kind() string                      { return "fake" }
func (f *fakeConnector) DefaultLookback() time.Duration    { return 30 * 24 * time.Hour }
func (f *fakeConnector) MaxChannelLifetime() time.Duration { return f.lifetime }

func (f *fakeConnector) FetchPage(_ context.Context, req connector.PageRequest) (*connector.Page, error) {
	f.calls = append(f.calls, req)

	if f.errAtIdx >= 0 && f.callIdx == f.errAtIdx {
		f.callIdx++
		return nil, f.fetchErr
	}

	if f.callIdx >= len(f.pages) {
		return nil, fmt.Errorf("no more pages configured in fake (call %d)", f.callIdx)
	}

	page := f.pages[f.callIdx]
	f.callIdx++

	return page, nil
}

func (f *fakeConnector) Transform(item connector.VendorItem) (connector.Classified, error) {
	if err := f.xformErr[item.ID]; err != nil {
		return connector.Classified{}, err
	}

	return f.classify[item.ID], nil
}

func (f *fakeConnector) CreateChannel(_ context.Context, _, _, _ string) (*connector.Channel, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}

	f.nextChannel++
	id := fmt.Sprintf("ch-%d", f.nextChannel)
	f.channels = append(f.channels, id)

	return &connector.Channel{ID: id, ExpiresAt: time.Now().Add(f.lifetime)}, nil
}

func (f *fakeConnector) StopChannel(_ context.Context, channelID string) error {
	f.stopped = append(f.stopped, channelID)
	return f.stopErr
}

func (f *fakeConnector) ReadField(_ context.Context, _ oauth2.TokenSource, _, item, field string) (string, error) {
	if f.readErr != nil {
		return "", f.readErr
	}

	return f.remoteFields[item+"/"+field], nil
}

func (f *fakeConnector) WriteField(_ context.Context, _ oauth2.TokenSource, _, item, field, value string) error {
	if f.writeErrLeft > 0 {
		f.writeErrLeft--
		return f.writeErr
	}

	f.remoteFields[item+"/"+field] = value
	f.writes = append(f.writes, fmt.Sprintf("%s/%s=%s", item, field, value))

	return nil
}

// staticResolver serves the same connector for every resource.
type staticResolver struct {
	conn connector.Connector
	err  error
}

func (r *staticResolver) Connector(string) (connector.Connector, error) {
	if r.err != nil {
		return nil, r.err
	}

	return r.conn, nil
}

// recordItem builds a vendor item plus classification for a plain record.
func (f *fakeConnector) addRecord(id, externalKey, title string) connector.VendorItem {
	f.classify[id] = connector.Classified{Record: &record.Record{
		ExternalKey: externalKey,
		Kind:        record.KindEvent,
		Title:       title,
		Provenance:  record.Provenance{SourceSystem: "fake", ExternalID: id},
	}}

	return connector.VendorItem{ID: id}
}

// addTombstone builds a vendor item classified as a deletion.
func (f *fakeConnector) addTombstone(id, externalKey string) connector.VendorItem {
	f.classify[id] = connector.Classified{Tombstone: &connector.Tombstone{ExternalKey: externalKey}}
	return connector.VendorItem{ID: id}
}

// addException builds a vendor item classified as a series exception.
func (f *fakeConnector) addException(id, seriesKey string, occ time.Time, exc record.Exception) connector.VendorItem {
	exc.SeriesKey = seriesKey
	exc.Occurrence = occ
	f.classify[id] = connector.Classified{Exception: &exc}

	return connector.VendorItem{ID: id}
}

// --- Token provider and auth requester fakes ---

type fakeTokens struct {
	sources map[string]oauth2.TokenSource
	err     error
}

func newFakeTokens(actors ...string) *fakeTokens {
	ft := &fakeTokens{sources: make(map[string]oauth2.TokenSource)}

	for _, a := range actors {
		ft.sources[a] = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-" + a})
	}

	return ft
}

func (f *fakeTokens) Token(_ context.Context, ownerID string) (oauth2.TokenSource, error) {
	if f.err != nil {
		return nil, f.err
	}

	ts, ok := f.sources[ownerID]
	if !ok {
		return nil, fmt.Errorf("fake: %s: %w", ownerID, connector.ErrNoToken)
	}

	return ts, nil
}

type fakeAuth struct {
	requests []string
	err      error
}

func (f *fakeAuth) RequestAuthorization(_ context.Context, actorID string) error {
	if f.err != nil {
		return f.err
	}

	f.requests = append(f.requests, actorID)

	return nil
}
