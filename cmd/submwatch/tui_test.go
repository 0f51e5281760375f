package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/programme-lv/submfeed/auth"
	"github.com/programme-lv/submfeed/conf"
	"github.com/programme-lv/submfeed/reconcile"
	"github.com/programme-lv/submfeed/streamclient"
	"github.com/programme-lv/submfeed/submevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(id, status string) submevent.Event {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return submevent.Event{
		EventID:   "ev-" + id + "-" + status,
		Type:      submevent.TypeNew,
		SubjectID: id,
		EmittedAt: created,
		Status:    submevent.Ptr(status),
		UserName:  submevent.Ptr("anna"),
		ProblemID: submevent.Ptr("summa"),
		CreatedAt: &created,
	}
}

func TestModelShowsEventsAppliedToPage(t *testing.T) {
	cache := reconcile.NewCache()
	cache.PutPage(pageKey, reconcile.Page{Page: 1, Limit: 10})
	m := newModel(cache, nil, 10)
	assert.Empty(t, m.table.Rows())

	ev := newEvent("s1", submevent.StatusQueued)
	updated, _ := m.Update(eventMsg{ev: ev, changed: cache.Apply(ev)})
	m = updated.(model)
	require.Len(t, m.table.Rows(), 1)
	assert.Equal(t, "s1", m.table.Rows()[0][0])
	assert.Equal(t, "Queued", m.table.Rows()[0][4])

	ev = newEvent("s1", submevent.StatusAccepted)
	updated, _ = m.Update(eventMsg{ev: ev, changed: cache.Apply(ev)})
	m = updated.(model)
	require.Len(t, m.table.Rows(), 1)
	assert.Equal(t, "Accepted", m.table.Rows()[0][4])
	assert.Contains(t, m.View(), "s1 Accepted")
}

func TestModelTracksStreamStateAndExpiry(t *testing.T) {
	m := newModel(reconcile.NewCache(), nil, 5)

	updated, _ := m.Update(stateMsg(streamclient.Streaming))
	m = updated.(model)
	assert.Contains(t, m.View(), "live")

	updated, _ = m.Update(expiredMsg{})
	m = updated.(model)
	assert.Contains(t, m.View(), "Session expired")
}

func TestTouchKeyRunsTouch(t *testing.T) {
	touched := 0
	m := newModel(reconcile.NewCache(), func(ctx context.Context) error {
		touched++
		return nil
	}, 5)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'t'}})
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, touchedMsg{}, msg)
	assert.Equal(t, 1, touched)
}

func TestListFilterMine(t *testing.T) {
	issuer := auth.NewIssuer([]byte("k"), time.Minute, time.Hour)
	pair, err := issuer.IssuePair("anna", "uuid-anna", auth.ScopeStream)
	require.NoError(t, err)

	f := listFilter(conf.Filter{Statuses: []string{"accepted"}, Mine: true}, pair.AccessToken)
	assert.Equal(t, "uuid-anna", f.OwnerID)
	assert.Equal(t, []string{"accepted"}, f.Statuses)

	f = listFilter(conf.Filter{Mine: false}, pair.AccessToken)
	assert.Empty(t, f.OwnerID)
}

func TestTokensFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	pair := auth.TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, writeTokens(path, pair))

	got, err := readTokens(path)
	require.NoError(t, err)
	assert.Equal(t, pair.AccessToken, got.AccessToken)
	assert.Equal(t, pair.RefreshToken, got.RefreshToken)
	assert.True(t, pair.ExpiresAt.Equal(got.ExpiresAt))

	_, err = readTokens(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestOwnVerdictRecountsProgress(t *testing.T) {
	cache := reconcile.NewCache()
	cache.PutPage(pageKey, reconcile.Page{Page: 1, Limit: 10})
	cache.DependOnVerdicts("uuid-anna", progressKey)
	m := newModel(cache, nil, 10)
	m.owner = "uuid-anna"
	m.recountProgress()
	assert.Contains(t, m.View(), "yours: 0 settled, 0 accepted")

	ev := newEvent("s1", submevent.StatusQueued)
	ev.UserID = submevent.Ptr("uuid-anna")
	changed := cache.Apply(ev)
	assert.NotContains(t, changed, progressKey)
	updated, _ := m.Update(eventMsg{ev: ev, changed: changed})
	m = updated.(model)

	ev = newEvent("s1", submevent.StatusAccepted)
	ev.UserID = submevent.Ptr("uuid-anna")
	changed = cache.Apply(ev)
	require.Contains(t, changed, progressKey)
	updated, _ = m.Update(eventMsg{ev: ev, changed: changed})
	m = updated.(model)

	assert.Equal(t, 1, m.settled)
	assert.Equal(t, 1, m.accepted)
	assert.Contains(t, m.View(), "yours: 1 settled, 1 accepted")
	progress, ok := cache.Page(progressKey)
	require.True(t, ok)
	require.Len(t, progress.Items, 1)
	assert.Equal(t, "s1", progress.Items[0].ID)
}
