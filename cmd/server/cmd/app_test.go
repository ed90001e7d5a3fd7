package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casafeed/server/internal/config"
	"github.com/casafeed/server/internal/domain/agencies"
	"github.com/casafeed/server/internal/domain/reconcile"
)

func TestSweepInterval(t *testing.T) {
	tests := []struct {
		staleAfter time.Duration
		want       time.Duration
	}{
		{0, 5 * time.Minute},
		{10 * time.Minute, 5 * time.Minute},
		{2 * time.Hour, 30 * time.Minute},
		{24 * time.Hour, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.staleAfter.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, sweepInterval(tt.staleAfter))
		})
	}
}

func TestNewSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newSlogLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "job", "reconcile_run")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "river", entry["component"])
	assert.Equal(t, "reconcile_run", entry["job"])
}

func TestNewSlogLoggerConsole(t *testing.T) {
	var buf bytes.Buffer
	newSlogLogger(config.LoggingConfig{Level: "debug", Format: "console"}, &buf).Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestPrintResult(t *testing.T) {
	t.Cleanup(func() { jsonOutput = false })
	summary := reconcile.SweepSummary{Checked: 3, Reconciled: 2, Pending: 1}

	var text bytes.Buffer
	jsonOutput = false
	require.NoError(t, printResult(&text, summary, func(w io.Writer) { fmt.Fprint(w, "plain") }))
	assert.Equal(t, "plain", text.String())

	var js bytes.Buffer
	jsonOutput = true
	require.NoError(t, printResult(&js, summary, func(w io.Writer) { fmt.Fprint(w, "plain") }))
	assert.JSONEq(t, `{"checked":3,"reconciled":2,"failed":0,"pending":1}`, js.String())
}

func TestWriteDispatchSummary(t *testing.T) {
	var buf bytes.Buffer
	writeDispatchSummary(&buf, reconcile.DispatchSummary{
		Started: []reconcile.StartResult{{RunID: "run-1", AgencyID: "milano", DispatchID: "d-1"}},
		Failed:  []reconcile.AgencyFailure{{AgencyID: "torino", Category: reconcile.KindDispatch, Error: "apify down"}},
	})
	out := buf.String()
	assert.Contains(t, out, "started  milano run run-1")
	assert.Contains(t, out, "failed   torino [dispatch] apify down")
	assert.Contains(t, out, "1 started, 1 failed")
}

type fakeAgencyRepo struct {
	upserted []agencies.UpsertParams
	failOn   string
}

func (f *fakeAgencyRepo) Get(context.Context, string) (*agencies.Agency, error) {
	return nil, agencies.ErrNotFound
}

func (f *fakeAgencyRepo) List(context.Context, bool) ([]agencies.Agency, error) {
	return nil, nil
}

func (f *fakeAgencyRepo) Upsert(_ context.Context, p agencies.UpsertParams) (*agencies.Agency, error) {
	if p.ID == f.failOn {
		return nil, errors.New("boom")
	}
	f.upserted = append(f.upserted, p)
	return &agencies.Agency{ID: p.ID, Name: p.Name, Points: p.Points, Operation: p.Operation, MaxItems: p.MaxItems, Enabled: p.Enabled}, nil
}

func TestSyncAgencies(t *testing.T) {
	disabled := false
	configs := []agencies.Config{
		{ID: "milano", Name: "Milano", Points: []any{[]any{45.46, 9.18}}, Operation: "vendita", MaxItems: 50},
		{ID: "torino", Name: "Torino", Points: []any{[]any{45.03, 7.66}}, Enabled: &disabled},
	}

	repo := &fakeAgencyRepo{}
	synced, err := syncAgencies(context.Background(), repo, configs)
	require.NoError(t, err)
	require.Len(t, synced, 2)
	assert.True(t, synced[0].Enabled)
	assert.False(t, synced[1].Enabled)
	assert.JSONEq(t, `[[45.46,9.18]]`, string(repo.upserted[0].Points))

	repo = &fakeAgencyRepo{failOn: "torino"}
	synced, err = syncAgencies(context.Background(), repo, configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `upsert agency "torino"`)
	assert.Len(t, synced, 1)
}
