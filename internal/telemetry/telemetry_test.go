package telemetry_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphummel/rocks_monitor/internal/apperr"
	"github.com/tphummel/rocks_monitor/internal/audit"
	"github.com/tphummel/rocks_monitor/internal/auth"
	"github.com/tphummel/rocks_monitor/internal/db"
	"github.com/tphummel/rocks_monitor/internal/models"
	"github.com/tphummel/rocks_monitor/internal/payload"
	"github.com/tphummel/rocks_monitor/internal/registry"
	"github.com/tphummel/rocks_monitor/internal/telemetry"
)

const mac = "AA:BB:CC:DD:EE:FF"

var ctx = context.Background()

type recordingSink struct{ events []audit.Event }

func (s *recordingSink) Emit(_ context.Context, e audit.Event) { s.events = append(s.events, e) }

type fixture struct {
	eng   *telemetry.Engine
	db    *db.DB
	sink  *recordingSink
	alice int64
	bob   int64
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.New(":memory:", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	f := &fixture{db: d, sink: &recordingSink{}, now: time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)}
	f.alice = seedUser(t, d, "alice@example.com")
	f.bob = seedUser(t, d, "bob@example.com")

	reg := registry.New(d, nil, nil)
	_, _, err = reg.Bind(ctx, f.alice, mac, "desktop", "pc")
	require.NoError(t, err)

	f.eng = telemetry.New(d, reg, f.sink, nil)
	f.eng.Now = func() time.Time { return f.now }
	return f
}

func seedUser(t *testing.T, d *db.DB, email string) int64 {
	t.Helper()
	u := &models.User{Email: email, PasswordHash: "x", IsActive: true}
	require.NoError(t, d.CreateUser(ctx, u))
	return u.ID
}

func doc(t *testing.T, s string) payload.Value {
	t.Helper()
	v, err := payload.Parse([]byte(s))
	require.NoError(t, err)
	return v
}

func (f *fixture) ingestAt(t *testing.T, ts time.Time, body string) *telemetry.Receipt {
	t.Helper()
	d := doc(t, fmt.Sprintf(`{"timestamp":%q,"machine_info":{"mac":%q},%s}`, ts.Format(time.RFC3339Nano), mac, body))
	r, err := f.eng.Ingest(ctx, auth.UserSession{UserID: f.alice}, d)
	require.NoError(t, err)
	return r
}

func TestIngest_StoresAndTouches(t *testing.T) {
	f := newFixture(t)
	agent := auth.AgentSession{UserID: f.alice, MAC: mac, MachineType: "pc"}

	r, err := f.eng.Ingest(ctx, agent, doc(t, `{"timestamp":"2024-05-20T10:33:00Z","cpu":52.3,"disk":{"usage":73.9}}`))
	require.NoError(t, err)
	assert.Len(t, r.ReferenceID, 32)
	assert.Equal(t, time.Date(2024, 5, 20, 10, 33, 0, 0, time.UTC), r.Timestamp)

	m, err := f.db.MachineByMAC(ctx, mac)
	require.NoError(t, err)
	require.NotNil(t, m.LastSeenAt)
	assert.Equal(t, f.now, m.LastSeenAt.UTC())

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, audit.CategoryMetrics, f.sink.events[0].Category)
	assert.Equal(t, audit.OutcomeSuccess, f.sink.events[0].Outcome)
}

func TestIngest_MACSources(t *testing.T) {
	f := newFixture(t)
	user := auth.UserSession{UserID: f.alice}
	agent := auth.AgentSession{UserID: f.alice, MAC: mac, MachineType: "pc"}

	_, err := f.eng.Ingest(ctx, user, doc(t, `{"mac_address":"aa-bb-cc-dd-ee-ff","cpu":1}`))
	assert.NoError(t, err, "mac_address key")

	_, err = f.eng.Ingest(ctx, agent, doc(t, `{"cpu":1}`))
	assert.NoError(t, err, "agent's bound machine")

	_, err = f.eng.Ingest(ctx, user, doc(t, `{"cpu":1}`))
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "mac_address")
}

func TestIngest_DefaultsTimestampToNow(t *testing.T) {
	f := newFixture(t)
	r, err := f.eng.Ingest(ctx, auth.UserSession{UserID: f.alice}, doc(t, `{"mac_address":"`+mac+`"}`))
	require.NoError(t, err)
	assert.Equal(t, f.now, r.Timestamp)
}

func TestIngest_Rejections(t *testing.T) {
	f := newFixture(t)
	_, _, err := registry.New(f.db, nil, nil).Bind(ctx, f.bob, "00:11:22:33:44:55", "", "")
	require.NoError(t, err)

	tests := []struct {
		name string
		p    auth.Principal
		doc  string
		want int
	}{
		{"bad timestamp", auth.UserSession{UserID: f.alice}, `{"mac_address":"` + mac + `","timestamp":"yesterday"}`, 422},
		{"numeric timestamp", auth.UserSession{UserID: f.alice}, `{"mac_address":"` + mac + `","timestamp":1716200000}`, 422},
		{"not an object", auth.UserSession{UserID: f.alice}, `[1]`, 422},
		{"unknown machine", auth.UserSession{UserID: f.alice}, `{"mac_address":"66:55:44:33:22:11"}`, 404},
		{"other user's machine", auth.UserSession{UserID: f.alice}, `{"mac_address":"00:11:22:33:44:55"}`, 403},
		{"agent writing elsewhere", auth.AgentSession{UserID: f.bob, MAC: "00:11:22:33:44:55"}, `{"mac_address":"` + mac + `"}`, 403},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.Ingest(ctx, tt.p, doc(t, tt.doc))
			assert.Equal(t, tt.want, apperr.HTTPStatus(err), "err = %v", err)
		})
	}
}

func TestList_RangeOrderLimit(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	var refs []string
	for i := range 5 {
		refs = append(refs, f.ingestAt(t, base.Add(time.Duration(i)*time.Minute), fmt.Sprintf(`"cpu":%d`, i)).ReferenceID)
	}

	start, end := base.Add(time.Minute), base.Add(3*time.Minute)
	got, err := f.eng.List(ctx, f.alice, mac, telemetry.Range{Start: &start, End: &end}, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{refs[3], refs[2], refs[1]}, []string{got[0].ReferenceID, got[1].ReferenceID, got[2].ReferenceID})

	got, err = f.eng.List(ctx, f.alice, "aabbccddeeff", telemetry.Range{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, refs[4], got[0].ReferenceID)
}

func TestList_Validation(t *testing.T) {
	f := newFixture(t)
	a, b := f.now, f.now.Add(-time.Hour)

	for _, limit := range []int{-1, 1001} {
		_, err := f.eng.List(ctx, f.alice, mac, telemetry.Range{}, limit)
		assert.Equal(t, 422, apperr.HTTPStatus(err), "limit %d", limit)
	}
	_, err := f.eng.List(ctx, f.alice, mac, telemetry.Range{Start: &a, End: &b}, 10)
	assert.Equal(t, 422, apperr.HTTPStatus(err))

	_, err = f.eng.List(ctx, f.bob, mac, telemetry.Range{}, 10)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.eng.List(ctx, f.alice, mac, telemetry.Range{}, 1000)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestAggregate(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	f.ingestAt(t, base, `"cpu":10,"disk":{"usage":70},"disks":[{"usage":1}],"host":"a"`)
	f.ingestAt(t, base.Add(time.Minute), `"cpu":20,"memory":50,"ok":true`)

	got, err := f.eng.Aggregate(ctx, f.alice, mac, telemetry.Range{}, nil)
	require.NoError(t, err)
	assert.Equal(t, telemetry.Summary{Avg: 15, Min: 10, Max: 20, Count: 2}, got["cpu"])
	assert.Equal(t, telemetry.Summary{Avg: 70, Min: 70, Max: 70, Count: 1}, got["disk.usage"])
	assert.Equal(t, telemetry.Summary{Avg: 1, Min: 1, Max: 1, Count: 1}, got["disks.0.usage"])
	assert.Equal(t, 1, got["memory"].Count)
	assert.NotContains(t, got, "host")
	assert.NotContains(t, got, "ok")

	filtered, err := f.eng.Aggregate(ctx, f.alice, mac, telemetry.Range{}, []string{"disk"})
	require.NoError(t, err)
	assert.Equal(t, []string{"disk.usage"}, keys(filtered))

	end := base
	ranged, err := f.eng.Aggregate(ctx, f.alice, mac, telemetry.Range{End: &end}, []string{"cpu"})
	require.NoError(t, err)
	assert.Equal(t, telemetry.Summary{Avg: 10, Min: 10, Max: 10, Count: 1}, ranged["cpu"])
}

func TestAggregate_EmptyAndForbidden(t *testing.T) {
	f := newFixture(t)
	got, err := f.eng.Aggregate(ctx, f.alice, mac, telemetry.Range{}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.eng.Aggregate(ctx, f.bob, mac, telemetry.Range{}, nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024-05-20T10:33:00Z", time.Date(2024, 5, 20, 10, 33, 0, 0, time.UTC), true},
		{"2024-05-20T10:33:00.25Z", time.Date(2024, 5, 20, 10, 33, 0, 250_000_000, time.UTC), true},
		{"2024-05-20T12:33:00+02:00", time.Date(2024, 5, 20, 10, 33, 0, 0, time.UTC), true},
		{"2024-05-20T10:33:00", time.Date(2024, 5, 20, 10, 33, 0, 0, time.UTC), true},
		{"2024-05-20", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		got, err := telemetry.ParseTime(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %v", tt.in, got)
	}
}

func keys(m map[string]telemetry.Summary) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
