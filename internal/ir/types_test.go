package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2026-10-12 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in      string
		want    Source
		wantErr bool
	}{
		{"USER_LOGIN", SourceUserLogin, false},
		{"user_logout", SourceUserLogout, false},
		{"  Machine_Active ", SourceMachineActive, false},
		{"MACHINE_IDLE", SourceMachineIdle, false},
		{"MACHINE_SLEEP", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSource(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSource_CategoryAndOpens(t *testing.T) {
	assert.Equal(t, CategoryAttendance, SourceUserLogin.Category())
	assert.Equal(t, CategoryAttendance, SourceUserLogout.Category())
	assert.Equal(t, CategoryUtilization, SourceMachineActive.Category())
	assert.Equal(t, CategoryUtilization, SourceMachineIdle.Category())

	assert.True(t, SourceUserLogin.Opens())
	assert.True(t, SourceMachineActive.Opens())
	assert.False(t, SourceUserLogout.Opens())
	assert.False(t, SourceMachineIdle.Opens())
}

func TestSession_Clipped(t *testing.T) {
	end := at("17:00")
	s := Session{StartedAt: at("09:00"), EndedAt: &end, State: StateClosed}

	assert.Equal(t, 8*time.Hour, s.Duration())
	assert.Equal(t, 8*time.Hour, s.Clipped(at("00:00"), at("23:59")))
	assert.Equal(t, 3*time.Hour, s.Clipped(at("14:00"), at("23:00")))
	assert.Equal(t, time.Hour, s.Clipped(at("10:00"), at("11:00")))
	assert.Zero(t, s.Clipped(at("18:00"), at("19:00")))

	open := Session{StartedAt: at("09:00"), State: StateOpen}
	assert.Zero(t, open.Clipped(at("00:00"), at("23:00")))
}

func TestSession_Overlaps(t *testing.T) {
	end := at("10:00")
	s := Session{StartedAt: at("09:00"), EndedAt: &end}

	assert.True(t, s.Overlaps(at("08:00"), at("09:30")))
	assert.True(t, s.Overlaps(at("09:30"), at("11:00")))
	assert.False(t, s.Overlaps(at("10:00"), at("11:00")), "end is exclusive")
	assert.False(t, s.Overlaps(at("07:00"), at("09:00")), "window end is exclusive")

	zero := Session{StartedAt: at("09:00"), EndedAt: ptr(at("09:00"))}
	assert.True(t, zero.Overlaps(at("09:00"), at("10:00")))

	open := Session{StartedAt: at("09:00")}
	assert.True(t, open.Overlaps(at("12:00"), at("13:00")))
}

func TestSession_Countable(t *testing.T) {
	end := at("10:00")
	closed := Session{State: StateClosed, EndedAt: &end}
	assert.True(t, closed.Countable())

	inferred := Session{State: StateClosedInferred, EndedAt: &end}
	assert.True(t, inferred.Countable())

	superseded := Session{State: StateClosed, EndedAt: &end, CloseReason: CloseSuperseded}
	assert.True(t, superseded.Countable(), "login supersede still counts")

	merged := Session{State: StateClosed, EndedAt: &end, MergedInto: "m-1"}
	assert.False(t, merged.Countable())

	assert.False(t, Session{State: StateOpen}.Countable())
	assert.False(t, Session{State: StateAnomalous, EndedAt: &end}.Countable())
}

func TestSession_CloneDoesNotAlias(t *testing.T) {
	end := at("10:00")
	s := Session{EndedAt: &end}
	c := s.Clone()
	*c.EndedAt = at("11:00")
	assert.Equal(t, at("10:00"), *s.EndedAt)
}

func TestSessionFilter_Match(t *testing.T) {
	end := at("10:00")
	s := Session{
		SubjectID: "alice",
		Category:  CategoryAttendance,
		OriginID:  "laptop",
		StartedAt: at("09:00"),
		EndedAt:   &end,
		State:     StateClosed,
		Revision:  7,
		UpdatedAt: at("10:00"),
	}

	assert.True(t, SessionFilter{}.Match(s))
	assert.True(t, SessionFilter{SubjectID: "alice", Category: CategoryAttendance}.Match(s))
	assert.False(t, SessionFilter{SubjectID: "bob"}.Match(s))
	assert.False(t, SessionFilter{OriginID: "desktop"}.Match(s))
	assert.True(t, SessionFilter{States: []SessionState{StateOpen, StateClosed}}.Match(s))
	assert.False(t, SessionFilter{States: []SessionState{StateAnomalous}}.Match(s))
	assert.True(t, SessionFilter{From: at("09:30")}.Match(s))
	assert.False(t, SessionFilter{From: at("10:30")}.Match(s))
	assert.True(t, SessionFilter{MinRevision: 7}.Match(s))
	assert.False(t, SessionFilter{MinRevision: 8}.Match(s))
	assert.False(t, SessionFilter{UpdatedSince: at("11:00")}.Match(s))
}

func TestInstant(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	in := time.Date(2026, 10, 12, 10, 0, 0, 123456789, loc)
	got := Instant(in)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 123456000, got.Nanosecond())
}

func ptr(t time.Time) *time.Time { return &t }

func TestSessionKey_StringIsUnambiguous(t *testing.T) {
	plain := SessionKey{SubjectID: "alice", Category: CategoryAttendance, OriginID: "laptop"}
	assert.Equal(t, "alice|ATTENDANCE|laptop", plain.String())

	x := SessionKey{SubjectID: "a|b", Category: CategoryAttendance, OriginID: "c"}
	y := SessionKey{SubjectID: "a", Category: CategoryAttendance, OriginID: "b|c"}
	assert.NotEqual(t, x.String(), y.String())
}
