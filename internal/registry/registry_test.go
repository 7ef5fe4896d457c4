package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routermgr/routerd/internal/selection"
)

func TestClassify(t *testing.T) {
	cases := map[string]ProcessCategory{
		"steam.exe":      CategoryGame,
		"Discord.exe":    CategoryCommunication,
		"Code.exe":       CategoryDevTool,
		"notepad.exe":    CategoryUnknown,
		"battle.net.exe": CategoryGame,
	}
	for name, want := range cases {
		assert.Equalf(t, want, Classify(name), "Classify(%q)", name)
	}
}

func TestIsSelectedByPIDUsesSnapshot(t *testing.T) {
	sel := selection.New("discord.exe")
	r := New(nil, sel)

	created := time.UnixMilli(1000)
	r.snapshot[42] = CachedProcess{
		PID:       42,
		Name:      "discord.exe",
		CreatedAt: created,
		Selected:  true,
	}

	ctx := context.Background()
	require.True(t, r.IsSelectedByPID(ctx, 42, created), "expected pid 42 to be selected")
	require.False(t, r.IsSelectedByPID(ctx, 42, time.UnixMilli(2000)), "expected pid-reuse guard to reject stale creation time")
}

func TestSetSelectionReevaluatesSnapshot(t *testing.T) {
	r := New(nil, selection.New("foo.exe"))
	r.snapshot[1] = CachedProcess{PID: 1, Name: "foo.exe", Selected: true}
	r.snapshot[2] = CachedProcess{PID: 2, Name: "bar.exe", Selected: false}

	r.SetSelection(selection.New("bar.exe"))

	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if r.snapshot[1].Selected {
		t.Fatalf("expected foo.exe to no longer be selected")
	}
	if !r.snapshot[2].Selected {
		t.Fatalf("expected bar.exe to now be selected")
	}
}

func TestSnapshotReturnsCopy(t *testing.T) {
	r := New(nil, nil)
	r.snapshot[7] = CachedProcess{PID: 7, Name: "x.exe"}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].PID != 7 {
		t.Fatalf("unexpected snapshot contents: %+v", snap)
	}
}
