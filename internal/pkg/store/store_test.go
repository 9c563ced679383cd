package store

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
)

func testDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func seedWasher(t *testing.T, db *DB) {
	t.Helper()

	ctx := context.Background()
	if err := db.PutUser(ctx, User{ID: "u1", AgentID: "agent-u1", Name: "Alice"}); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}
	if err := db.PutDevice(ctx, Device{ID: "washer", Type: devices.TypeWasher, Name: "Washer"}); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	ud := UserDevice{
		ID: "washer-1", UserID: "u1", DeviceID: "washer", Name: "Washer",
		State: devices.DefaultState(devices.TypeWasher),
	}
	if err := db.PutUserDevice(ctx, ud); err != nil {
		t.Fatalf("PutUserDevice() error = %v", err)
	}
}

func TestUserRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.PutUser(ctx, User{ID: "u1", AgentID: "agent-u1", Name: "Alice"}); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}

	u, err := db.User(ctx, "u1")
	if err != nil {
		t.Fatalf("User() error = %v", err)
	}
	if u.AgentID != "agent-u1" || u.Name != "Alice" {
		t.Errorf("User() = %+v", u)
	}

	if _, err := db.User(ctx, "nobody"); errors.Cause(err) != ErrNotFound {
		t.Errorf("User(nobody) error = %v, want ErrNotFound", err)
	}

	users, err := db.Users(ctx)
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 1 {
		t.Errorf("Users() returned %d users, want 1", len(users))
	}
}

func TestMergeUserDeviceState(t *testing.T) {
	db := testDB(t)
	seedWasher(t, db)
	ctx := context.Background()

	merged, err := db.MergeUserDeviceState(ctx, "washer-1", devices.State{"isOn": true})
	if err != nil {
		t.Fatalf("MergeUserDeviceState() error = %v", err)
	}
	if !merged.Bool("isOn") {
		t.Error("merged isOn = false, want true")
	}
	if _, ok := merged["isEco"]; !ok {
		t.Error("merge dropped the untouched isEco attribute")
	}

	// The merge must be durable
	ud, err := db.UserDevice(ctx, "washer-1")
	if err != nil {
		t.Fatalf("UserDevice() error = %v", err)
	}
	if !ud.State.Bool("isOn") {
		t.Errorf("stored state = %v, want isOn true", ud.State)
	}

	if _, err := db.MergeUserDeviceState(ctx, "nope", devices.State{}); errors.Cause(err) != ErrNotFound {
		t.Errorf("MergeUserDeviceState(nope) error = %v, want ErrNotFound", err)
	}
}

func TestStateWriteObserver(t *testing.T) {
	db := testDB(t)
	seedWasher(t, db)

	var got []StateWriteEvent
	db.OnStateWrite(func(ev StateWriteEvent) {
		got = append(got, ev)
	})

	if _, err := db.MergeUserDeviceState(context.Background(), "washer-1", devices.State{"isRunning": true}); err != nil {
		t.Fatalf("MergeUserDeviceState() error = %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("observer ran %d times, want 1", len(got))
	}
	ev := got[0]
	if ev.UserDeviceID != "washer-1" || ev.UserID != "u1" || ev.DeviceID != "washer" {
		t.Errorf("event = %+v", ev)
	}
	if !ev.State.Bool("isRunning") {
		t.Errorf("event carries state %v, want merged state", ev.State)
	}
}

// The in-memory store must survive concurrent access: a second pooled
// sqlite connection to :memory: would be a distinct empty database
// with no schema at all
func TestMemoryStoreConcurrentReads(t *testing.T) {
	db := testDB(t)
	seedWasher(t, db)
	ctx := context.Background()

	t.Run("checked-out connection sees the schema", func(t *testing.T) {
		conn, err := db.DB.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn() error = %v", err)
		}
		defer conn.Close()

		var n int
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_devices`).Scan(&n); err != nil {
			t.Fatalf("querying on a checked-out connection: %v", err)
		}
		if n != 1 {
			t.Errorf("user_devices count = %d, want 1", n)
		}
	})

	t.Run("fan-out", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 16)

		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := db.UserDevice(ctx, "washer-1"); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Errorf("concurrent UserDevice() error = %v", err)
		}
	})
}

func TestFirstUserDeviceOfType(t *testing.T) {
	db := testDB(t)
	seedWasher(t, db)
	ctx := context.Background()

	ud, err := db.FirstUserDeviceOfType(ctx, devices.TypeWasher)
	if err != nil {
		t.Fatalf("FirstUserDeviceOfType() error = %v", err)
	}
	if ud.ID != "washer-1" {
		t.Errorf("FirstUserDeviceOfType() = %s, want washer-1", ud.ID)
	}

	if _, err := db.FirstUserDeviceOfType(ctx, devices.TypeFan); errors.Cause(err) != ErrNotFound {
		t.Errorf("FirstUserDeviceOfType(FAN) error = %v, want ErrNotFound", err)
	}
}

func TestTokens(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.PutToken(ctx, Token{Token: "acc-1", UserID: "u1", Kind: TokenKindAccess}); err != nil {
		t.Fatalf("PutToken() error = %v", err)
	}
	if err := db.PutToken(ctx, Token{Token: "ref-1", UserID: "u1", Kind: TokenKindRefresh, AccessToken: "acc-1"}); err != nil {
		t.Fatalf("PutToken() error = %v", err)
	}

	tok, err := db.Token(ctx, "ref-1")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.Kind != TokenKindRefresh || tok.AccessToken != "acc-1" {
		t.Errorf("Token() = %+v", tok)
	}

	if err := db.DeleteToken(ctx, "acc-1"); err != nil {
		t.Fatalf("DeleteToken() error = %v", err)
	}
	if _, err := db.Token(ctx, "acc-1"); errors.Cause(err) != ErrNotFound {
		t.Errorf("Token(acc-1) after delete error = %v, want ErrNotFound", err)
	}
}
